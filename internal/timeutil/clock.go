// Package timeutil is the time source shared by the processing loop, the
// telemetry archive, the upload bridge and the log forwarder. Tests swap in
// a MockClock and step it by hand.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the time source. Readings taken from RealClock keep Go's
// monotonic reading, so ages computed with Since or Sub ignore wall-clock
// steps.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// UnixSeconds converts t to fractional seconds since the epoch, the form
// observers receive archive timestamps in.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (RealClock) NewTicker(d time.Duration) Ticker {
	return stdTicker{time.NewTicker(d)}
}

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

// MockClock only moves when told to. A ticker created from it fires at most
// once per Advance, when the clock reaches the ticker's next deadline.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	created int
	live    map[*MockTicker]struct{}
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start, live: make(map[*MockTicker]struct{})}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

// Set jumps to t. No ticker fires.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and fires the tickers that are due.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	due := make([]*MockTicker, 0, len(c.live))
	for t := range c.live {
		due = append(due, t)
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fire(now)
	}
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &MockTicker{
		clock:    c,
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     c.now.Add(d),
	}
	c.live[t] = struct{}{}
	c.created++
	return t
}

// TickerCount is the number of tickers ever created. Tests use it to wait
// for a worker to reach its loop.
func (c *MockClock) TickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

type MockTicker struct {
	clock    *MockClock
	ch       chan time.Time
	interval time.Duration

	mu   sync.Mutex
	next time.Time
}

func (t *MockTicker) C() <-chan time.Time { return t.ch }

// Stop detaches the ticker from its clock. A tick already buffered stays
// readable.
func (t *MockTicker) Stop() {
	t.clock.mu.Lock()
	delete(t.clock.live, t)
	t.clock.mu.Unlock()
}

func (t *MockTicker) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Before(t.next) {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
	t.next = now.Add(t.interval)
}
