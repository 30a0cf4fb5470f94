// Package exporter runs the processing loop between the ingestion queue,
// the telemetry archive and the distribution channel.
package exporter

import (
	"expvar"
	"fmt"
	"sync"
	"time"

	"tailscale.com/metrics"

	"github.com/banshee-data/sonde.report/internal/archive"
	"github.com/banshee-data/sonde.report/internal/ingest"
	"github.com/banshee-data/sonde.report/internal/monitoring"
	"github.com/banshee-data/sonde.report/internal/telemetry"
	"github.com/banshee-data/sonde.report/internal/timeutil"
)

// ErrNotRunning is returned by Add once the exporter has been closed.
var ErrNotRunning = fmt.Errorf("exporter not running: %w", ingest.ErrClosed)

// EventTelemetry is the distribution event carrying one accepted record.
const EventTelemetry = "telemetry_event"

const (
	DefaultMaxAge   = 120 * time.Minute
	DefaultInterval = 100 * time.Millisecond
)

// Publisher is the distribution side of the exporter.
type Publisher interface {
	Publish(name string, payload any)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(name string, payload any)

func (f PublisherFunc) Publish(name string, payload any) { f(name, payload) }

// Options configures an Exporter. Zero values select the defaults.
type Options struct {
	// MaxAge is how long a sonde stays in the archive without new telemetry.
	MaxAge time.Duration
	// Interval is the idle time between batches.
	Interval  time.Duration
	Clock     timeutil.Clock
	Publisher Publisher
	Store     *archive.Store
	// OnEvict runs on the processing goroutine for each sonde removed by
	// the sweep.
	OnEvict func(id string)
}

// Exporter owns the single worker that drains the queue. It is Running from
// New until Close.
type Exporter struct {
	maxAge    time.Duration
	interval  time.Duration
	clock     timeutil.Clock
	publisher Publisher
	store     *archive.Store
	onEvict   func(id string)
	queue     *ingest.Queue[telemetry.Raw]

	accepted  expvar.Int
	malformed expvar.Int
	refused   expvar.Int
	evicted   expvar.Int
	batches   expvar.Int
	rejects   metrics.LabelMap

	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New starts an exporter.
func New(opts Options) *Exporter {
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Publisher == nil {
		opts.Publisher = PublisherFunc(func(string, any) {})
	}
	if opts.Store == nil {
		opts.Store = archive.NewStore()
	}

	e := &Exporter{
		maxAge:    opts.MaxAge,
		interval:  opts.Interval,
		clock:     opts.Clock,
		publisher: opts.Publisher,
		store:     opts.Store,
		onEvict:   opts.OnEvict,
		queue:     ingest.NewQueue[telemetry.Raw](),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	e.rejects.Label = "reason"
	// The ticker is created before the worker starts so a mock clock
	// advanced right after New still reaches it.
	ticker := e.clock.NewTicker(e.interval)
	go e.run(ticker)
	return e
}

// Add hands one raw record to the processing loop. A nil raw is accepted
// and later counted as "no data". After Close, Add returns ErrNotRunning.
func (e *Exporter) Add(raw telemetry.Raw) error {
	if err := e.queue.Enqueue(raw.Clone()); err != nil {
		e.refused.Add(1)
		monitoring.Errorf("exporter: processing not running, discarding telemetry")
		return ErrNotRunning
	}
	return nil
}

// Close stops the worker and waits for it. Everything accepted by Add
// before Close is processed first. Close may be called more than once.
func (e *Exporter) Close() {
	e.closeOnce.Do(func() {
		e.queue.Close()
		close(e.stopCh)
	})
	<-e.doneCh
}

// Running reports whether Add still accepts records.
func (e *Exporter) Running() bool {
	return !e.queue.Closed()
}

// Archive returns the store the loop merges into.
func (e *Exporter) Archive() *archive.Store { return e.store }

// MaxAge returns the eviction age in effect.
func (e *Exporter) MaxAge() time.Duration { return e.maxAge }

func (e *Exporter) run(ticker timeutil.Ticker) {
	defer close(e.doneCh)
	defer ticker.Stop()

	monitoring.Debugf("exporter: processing started (interval=%v max_age=%v)", e.interval, e.maxAge)
	for {
		select {
		case <-e.stopCh:
			// The queue is closed at this point, so one more batch
			// empties it for good.
			e.processBatch()
			monitoring.Debugf("exporter: closed processing loop")
			return
		case <-ticker.C():
			e.processBatch()
		}
	}
}

func (e *Exporter) processBatch() {
	items := e.queue.DrainAll()

	var merged []telemetry.Record
	now := e.clock.Now()
	for _, raw := range items {
		rec, err := telemetry.Validate(raw)
		if err != nil {
			e.malformed.Add(1)
			e.rejects.Add(telemetry.RejectReason(err), 1)
			monitoring.Errorf("exporter: %v", err)
			continue
		}
		e.store.Merge(rec, now)
		e.accepted.Add(1)
		merged = append(merged, rec)
	}

	for _, id := range e.store.Sweep(now, e.maxAge) {
		e.evicted.Add(1)
		monitoring.Debugf("exporter: removed sonde %s from archive", id)
		if e.onEvict != nil {
			e.onEvict(id)
		}
	}

	for _, rec := range merged {
		e.publisher.Publish(EventTelemetry, rec)
	}
	e.batches.Add(1)
}

// Stats is a point-in-time view of the exporter counters.
type Stats struct {
	Accepted  int64            `json:"accepted"`
	Malformed int64            `json:"malformed"`
	Refused   int64            `json:"refused"`
	Evicted   int64            `json:"evicted"`
	Batches   int64            `json:"batches"`
	Rejects   map[string]int64 `json:"rejects"`
	Queued    int              `json:"queued"`
	Tracked   int              `json:"tracked"`
}

func (e *Exporter) Stats() Stats {
	s := Stats{
		Accepted:  e.accepted.Value(),
		Malformed: e.malformed.Value(),
		Refused:   e.refused.Value(),
		Evicted:   e.evicted.Value(),
		Batches:   e.batches.Value(),
		Rejects:   make(map[string]int64),
		Queued:    e.queue.Len(),
		Tracked:   e.store.Len(),
	}
	e.rejects.Do(func(kv expvar.KeyValue) {
		if v, ok := kv.Value.(*expvar.Int); ok {
			s.Rejects[kv.Key] = v.Value()
		}
	})
	return s
}

// Vars returns the counters as an expvar map for /debug/varz. The caller
// publishes it; each call returns a fresh map over the same counters.
func (e *Exporter) Vars() *expvar.Map {
	m := new(expvar.Map)
	m.Set("counter_accepted", &e.accepted)
	m.Set("counter_malformed", &e.malformed)
	m.Set("counter_refused", &e.refused)
	m.Set("counter_evicted", &e.evicted)
	m.Set("counter_batches", &e.batches)
	m.Set("rejects", &e.rejects)
	m.Set("gauge_queued", expvar.Func(func() any { return e.queue.Len() }))
	m.Set("gauge_tracked", expvar.Func(func() any { return e.store.Len() }))
	return m
}
