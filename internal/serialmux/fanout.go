package serialmux

import (
	"sync"

	"github.com/google/uuid"
)

// fanout is the subscriber registry shared by the real and disabled muxes.
// Once closed, new subscribers get an already closed channel.
type fanout struct {
	mu     sync.Mutex
	subs   map[string]chan string
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[string]chan string)}
}

func (f *fanout) subscribe(buffer int) (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, buffer)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return id, ch
	}
	f.subs[id] = ch
	return id, ch
}

func (f *fanout) unsubscribe(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(ch)
	}
}

// send offers line to every subscriber without blocking and returns how
// many were full. ok is false once the fanout is closed.
func (f *fanout) send(line string) (dropped int, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, false
	}
	for _, ch := range f.subs {
		select {
		case ch <- line:
		default:
			dropped++
		}
	}
	return dropped, true
}

// close reports whether this call did the closing.
func (f *fanout) close() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
	return true
}

func (f *fanout) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
