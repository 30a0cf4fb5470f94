package broadcast

import (
	"context"

	"github.com/banshee-data/sonde.report/internal/monitoring"
)

// Consume runs fn for every event named name until ctx is cancelled or the
// hub closes. Errors from fn are logged, untagged so they reach log_event
// observers, and do not stop consumption.
func Consume(ctx context.Context, h *Hub, name string, fn func(Event) error) error {
	id, events := h.Subscribe(name)
	defer h.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := fn(ev); err != nil {
				monitoring.Warnf("%s consumer: %v", name, err)
			}
		}
	}
}
