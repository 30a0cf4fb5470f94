package broadcast

import (
	"strings"

	"github.com/banshee-data/sonde.report/internal/monitoring"
	"github.com/banshee-data/sonde.report/internal/timeutil"
)

// LogTimeFormat is the UTC timestamp layout of log_event payloads.
const LogTimeFormat = "2006-01-02T15:04:05Z"

// LogEvent is the payload of a log_event.
type LogEvent struct {
	Level     string `json:"level"`
	Timestamp string `json:"timestamp"`
	Msg       string `json:"msg"`
}

// LogForwarder returns a monitoring hook that republishes log messages as
// log_event. Lines tagged with LogTag are skipped so the hub's own logging
// is never fed back into it. clock may be nil.
func LogForwarder(h *Hub, clock timeutil.Clock) monitoring.Hook {
	return func(e monitoring.Entry) {
		if strings.Contains(e.Message, LogTag) {
			return
		}
		ts := e.Time
		if clock != nil {
			ts = clock.Now()
		}
		h.Publish(EventLog, LogEvent{
			Level:     e.Level.String(),
			Timestamp: ts.UTC().Format(LogTimeFormat),
			Msg:       e.Message,
		})
	}
}
