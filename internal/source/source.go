// Package source holds the producers that feed raw telemetry into the
// processing loop: decoder output over serial, UDP datagrams, pcap captures
// and sonde log files.
package source

import (
	"context"
	"strings"

	"github.com/banshee-data/sonde.report/internal/monitoring"
	"github.com/banshee-data/sonde.report/internal/serialmux"
	"github.com/banshee-data/sonde.report/internal/telemetry"
)

// Sink accepts raw records. *exporter.Exporter is the production sink.
type Sink interface {
	Add(telemetry.Raw) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(telemetry.Raw) error

func (f SinkFunc) Add(raw telemetry.Raw) error { return f(raw) }

// decode turns one decoder payload into a Raw. Anything that is not a JSON
// object becomes the "no data" marker so the loop counts it.
func decode(payload []byte) telemetry.Raw {
	raw, err := telemetry.DecodeRaw(payload)
	if err != nil {
		monitoring.Debugf("source: undecodable payload: %v", err)
		return nil
	}
	return raw
}

// FeedLines hands every telemetry line received on lines to sink until the
// channel closes or ctx is cancelled. Comments and blank lines are skipped.
// A sink error (the loop has stopped) ends the feed.
func FeedLines(ctx context.Context, lines <-chan string, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			var raw telemetry.Raw
			switch serialmux.ClassifyLine(line) {
			case serialmux.LineBlank:
				continue
			case serialmux.LineComment:
				monitoring.Debugf("source: decoder says %s", strings.TrimSpace(line))
				continue
			case serialmux.LineTelemetry:
				raw = decode([]byte(line))
			}
			if err := sink.Add(raw); err != nil {
				return err
			}
		}
	}
}

// FeedSerial subscribes to mux and feeds its lines to sink. The caller
// runs mux.Monitor.
func FeedSerial(ctx context.Context, mux serialmux.SerialMuxInterface, sink Sink) error {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)
	return FeedLines(ctx, lines, sink)
}
