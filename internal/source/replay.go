package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/banshee-data/sonde.report/internal/monitoring"
	"github.com/banshee-data/sonde.report/internal/telemetry"
)

// maxReplayRows caps how many rows are read from each log.
const maxReplayRows = 10000

// readSondeLog reads the rows of one sonde log file (at most maxReplayRows).
func readSondeLog(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	var rows [][]string
	for len(rows) < maxReplayRows {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ReplayLogs injects sonde log files as if several sondes were being
// received at once. Every file is truncated to the shortest one; the first
// tenth of each is injected immediately, then one row per sonde every delay.
// Unparseable rows reach the sink as the "no data" marker.
func ReplayLogs(ctx context.Context, paths []string, delay time.Duration, sink Sink) error {
	if len(paths) == 0 {
		return nil
	}
	logs := make([][][]string, 0, len(paths))
	n := maxReplayRows
	for _, p := range paths {
		rows, err := readSondeLog(p)
		if err != nil {
			return err
		}
		logs = append(logs, rows)
		n = min(n, len(rows))
	}
	monitoring.Infof("source: replaying %d sonde logs, %d rows each", len(logs), n)

	feed := func(i int) error {
		for _, rows := range logs {
			if err := sink.Add(telemetry.ParseLogLine(rows[i])); err != nil {
				return err
			}
		}
		return nil
	}

	head := n / 10
	for i := 0; i < head; i++ {
		if err := feed(i); err != nil {
			return err
		}
	}
	for i := head; i < n; i++ {
		if delay > 0 {
			if err := sleepUntil(ctx, time.Now().Add(delay)); err != nil {
				return err
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if err := feed(i); err != nil {
			return err
		}
	}
	monitoring.Infof("source: sonde log replay complete")
	return nil
}
