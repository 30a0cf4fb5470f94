package monitor

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/sonde.report/internal/archive"
	"github.com/banshee-data/sonde.report/internal/db"
	"github.com/banshee-data/sonde.report/internal/telemetry"
	"github.com/banshee-data/sonde.report/internal/timeutil"
)

// Summary describes one tracked sonde.
type Summary struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Freq    string  `json:"freq"`
	Points  int     `json:"points"`
	MinAlt  float64 `json:"min_alt"`
	MaxAlt  float64 `json:"max_alt"`
	MeanAlt float64 `json:"mean_alt"`
	// AscentRate is in m/s, negative once the sonde is descending.
	AscentRate   *float64 `json:"ascent_rate,omitempty"`
	LoggedPoints int      `json:"logged_points"`
}

// Summarize computes the altitude statistics of an archive entry.
func Summarize(id string, e archive.TrackEntry) Summary {
	s := Summary{ID: id, Type: e.Latest.Type, Freq: e.Latest.Freq, Points: len(e.Path)}
	if len(e.Path) == 0 {
		return s
	}
	alts := make([]float64, len(e.Path))
	for i, p := range e.Path {
		alts[i] = p.Alt()
	}
	s.MinAlt = floats.Min(alts)
	s.MaxAlt = floats.Max(alts)
	s.MeanAlt = stat.Mean(alts, nil)
	return s
}

// AscentRate fits altitude against the decoder timestamps of entries by
// least squares and returns the slope in m/s. It needs two entries with
// distinct, parseable timestamps.
func AscentRate(entries []db.LogEntry) (float64, bool) {
	var xs, ys []float64
	var t0 float64
	for _, e := range entries {
		ts, err := telemetry.Record{Datetime: e.Datetime}.ParseDatetime()
		if err != nil {
			continue
		}
		sec := timeutil.UnixSeconds(ts)
		if len(xs) == 0 {
			t0 = sec
		}
		xs = append(xs, sec-t0)
		ys = append(ys, e.Alt)
	}
	if len(xs) < 2 || floats.Max(xs) == floats.Min(xs) {
		return 0, false
	}
	_, beta := stat.LinearRegression(xs, ys, nil, false)
	return beta, true
}
