// Package monitor renders debug views of tracked sondes: an altitude
// profile, a ground track and a flight summary.
package monitor

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"tailscale.com/tsweb"

	"github.com/banshee-data/sonde.report/internal/archive"
	"github.com/banshee-data/sonde.report/internal/db"
	"github.com/banshee-data/sonde.report/internal/httputil"
)

// ascentWindow is how many logged points the ascent rate is fitted over.
const ascentWindow = 20

// TelemetryLog is the slice of the telemetry log the summary reads.
type TelemetryLog interface {
	TelemetryLog(serial string, limit int) ([]db.LogEntry, error)
}

type Monitor struct {
	store *archive.Store
	log   TelemetryLog
}

// New creates a Monitor over store. log may be nil when the telemetry log
// is disabled; summaries then omit the ascent rate.
func New(store *archive.Store, log TelemetryLog) *Monitor {
	return &Monitor{store: store, log: log}
}

func (m *Monitor) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Tracked sondes", func() any { return m.store.Len() })
	debug.HandleFunc("sonde/altitude", "Altitude profile of a sonde (?id=)", m.handleAltitude)
	debug.HandleFunc("sonde/track.png", "Ground track of a sonde (?id=)", m.handleTrack)
	debug.HandleFunc("sonde/summary", "Flight summary of a sonde (?id=)", m.handleSummary)
}

func (m *Monitor) entry(w http.ResponseWriter, r *http.Request) (archive.TrackEntry, string, bool) {
	id := r.URL.Query().Get("id")
	if id == "" {
		httputil.BadRequest(w, "missing id parameter")
		return archive.TrackEntry{}, "", false
	}
	e, ok := m.store.Get(id)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("sonde %s is not tracked", id))
		return archive.TrackEntry{}, "", false
	}
	return e, id, true
}

func (m *Monitor) handleAltitude(w http.ResponseWriter, r *http.Request) {
	e, id, ok := m.entry(w, r)
	if !ok {
		return
	}

	xs := make([]int, len(e.Path))
	alt := make([]opts.LineData, len(e.Path))
	for i, p := range e.Path {
		xs[i] = i
		alt[i] = opts.LineData{Value: p.Alt()}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sonde altitude", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: id, Subtitle: fmt.Sprintf("%s %s, %d points", e.Latest.Type, e.Latest.Freq, len(e.Path))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "sample"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "altitude (m)"}),
	)
	line.SetXAxis(xs).AddSeries("alt", alt, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (m *Monitor) handleTrack(w http.ResponseWriter, r *http.Request) {
	e, id, ok := m.entry(w, r)
	if !ok {
		return
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s ground track", id)
	p.X.Label.Text = "longitude"
	p.Y.Label.Text = "latitude"

	pts := make(plotter.XYs, len(e.Path))
	for i, pt := range e.Path {
		pts[i] = plotter.XY{X: pt.Lon(), Y: pt.Lat()}
	}
	track, err := plotter.NewLine(pts)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to plot track: %v", err))
		return
	}
	track.Width = vg.Points(1)
	p.Add(track, plotter.NewGrid())

	last, err := plotter.NewScatter(pts[len(pts)-1:])
	if err == nil {
		p.Add(last)
	}

	wt, err := p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render track: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = wt.WriteTo(w)
}

func (m *Monitor) handleSummary(w http.ResponseWriter, r *http.Request) {
	e, id, ok := m.entry(w, r)
	if !ok {
		return
	}
	s := Summarize(id, e)
	if m.log != nil {
		entries, err := m.log.TelemetryLog(id, ascentWindow)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to read telemetry log: %v", err))
			return
		}
		s.LoggedPoints = len(entries)
		if rate, ok := AscentRate(entries); ok {
			s.AscentRate = &rate
		}
	}
	httputil.WriteJSONOK(w, s)
}
