// Package api is the HTTP query surface of the station: read-only views of
// the process state, the /update_status distribution channel and the
// guarded shutdown route.
package api

import (
	"crypto/subtle"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/banshee-data/sonde.report/internal/archive"
	"github.com/banshee-data/sonde.report/internal/broadcast"
	"github.com/banshee-data/sonde.report/internal/config"
	"github.com/banshee-data/sonde.report/internal/httputil"
	"github.com/banshee-data/sonde.report/internal/monitoring"
	"github.com/banshee-data/sonde.report/internal/station"
	"github.com/banshee-data/sonde.report/internal/version"
)

// ControlClientConnected is the control message an observer sends after
// connecting; the server answers by publishing scan_event and task_event
// so the observer refreshes its views.
const ControlClientConnected = "client_connected"

const maxUpdateBody = 1 << 20

type Options struct {
	Archive *archive.Store
	Hub     *broadcast.Hub
	Tasks   *station.Tasks
	Scan    *station.ScanResults
	Config  *config.Holder
	// ShutdownKey guards /shutdown/{key}. An empty key disables the route.
	ShutdownKey string
	// OnShutdown runs once when a request presents the right key. It must
	// not block.
	OnShutdown func()
	// WebSocket configures the upgrade, e.g. allowed origins.
	WebSocket *websocket.AcceptOptions
}

type Server struct {
	archive     *archive.Store
	hub         *broadcast.Hub
	tasks       *station.Tasks
	scan        *station.ScanResults
	config      *config.Holder
	shutdownKey string
	onShutdown  func()
	wsOpts      *websocket.AcceptOptions

	shutdownOnce sync.Once
}

func NewServer(opts Options) *Server {
	s := &Server{
		archive:     opts.Archive,
		hub:         opts.Hub,
		tasks:       opts.Tasks,
		scan:        opts.Scan,
		config:      opts.Config,
		shutdownKey: opts.ShutdownKey,
		onShutdown:  opts.OnShutdown,
		wsOpts:      opts.WebSocket,
	}
	if s.archive == nil {
		s.archive = archive.NewStore()
	}
	if s.hub == nil {
		s.hub = broadcast.NewHub(0)
	}
	if s.tasks == nil {
		s.tasks = station.NewTasks(nil)
	}
	if s.scan == nil {
		s.scan = station.NewScanResults()
	}
	if s.onShutdown == nil {
		s.onShutdown = func() {}
	}
	return s
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /get_version", s.getVersion)
	mux.HandleFunc("GET /get_task_list", s.getTaskList)
	mux.HandleFunc("GET /get_config", s.getConfig)
	mux.HandleFunc("GET /get_scan_data", s.getScanData)
	mux.HandleFunc("GET /get_telemetry_archive", s.getTelemetryArchive)

	mux.HandleFunc("GET "+broadcast.Namespace+"/events", s.hub.ServeSSE)
	mux.Handle("GET "+broadcast.Namespace+"/ws", s.hub.WebSocketHandler(s.Control, s.wsOpts))
	mux.HandleFunc("POST "+broadcast.Namespace+"/"+ControlClientConnected, s.clientConnected)

	mux.HandleFunc("GET /shutdown/{key}", s.shutdown)
	mux.HandleFunc("POST /set_task/{key}", s.setTask)
	mux.HandleFunc("POST /set_scan_data/{key}", s.setScanData)
	return mux
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteText(w, version.Version)
}

func (s *Server) getTaskList(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.tasks.Status())
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	if s.config == nil {
		httputil.WriteJSONOK(w, map[string]any{})
		return
	}
	httputil.WriteJSONOK(w, s.config.Snapshot())
}

func (s *Server) getScanData(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.scan.Snapshot())
}

func (s *Server) getTelemetryArchive(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.archive.Snapshot())
}

// Control handles a control message from an observer on any transport.
func (s *Server) Control(event string) {
	switch event {
	case ControlClientConnected:
		monitoring.Infof("New web client connected")
		s.hub.Publish(broadcast.EventScan, nil)
		s.hub.Publish(broadcast.EventTask, nil)
	default:
		monitoring.Debugf("api: ignoring control message %q", event)
	}
}

func (s *Server) clientConnected(w http.ResponseWriter, r *http.Request) {
	s.Control(ControlClientConnected)
	w.WriteHeader(http.StatusNoContent)
}

// keyMatches reports whether r carries the process key in its path.
func (s *Server) keyMatches(r *http.Request) bool {
	key := r.PathValue("key")
	return s.shutdownKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(s.shutdownKey)) == 1
}

func (s *Server) shutdown(w http.ResponseWriter, r *http.Request) {
	if !s.keyMatches(r) {
		monitoring.Warnf("api: shutdown requested with a wrong key")
		httputil.Forbidden(w, "invalid shutdown key")
		return
	}
	// Shutdown waits for in-flight requests, so this response still
	// reaches the caller.
	s.shutdownOnce.Do(func() {
		monitoring.Infof("api: shutdown requested")
		s.onShutdown()
	})
	httputil.WriteText(w, "shutting down")
}

// TaskUpdate is the body of /set_task. An empty Device releases Task.
type TaskUpdate struct {
	Task   string `json:"task"`
	Device string `json:"device"`
}

// setTask lets an external scanner report what an SDR is doing.
func (s *Server) setTask(w http.ResponseWriter, r *http.Request) {
	if !s.keyMatches(r) {
		httputil.Forbidden(w, "invalid key")
		return
	}
	var u TaskUpdate
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateBody)).Decode(&u); err != nil {
		httputil.BadRequest(w, "invalid task update: "+err.Error())
		return
	}
	if u.Task == "" {
		httputil.BadRequest(w, "task is required")
		return
	}
	if u.Device == "" {
		s.tasks.Release(u.Task)
	} else {
		s.tasks.Assign(u.Task, u.Device)
	}
	httputil.WriteJSONOK(w, s.tasks.Status())
}

func (s *Server) setScanData(w http.ResponseWriter, r *http.Request) {
	if !s.keyMatches(r) {
		httputil.Forbidden(w, "invalid key")
		return
	}
	var v any
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateBody)).Decode(&v); err != nil {
		httputil.BadRequest(w, "invalid scan data: "+err.Error())
		return
	}
	if err := s.scan.Set(v); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
