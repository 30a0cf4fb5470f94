// Package serialmux multiplexes the line output of a serial-attached
// radiosonde decoder to any number of subscribers.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/metrics"
	"tailscale.com/tsweb"
)

var ErrWriteFailed = errors.New("short write to serial port")

const (
	// subscriberBuffer is how far a subscriber may lag before it misses lines.
	subscriberBuffer = 64
	maxLineLength    = 1 << 20
)

// SerialMuxInterface is implemented by SerialMux and DisabledSerialMux.
type SerialMuxInterface interface {
	// Subscribe returns an id and a channel carrying every line read after
	// the call.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// SendCommand writes one newline terminated command to the decoder.
	SendCommand(string) error
	// Monitor reads the port until ctx ends, the port reaches EOF or the
	// mux is closed.
	Monitor(context.Context) error
	Close() error
	// AttachAdminRoutes adds the mux's pages to the /debug/ index.
	AttachAdminRoutes(*http.ServeMux)
}

// SerialMux reads decoder lines from a port and fans them out.
type SerialMux[T SerialPorter] struct {
	port T
	subs *fanout

	writeMu sync.Mutex

	statsMu sync.Mutex
	lines   int64
	dropped int64
	kinds   metrics.LabelMap
}

var _ SerialMuxInterface = (*SerialMux[SerialPorter])(nil)

func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	s := &SerialMux[T]{port: port, subs: newFanout()}
	s.kinds.Label = "kind"
	return s
}

func (s *SerialMux[T]) Subscribe() (string, chan string) { return s.subs.subscribe(subscriberBuffer) }
func (s *SerialMux[T]) Unsubscribe(id string)            { s.subs.unsubscribe(id) }

func (s *SerialMux[T]) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	// Scan blocks on a quiet port, so it runs apart from the ctx check.
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.port)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineLength)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return ctx.Err()
				}
			}
			if !s.deliver(line) {
				return nil
			}
		}
	}
}

func (s *SerialMux[T]) deliver(line string) bool {
	dropped, ok := s.subs.send(line)
	if !ok {
		return false
	}
	s.statsMu.Lock()
	s.lines++
	s.dropped += int64(dropped)
	s.statsMu.Unlock()
	s.kinds.Add(ClassifyLine(line), 1)
	return true
}

// Lines returns the number of lines read so far.
func (s *SerialMux[T]) Lines() int64 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.lines
}

// Stats is a snapshot of the mux counters.
type Stats struct {
	Lines       int64            `json:"lines"`
	Dropped     int64            `json:"dropped"`
	Subscribers int              `json:"subscribers"`
	Kinds       map[string]int64 `json:"kinds"`
}

func (s *SerialMux[T]) Stats() Stats {
	s.statsMu.Lock()
	st := Stats{Lines: s.lines, Dropped: s.dropped, Kinds: map[string]int64{}}
	s.statsMu.Unlock()
	st.Subscribers = s.subs.count()
	for _, k := range []string{LineTelemetry, LineComment, LineBlank, LineUnknown} {
		if v := s.kinds.Get(k).Value(); v > 0 {
			st.Kinds[k] = v
		}
	}
	return st
}

// Close ends every subscription and closes the port. Only the first call
// closes the port.
func (s *SerialMux[T]) Close() error {
	if !s.subs.close() {
		return nil
	}
	return s.port.Close()
}

// AttachAdminRoutes adds a live tail, a command form target and the line
// counters to the tsweb debug index.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.KVFunc("Serial lines read", func() any { return s.Lines() })
	debug.KVFunc("Serial lines by kind", func() any { return s.Stats().Kinds })

	debug.HandleSilentFunc("serial-send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to serial port", command)
	})

	debug.Handle("serial-tail", "live tail of decoder output (SSE)", tailHandler(s))
}

// tailHandler streams decoder lines as Server-Sent Events until the client
// goes away or the mux closes.
func tailHandler(s SerialMuxInterface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")

		id, lines := s.Subscribe()
		defer s.Unsubscribe(id)

		fmt.Fprint(w, ": ping\n\n")
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
