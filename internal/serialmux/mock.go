package serialmux

import (
	"bytes"
	"io"
	"sync"
)

// MockPort is an in-memory SerialPorter. Lines passed to Feed are read by
// Monitor; everything written by SendCommand is captured.
type MockPort struct {
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
	closed  bool
}

func NewMockPort() *MockPort {
	r, w := io.Pipe()
	return &MockPort{r: r, w: w}
}

// Feed writes lines to the read side, each terminated by a newline. It
// blocks until Monitor has consumed them.
func (m *MockPort) Feed(lines ...string) error {
	for _, l := range lines {
		if _, err := io.WriteString(m.w, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// EOF ends the read side as an unplugged decoder would.
func (m *MockPort) EOF() error { return m.w.Close() }

func (m *MockPort) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	return m.written.Write(p)
}

// Written returns everything written to the port so far.
func (m *MockPort) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.String()
}

func (m *MockPort) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.w.Close()
	return m.r.Close()
}
