package station

import (
	"sync"

	"github.com/goccy/go-json"
)

// ScanResults holds the latest frequency scan result. The value is opaque
// to the service and passed through to observers.
type ScanResults struct {
	mu       sync.RWMutex
	data     []byte
	onChange func()
}

func NewScanResults() *ScanResults {
	return &ScanResults{data: []byte("{}")}
}

// OnChange registers fn to run after every Set.
func (s *ScanResults) OnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Set stores v, which must be JSON encodable.
func (s *ScanResults) Set(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	fn := s.onChange
	s.mu.Unlock()
	notify(fn)
	return nil
}

// Snapshot returns an independent copy of the stored result.
func (s *ScanResults) Snapshot() any {
	s.mu.RLock()
	data := s.data
	s.mu.RUnlock()

	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// MarshalJSON writes the stored result unchanged.
func (s *ScanResults) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.data...), nil
}
