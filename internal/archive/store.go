// Package archive keeps the bounded-age in-memory telemetry history served
// to observers that join after the data was published.
package archive

import (
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/banshee-data/sonde.report/internal/telemetry"
	"github.com/banshee-data/sonde.report/internal/timeutil"
)

// TrackEntry is the aggregate state for one sonde.
type TrackEntry struct {
	LastUpdate time.Time
	Latest     telemetry.Record
	Path       []telemetry.Point
}

type trackEntryJSON struct {
	Timestamp float64           `json:"timestamp"`
	Latest    telemetry.Record  `json:"latest_telem"`
	Path      []telemetry.Point `json:"path"`
}

// MarshalJSON writes the entry as {"timestamp", "latest_telem", "path"}
// with the timestamp in fractional unix seconds.
func (e TrackEntry) MarshalJSON() ([]byte, error) {
	path := e.Path
	if path == nil {
		path = []telemetry.Point{}
	}
	return json.Marshal(trackEntryJSON{
		Timestamp: timeutil.UnixSeconds(e.LastUpdate),
		Latest:    e.Latest,
		Path:      path,
	})
}

func (e TrackEntry) clone() TrackEntry {
	out := TrackEntry{
		LastUpdate: e.LastUpdate,
		Latest:     e.Latest.Clone(),
		Path:       make([]telemetry.Point, len(e.Path)),
	}
	copy(out.Path, e.Path)
	return out
}

// Store maps sonde id to TrackEntry. Every operation runs under one mutex,
// so readers never see an entry whose latest record and path disagree.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*TrackEntry
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*TrackEntry)}
}

// Merge records rec as the latest sample for rec.ID, appends its position to
// the path and refreshes the entry's last update time. It reports whether a
// new entry was created. The store keeps its own copy of rec.
func (s *Store) Merge(rec telemetry.Record, now time.Time) (created bool) {
	rec = rec.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[rec.ID]
	if !ok {
		s.entries[rec.ID] = &TrackEntry{
			LastUpdate: now,
			Latest:     rec,
			Path:       []telemetry.Point{rec.Point()},
		}
		return true
	}
	e.Latest = rec
	e.Path = append(e.Path, rec.Point())
	e.LastUpdate = now
	return false
}

// Sweep removes every entry whose last update is more than maxAge before
// now and returns the removed ids in sorted order.
func (s *Store) Sweep(now time.Time, maxAge time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, e := range s.entries {
		if now.Sub(e.LastUpdate) > maxAge {
			delete(s.entries, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// Snapshot returns a deep copy of the whole store.
func (s *Store) Snapshot() map[string]TrackEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]TrackEntry, len(s.entries))
	for id, e := range s.entries {
		out[id] = e.clone()
	}
	return out
}

// Get returns a copy of one entry.
func (s *Store) Get(id string) (TrackEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return TrackEntry{}, false
	}
	return e.clone(), true
}

// IDs returns the tracked ids in sorted order.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
