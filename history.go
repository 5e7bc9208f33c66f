package tracemachine

import (
	"sync"
	"time"
)

// Sighting records one interaction in the history.
type Sighting struct {
	timestamp time.Time
	name      string
	duration  time.Duration
	mu        sync.Mutex
}

func newSighting(name string, at time.Time) *Sighting {
	return &Sighting{name: name, timestamp: at}
}

// Name returns the interaction name.
func (s *Sighting) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Timestamp returns when the interaction started.
func (s *Sighting) Timestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestamp
}

// Duration returns how long the interaction lasted, zero until ended.
func (s *Sighting) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *Sighting) end(at time.Time) {
	s.mu.Lock()
	s.duration = at.Sub(s.timestamp)
	s.mu.Unlock()
}

func (s *Sighting) wire() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []any{s.name, s.timestamp.UnixMilli(), s.duration.Milliseconds()}
}

// History is the ordered list of started interactions.
// Safe for concurrent use.
type History struct {
	sightings []*Sighting
	mu        sync.RWMutex
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

func (h *History) add(s *Sighting) {
	h.mu.Lock()
	h.sightings = append(h.sightings, s)
	h.mu.Unlock()
}

// Last returns the most recent sighting, nil if none.
func (h *History) Last() *Sighting {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.sightings) == 0 {
		return nil
	}
	return h.sightings[len(h.sightings)-1]
}

// EndLast stamps the duration of the most recent sighting.
func (h *History) EndLast(at time.Time) {
	if last := h.Last(); last != nil {
		last.end(at)
	}
}

// Rename updates every sighting named oldName.
func (h *History) Rename(oldName, newName string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sightings {
		s.mu.Lock()
		if s.name == oldName {
			s.name = newName
		}
		s.mu.Unlock()
	}
}

// Sightings returns the recorded sightings, oldest first.
func (h *History) Sightings() []*Sighting {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Sighting, len(h.sightings))
	copy(out, h.sightings)
	return out
}

// Len returns the number of sightings.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sightings)
}

// Clear drops all sightings.
func (h *History) Clear() {
	h.mu.Lock()
	h.sightings = nil
	h.mu.Unlock()
}
