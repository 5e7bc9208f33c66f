package tracemachine

import (
	"context"
	"testing"
	"time"
)

func TestHistoryRecordsInteractions(t *testing.T) {
	m, clock, _ := newTestMachine(t)
	ctx := context.Background()

	m.Start(ctx, "One")
	clock.Advance(30 * time.Millisecond)
	m.Start(ctx, "Two")
	clock.Advance(10 * time.Millisecond)
	m.Halt()

	sightings := m.History().Sightings()
	if len(sightings) != 2 {
		t.Fatalf("Expected 2 sightings, got %d", len(sightings))
	}
	if sightings[0].Name() != "One" || sightings[0].Duration() != 30*time.Millisecond {
		t.Errorf("Unexpected first sighting %s %v", sightings[0].Name(), sightings[0].Duration())
	}
	if sightings[1].Duration() != 10*time.Millisecond {
		t.Errorf("Expected halted sighting ended, got %v", sightings[1].Duration())
	}

	m.ClearHistory()
	if m.History().Len() != 0 || m.History().Last() != nil {
		t.Error("Expected history cleared")
	}
}

func TestHistoryRename(t *testing.T) {
	h := NewHistory()
	now := time.Now()
	h.add(newSighting("A", now))
	h.add(newSighting("B", now))
	h.add(newSighting("A", now))

	h.Rename("A", "C")

	names := []string{}
	for _, s := range h.Sightings() {
		names = append(names, s.Name())
	}
	if names[0] != "C" || names[1] != "B" || names[2] != "C" {
		t.Errorf("Unexpected names after rename %v", names)
	}
}

func TestSightingWire(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	s := newSighting("Home", at)
	s.end(at.Add(1500 * time.Millisecond))

	wire := s.wire()
	if wire[0] != "Home" || wire[1] != int64(1700000000000) || wire[2] != int64(1500) {
		t.Errorf("Unexpected sighting wire %v", wire)
	}
}
