// Package memory holds each agent's private, append-only recollections.
//
// Entries are keyed by agent id and step number. A store belongs to a single
// game; nothing in it is ever shared between agents.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"impostor/internal/domain"
)

// ContextSteps is how many recent entries are rendered into an agent's context.
const ContextSteps = 3

var (
	ErrDuplicateStep = errors.New("memory entry already recorded for step")
	ErrOutOfOrder    = errors.New("memory entry older than latest step")
	ErrNoAgent       = errors.New("agent id required")
)

type Store struct {
	mu      sync.RWMutex
	entries map[string][]domain.MemoryEntry
}

func NewStore() *Store {
	return &Store{entries: make(map[string][]domain.MemoryEntry)}
}

// Append records entry for agentID. A second entry for the same step is
// rejected with ErrDuplicateStep and the log is left untouched.
func (s *Store) Append(agentID string, entry domain.MemoryEntry) error {
	if agentID == "" {
		return ErrNoAgent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.entries[agentID]
	if n := len(log); n > 0 {
		last := log[n-1].Step
		switch {
		case entry.Step == last:
			return fmt.Errorf("agent %s step %d: %w", agentID, entry.Step, ErrDuplicateStep)
		case entry.Step < last:
			return fmt.Errorf("agent %s step %d < %d: %w", agentID, entry.Step, last, ErrOutOfOrder)
		}
	}
	s.entries[agentID] = append(log, entry.Clone())
	return nil
}

// Tail returns up to n most recent entries for agentID in ascending step order.
func (s *Store) Tail(agentID string, n int) []domain.MemoryEntry {
	if n <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.entries[agentID]
	if len(log) > n {
		log = log[len(log)-n:]
	}
	out := make([]domain.MemoryEntry, len(log))
	for i, e := range log {
		out[i] = e.Clone()
	}
	return out
}

func (s *Store) Len(agentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries[agentID])
}

// Format renders entries as the memory block of an agent's context.
func Format(entries []domain.MemoryEntry) string {
	if len(entries) == 0 {
		return "No previous memories."
	}
	if len(entries) > ContextSteps {
		entries = entries[len(entries)-ContextSteps:]
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Step %d:", e.Step)
		if e.Location != "" {
			fmt.Fprintf(&b, "\n  Location: %s", e.Location)
		}
		if e.Action != "" {
			fmt.Fprintf(&b, "\n  Action: %s", e.Action)
		}
		if len(e.Observations) > 0 {
			fmt.Fprintf(&b, "\n  Observations: %s", strings.Join(e.Observations, "; "))
		}
		if len(e.Suspicions) > 0 {
			ids := make([]string, 0, len(e.Suspicions))
			for id := range e.Suspicions {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			parts := make([]string, 0, len(ids))
			for _, id := range ids {
				parts = append(parts, fmt.Sprintf("%s: %s", id, e.Suspicions[id]))
			}
			fmt.Fprintf(&b, "\n  Suspicions: %s", strings.Join(parts, ", "))
		}
		if len(e.Alliances) > 0 {
			fmt.Fprintf(&b, "\n  Trusted: %s", strings.Join(e.Alliances, ", "))
		}
		if e.Strategy != "" {
			fmt.Fprintf(&b, "\n  Strategy: %s", e.Strategy)
		}
		if e.Emotion != "" {
			fmt.Fprintf(&b, "\n  Feeling: %s", e.Emotion)
		}
	}
	return b.String()
}
