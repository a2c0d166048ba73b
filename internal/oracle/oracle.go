// Package oracle defines the reasoning service agents consult each step and
// the implementations the engine can be wired to.
package oracle

import (
	"context"
	"errors"

	"impostor/internal/domain"
)

type Purpose string

const (
	PurposeTurn    Purpose = "turn"
	PurposeSpeaker Purpose = "speaker"
)

// ErrNoProvider is returned when every configured provider failed or none exists.
var ErrNoProvider = errors.New("no oracle provider available")

// Oracle produces free-form text for a request. Implementations must be safe
// for concurrent use and must honor ctx cancellation.
type Oracle interface {
	Decide(ctx context.Context, req Request) (string, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, req Request) (string, error)

func (f Func) Decide(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// RosterEntry is the public view of an agent. Roles are never included.
type RosterEntry struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
	Alive bool   `json:"alive"`
}

// Request is everything one agent is allowed to see for one decision.
type Request struct {
	GameID   string
	Step     int
	MaxSteps int
	Purpose  Purpose

	// Self is the deciding agent. Its Role is the only role in the request.
	Self   domain.Agent
	Roster []RosterEntry

	Narrative   string
	PublicTail  []domain.PublicAction
	PrivateTail []domain.Thought
	Memory      string

	// Candidates lists eligible speakers for PurposeSpeaker requests.
	Candidates []RosterEntry
}

// PublicRoster strips roles from agents.
func PublicRoster(agents []domain.Agent) []RosterEntry {
	out := make([]RosterEntry, len(agents))
	for i, a := range agents {
		out[i] = RosterEntry{ID: a.ID, Name: a.Name, Color: a.Color, Alive: a.Alive}
	}
	return out
}
