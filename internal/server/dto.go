package server

import (
	"encoding/json"

	"impostor/internal/domain"
	"impostor/internal/registry"
)

// Request payloads

type CreateGameRequest struct {
	RosterSize int `json:"roster_size,omitempty" doc:"Number of agents (3-8). Defaults to the configured roster size."`
	MaxSteps   int `json:"max_steps,omitempty" doc:"Step limit. Defaults to the configured value."`
}

func (r CreateGameRequest) options() registry.GameOptions {
	return registry.GameOptions{RosterSize: r.RosterSize, MaxSteps: r.MaxSteps}
}

// Response payloads

type HealthResponse struct {
	Status  string `json:"status" example:"healthy"`
	Service string `json:"service" example:"impostor-game"`
}

// GameResponse is the spectator view of a game, impostor included.
type GameResponse struct {
	domain.GameState
	ImpostorID string `json:"impostor_id,omitempty"`
}

// MemoryResponse lists one agent's private memory, oldest first.
type MemoryResponse struct {
	GameID  string               `json:"game_id"`
	AgentID string               `json:"agent_id"`
	Items   []domain.MemoryEntry `json:"items"`
}

type GameListResponse struct {
	Items []domain.GameSummary `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	GameID     string         `json:"game_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Step       int            `json:"step"`
	Payload    map[string]any `json:"payload"`
}

type PaginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func gameResponse(g domain.GameState) GameResponse {
	resp := GameResponse{GameState: g}
	if imp, ok := g.Impostor(); ok {
		resp.ImpostorID = imp.ID
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		GameID:     e.GameID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Step:       e.Step,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}
