// Package impostorsdk is a small client for the impostor game HTTP API.
package impostorsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal game API client.
type Client struct {
	BaseURL     string
	BearerToken string
	APIKey      string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

type Agent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
	Role  string `json:"role"`
	Alive bool   `json:"alive"`
}

type PublicAction struct {
	Seq      int    `json:"seq"`
	Step     int    `json:"step"`
	Kind     string `json:"kind"`
	AgentID  string `json:"agent_id"`
	TargetID string `json:"target_id,omitempty"`
	Content  string `json:"content"`
}

type Meeting struct {
	Trigger    string `json:"trigger"`
	ReporterID string `json:"reporter_id"`
	Reason     string `json:"reason"`
}

// Game is the spectator view of a game.
type Game struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Step          int            `json:"step"`
	MaxSteps      int            `json:"max_steps"`
	Agents        []Agent        `json:"agents"`
	PublicHistory []PublicAction `json:"public_history"`
	Votes         map[string]int `json:"votes"`
	Meeting       Meeting        `json:"meeting"`
	Winner        string         `json:"winner,omitempty"`
	ImpostorID    string         `json:"impostor_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type GameSummary struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Step       int       `json:"step"`
	MaxSteps   int       `json:"max_steps"`
	AliveCount int       `json:"alive_count"`
	Winner     string    `json:"winner,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Turn struct {
	AgentID  string `json:"agent_id"`
	Think    string `json:"think"`
	Speak    string `json:"speak,omitempty"`
	Vote     string `json:"vote,omitempty"`
	Fallback string `json:"fallback,omitempty"`
}

type Tally struct {
	Policy          string         `json:"policy"`
	AliveCount      int            `json:"alive_count"`
	Threshold       int            `json:"threshold"`
	Counts          map[string]int `json:"counts"`
	Abstentions     int            `json:"abstentions"`
	Eliminated      string         `json:"eliminated,omitempty"`
	EliminatedVotes int            `json:"eliminated_votes,omitempty"`
}

// StepResult is the outcome of one advanced step.
type StepResult struct {
	GameID      string         `json:"game_id"`
	Step        int            `json:"step"`
	MaxSteps    int            `json:"max_steps"`
	Turns       []Turn         `json:"turns"`
	PublicDelta []PublicAction `json:"public_delta"`
	Speaker     string         `json:"speaker,omitempty"`
	Eliminated  *Agent         `json:"eliminated,omitempty"`
	Tally       Tally          `json:"tally"`
	Winner      string         `json:"winner,omitempty"`
	Finished    bool           `json:"finished"`
	Message     string         `json:"message"`
}

// MemoryEntry is one step of an agent's private memory.
type MemoryEntry struct {
	Step         int               `json:"step"`
	Location     string            `json:"location,omitempty"`
	Action       string            `json:"action,omitempty"`
	Observations []string          `json:"observations,omitempty"`
	Suspicions   map[string]string `json:"suspicions,omitempty"`
	Alliances    []string          `json:"alliances,omitempty"`
	Strategy     string            `json:"strategy_notes,omitempty"`
	Emotion      string            `json:"emotion_state,omitempty"`
}

type AgentMemory struct {
	GameID  string        `json:"game_id"`
	AgentID string        `json:"agent_id"`
	Items   []MemoryEntry `json:"items"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	GameID     string         `json:"game_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Step       int            `json:"step"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type Health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// CreateGameOptions zero fields fall back to server defaults.
type CreateGameOptions struct {
	RosterSize int `json:"roster_size,omitempty"`
	MaxSteps   int `json:"max_steps,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// Conflict reports whether a step was rejected because another was running.
func (e *APIError) Conflict() bool { return e.StatusCode == http.StatusConflict }

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

func (c *Client) CreateGame(ctx context.Context, opts CreateGameOptions) (Game, error) {
	var resp Game
	err := c.do(ctx, http.MethodPost, "games", opts, &resp)
	return resp, err
}

func (c *Client) ListGames(ctx context.Context) ([]GameSummary, error) {
	var resp struct {
		Items []GameSummary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "games", nil, &resp)
	return resp.Items, err
}

func (c *Client) GetGame(ctx context.Context, gameID string) (Game, error) {
	var resp Game
	err := c.do(ctx, http.MethodGet, "games/"+url.PathEscape(gameID), nil, &resp)
	return resp, err
}

// Step advances the game by one step.
func (c *Client) Step(ctx context.Context, gameID string) (StepResult, error) {
	var resp StepResult
	err := c.do(ctx, http.MethodPost, "games/"+url.PathEscape(gameID)+"/step", nil, &resp)
	return resp, err
}

// Memory returns an agent's private memory; limit <= 0 returns every entry.
func (c *Client) Memory(ctx context.Context, gameID, agentID string, limit int) (AgentMemory, error) {
	endpoint := "games/" + url.PathEscape(gameID) + "/agents/" + url.PathEscape(agentID) + "/memory"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp AgentMemory
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events lists journaled events newest first; pass NextCursor to page.
func (c *Client) Events(ctx context.Context, gameID, eventType string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "games/" + url.PathEscape(gameID) + "/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
