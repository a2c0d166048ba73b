// Package events appends journal events inside the caller's transaction.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	GameCreated     = "game.created"
	GameStep        = "game.step"
	AgentEliminated = "agent.eliminated"
	GameFinished    = "game.finished"
)

// Types lists every event type the journal emits.
var Types = []string{GameCreated, GameStep, AgentEliminated, GameFinished}

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Record is one event to append.
type Record struct {
	Type       string
	GameID     string
	EntityKind string
	EntityID   string
	Step       int
	Payload    Payload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	payload := rec.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,game_id,entity_kind,entity_id,step,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, rec.Type, nullable(rec.GameID), rec.EntityKind, nullable(rec.EntityID), rec.Step, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", rec.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
