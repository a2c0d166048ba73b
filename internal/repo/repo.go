package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"impostor/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// GameRecord is the journaled view of a game.
type GameRecord struct {
	domain.GameSummary
	RosterSize int            `json:"roster_size"`
	ImpostorID string         `json:"impostor_id"`
	Meeting    domain.Meeting `json:"meeting"`
	Agents     []domain.Agent `json:"agents"`
	UpdatedAt  time.Time      `json:"updated_at" format:"date-time"`
}

const gameColumns = `id,status,step,max_steps,roster_size,alive_count,impostor_id,COALESCE(winner,''),meeting_json,agents_json,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanGame(row scanner) (GameRecord, error) {
	var g GameRecord
	var meeting, agents, created, updated string
	err := row.Scan(&g.ID, &g.Status, &g.Step, &g.MaxSteps, &g.RosterSize, &g.AliveCount, &g.ImpostorID, &g.Winner, &meeting, &agents, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if err := json.Unmarshal([]byte(meeting), &g.Meeting); err != nil {
		return g, fmt.Errorf("decode meeting for %s: %w", g.ID, err)
	}
	if err := json.Unmarshal([]byte(agents), &g.Agents); err != nil {
		return g, fmt.Errorf("decode agents for %s: %w", g.ID, err)
	}
	if g.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return g, err
	}
	if g.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return g, err
	}
	return g, nil
}

// SaveGameTx inserts or refreshes the game row.
func (r Repo) SaveGameTx(ctx context.Context, tx *sql.Tx, g *domain.GameState) error {
	meeting, err := json.Marshal(g.Meeting)
	if err != nil {
		return err
	}
	agents, err := json.Marshal(g.Agents)
	if err != nil {
		return err
	}
	imp, _ := g.Impostor()
	_, err = tx.ExecContext(ctx, `INSERT INTO games(id,status,step,max_steps,roster_size,alive_count,impostor_id,winner,meeting_json,agents_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, step=excluded.step, alive_count=excluded.alive_count,
  winner=excluded.winner, agents_json=excluded.agents_json, updated_at=excluded.updated_at`,
		g.ID, g.Status, g.Step, g.MaxSteps, len(g.Agents), g.AliveCount(), imp.ID, nullable(string(g.Winner)),
		string(meeting), string(agents), formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	return err
}

func (r Repo) GetGame(ctx context.Context, id string) (GameRecord, error) {
	return scanGame(r.DB.QueryRowContext(ctx, `SELECT `+gameColumns+` FROM games WHERE id=?`, id))
}

// ListGames returns the most recently created games first.
func (r Repo) ListGames(ctx context.Context, limit int) ([]GameRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+gameColumns+` FROM games ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []GameRecord
	for rows.Next() {
		g, err := scanGame(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) InsertActionsTx(ctx context.Context, tx *sql.Tx, gameID string, actions []domain.PublicAction) error {
	for _, a := range actions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO public_actions(game_id,seq,step,kind,agent_id,target_id,content) VALUES (?,?,?,?,?,?,?)`,
			gameID, a.Seq, a.Step, a.Kind, a.AgentID, nullable(a.TargetID), a.Content); err != nil {
			return fmt.Errorf("insert action %d: %w", a.Seq, err)
		}
	}
	return nil
}

func (r Repo) ListActions(ctx context.Context, gameID string) ([]domain.PublicAction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,step,kind,agent_id,COALESCE(target_id,''),content FROM public_actions WHERE game_id=? ORDER BY seq`, gameID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PublicAction
	for rows.Next() {
		var a domain.PublicAction
		if err := rows.Scan(&a.Seq, &a.Step, &a.Kind, &a.AgentID, &a.TargetID, &a.Content); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertTurnsTx(ctx context.Context, tx *sql.Tx, gameID string, step int, turns []domain.Turn) error {
	for _, t := range turns {
		if _, err := tx.ExecContext(ctx, `INSERT INTO turns(game_id,step,agent_id,think,speak,vote,fallback) VALUES (?,?,?,?,?,?,?)`,
			gameID, step, t.AgentID, t.Think, nullable(t.Speak), nullable(t.Vote), nullable(t.Fallback)); err != nil {
			return fmt.Errorf("insert turn %s: %w", t.AgentID, err)
		}
	}
	return nil
}

// ListTurns returns the journaled turns of one step in roster order of insertion.
func (r Repo) ListTurns(ctx context.Context, gameID string, step int) ([]domain.Turn, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id,think,COALESCE(speak,''),COALESCE(vote,''),COALESCE(fallback,'') FROM turns WHERE game_id=? AND step=? ORDER BY rowid`, gameID, step)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Turn
	for rows.Next() {
		var t domain.Turn
		if err := rows.Scan(&t.AgentID, &t.Think, &t.Speak, &t.Vote, &t.Fallback); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// EventFilter narrows event queries; zero fields match everything.
type EventFilter struct {
	GameID string
	Type   string
	// Before returns events with an id lower than the cursor.
	Before int64
}

// LatestEvents returns the newest events first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.GameID != "" {
		clauses = append(clauses, "game_id=?")
		args = append(args, f.GameID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(game_id,''),entity_kind,COALESCE(entity_id,''),step,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,COALESCE(game_id,''),entity_kind,COALESCE(entity_id,''),step,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.GameID, &e.EntityKind, &e.EntityID, &e.Step, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
