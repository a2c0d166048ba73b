package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"impostor/internal/db"
	"impostor/internal/domain"
	"impostor/internal/engine"
	"impostor/internal/events"
	"impostor/internal/memory"
	"impostor/internal/migrate"
	"impostor/internal/oracle"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := migrate.Version(ctx, conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if v != latest || v == 0 {
		t.Fatalf("expected schema version %d, got %d", latest, v)
	}
}

func TestJournalRecordsGameAndSteps(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	r := Repo{DB: conn}
	j := Journal{Repo: r, Events: events.Writer{Now: func() time.Time { return time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC) }}}

	votes := oracle.Func(func(ctx context.Context, req oracle.Request) (string, error) {
		return `{"think":"sure","speak":"Vote Pink!","vote":"pink"}`, nil
	})
	e := engine.New(votes, engine.Options{Seed: 5, TurnTimeout: time.Second})
	g, err := e.NewGame("game-1", 4, 10)
	if err != nil {
		t.Fatalf("new game: %v", err)
	}
	// Make pink the impostor so the first step ends the game.
	for i := range g.Agents {
		g.Agents[i].Role = domain.RoleCrewmate
		if g.Agents[i].ID == "pink" {
			g.Agents[i].Role = domain.RoleImpostor
		}
	}
	if err := j.GameCreated(ctx, g); err != nil {
		t.Fatalf("game created: %v", err)
	}

	res := e.Step(ctx, g, memory.NewStore())
	if !res.Finished || res.Eliminated == nil || res.Eliminated.ID != "pink" {
		t.Fatalf("expected pink eliminated and game finished, got %+v", res)
	}
	if err := j.StepCommitted(ctx, g, res); err != nil {
		t.Fatalf("step committed: %v", err)
	}

	rec, err := r.GetGame(ctx, "game-1")
	if err != nil {
		t.Fatalf("get game: %v", err)
	}
	if rec.Status != domain.StatusFinished || rec.Winner != domain.WinnerCrewmates {
		t.Fatalf("unexpected record status=%s winner=%s", rec.Status, rec.Winner)
	}
	if rec.ImpostorID != "pink" || rec.AliveCount != 3 || rec.Step != 1 || rec.RosterSize != 4 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Meeting.Reason == "" || len(rec.Agents) != 4 {
		t.Fatalf("meeting or agents not decoded: %+v", rec)
	}

	actions, err := r.ListActions(ctx, "game-1")
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != len(res.PublicDelta) {
		t.Fatalf("expected %d actions, got %d", len(res.PublicDelta), len(actions))
	}
	if last := actions[len(actions)-1]; last.Kind != domain.ActionElimination || last.TargetID != "pink" {
		t.Fatalf("expected elimination last, got %+v", last)
	}

	turns, err := r.ListTurns(ctx, "game-1", 1)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(turns))
	}

	evts, err := r.LatestEvents(ctx, 10, EventFilter{GameID: "game-1"})
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	var types []string
	for _, evt := range evts {
		types = append(types, evt.Type)
	}
	want := []string{events.GameFinished, events.AgentEliminated, events.GameStep, events.GameCreated}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(evts[0].Payload), &payload); err != nil || payload["winner"] != "crewmates" {
		t.Fatalf("unexpected finished payload %q: %v", evts[0].Payload, err)
	}

	after, err := r.EventsAfter(ctx, 10, evts[len(evts)-1].ID)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(after) != 3 || after[0].Type != events.GameStep {
		t.Fatalf("unexpected events after cursor: %+v", after)
	}
	latest, err := r.LatestEventID(ctx)
	if err != nil || latest != evts[0].ID {
		t.Fatalf("latest event id %d, want %d (%v)", latest, evts[0].ID, err)
	}
}

func TestJournalRollsBackFailedStep(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	r := Repo{DB: conn}
	j := Journal{Repo: r}

	e := engine.New(oracle.NewSimulated(1), engine.Options{Seed: 1})
	g, err := e.NewGame("game-2", 3, 5)
	if err != nil {
		t.Fatalf("new game: %v", err)
	}
	if err := j.GameCreated(ctx, g); err != nil {
		t.Fatalf("game created: %v", err)
	}
	res := e.Step(ctx, g, memory.NewStore())
	if err := j.StepCommitted(ctx, g, res); err != nil {
		t.Fatalf("step committed: %v", err)
	}
	// Replaying the same step violates the turn primary key.
	before, _ := r.LatestEventID(ctx)
	if err := j.StepCommitted(ctx, g, res); err == nil {
		t.Fatalf("expected duplicate step to fail")
	}
	after, _ := r.LatestEventID(ctx)
	if before != after {
		t.Fatalf("failed step leaked events: %d -> %d", before, after)
	}
}

func TestGetGameNotFound(t *testing.T) {
	r := Repo{DB: openTestDB(t)}
	if _, err := r.GetGame(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	games, err := r.ListGames(context.Background(), 10)
	if err != nil || len(games) != 0 {
		t.Fatalf("expected no games, got %v (%v)", games, err)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	r := Repo{DB: openTestDB(t)}
	ctx := context.Background()

	if _, _, err := r.CreateAPIKey(ctx, " ", "none"); err == nil {
		t.Fatalf("expected subject to be required")
	}
	plaintext, key, err := r.CreateAPIKey(ctx, "dashboard", "wallboard")
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	if plaintext == "" || key.KeyHash != HashAPIKey(plaintext) || key.KeyHash == plaintext {
		t.Fatalf("unexpected key material %q / %+v", plaintext, key)
	}
	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey(" "+plaintext+" "))
	if err != nil || got.ID != key.ID || got.Subject != "dashboard" || got.Name != "wallboard" {
		t.Fatalf("lookup by hash: %+v (%v)", got, err)
	}
	if _, _, err := r.CreateAPIKey(ctx, "other", ""); err != nil {
		t.Fatalf("second key: %v", err)
	}
	keys, err := r.ListAPIKeys(ctx, "dashboard")
	if err != nil || len(keys) != 1 {
		t.Fatalf("expected one dashboard key, got %v (%v)", keys, err)
	}
	all, err := r.ListAPIKeys(ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected two keys, got %v (%v)", all, err)
	}
	if err := r.DeleteAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, key.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, key.KeyHash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoked key still resolves: %v", err)
	}
}
