package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"impostor/internal/config"
	"impostor/internal/db"
	"impostor/internal/oracle"
	"impostor/internal/registry"
)

func TestBootstrapWithJournal(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Game.RosterSize = 4
	cfg.Game.MaxSteps = 3
	cfg.Game.Seed = 9

	rt, err := Bootstrap(ctx, cfg, Options{Workspace: workspace, Journal: true, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close(ctx)
	if _, ok := rt.Oracle.(*oracle.Simulated); !ok {
		t.Fatalf("expected simulated oracle, got %T", rt.Oracle)
	}
	if rt.Repo == nil {
		t.Fatalf("expected journal repo")
	}
	if _, err := os.Stat(db.Path(workspace)); err != nil {
		t.Fatalf("expected database file: %v", err)
	}

	g, err := rt.Registry.CreateGame(ctx, registry.GameOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(g.Agents) != 4 || g.MaxSteps != 3 {
		t.Fatalf("config defaults not applied: %d agents, %d steps", len(g.Agents), g.MaxSteps)
	}
	res, err := rt.Registry.AdvanceStep(ctx, g.ID)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	rec, err := rt.Repo.GetGame(ctx, g.ID)
	if err != nil {
		t.Fatalf("journaled game: %v", err)
	}
	if rec.Step != res.Step {
		t.Fatalf("journal step %d, registry step %d", rec.Step, res.Step)
	}
}

func TestBootstrapWithoutJournal(t *testing.T) {
	ctx := context.Background()
	rt, err := Bootstrap(ctx, config.Default(), Options{Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer rt.Close(ctx)
	if rt.DB != nil || rt.Repo != nil {
		t.Fatalf("expected no journal")
	}
	if _, err := rt.Registry.CreateGame(ctx, registry.GameOptions{RosterSize: 3}); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestBootstrapRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Game.VotePolicy = "sometimes"
	if _, err := Bootstrap(context.Background(), cfg, Options{Logger: zap.NewNop()}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNewOracleChatWithoutKeys(t *testing.T) {
	cfg := config.Default()
	cfg.Oracle.Provider = config.OracleChat
	for i := range cfg.Oracle.Providers {
		t.Setenv(cfg.Oracle.Providers[i].APIKeyEnv, "")
	}
	if _, err := NewOracle(cfg, zap.NewNop()); !errors.Is(err, oracle.ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}

func TestLoadConfigPrefersExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	if err := os.WriteFile(path, []byte("game:\n  roster_size: 5\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(t.TempDir(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Game.RosterSize != 5 || cfg.Game.MaxSteps != 30 {
		t.Fatalf("unexpected config %+v", cfg.Game)
	}
	def, err := LoadConfig(t.TempDir(), "")
	if err != nil || def.Game.RosterSize != 8 {
		t.Fatalf("expected defaults, got %+v (%v)", def, err)
	}
}
