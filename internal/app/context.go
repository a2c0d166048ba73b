// Package app wires config, logging, the oracle, the engine, the journal and
// the registry into one runtime shared by the CLI commands.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"impostor/internal/config"
	"impostor/internal/db"
	"impostor/internal/engine"
	"impostor/internal/events"
	"impostor/internal/logging"
	"impostor/internal/migrate"
	"impostor/internal/oracle"
	"impostor/internal/registry"
	"impostor/internal/repo"
	"impostor/internal/telemetry"
)

// Options selects the optional parts of a runtime.
type Options struct {
	Workspace string
	// Journal opens the workspace database and records games in it.
	Journal bool
	// Telemetry installs the tracer provider from config.
	Telemetry bool
	// Logger overrides the logger built from config.
	Logger *zap.Logger
}

// Runtime bundles the wired components of one process.
type Runtime struct {
	Config   *config.Config
	Logger   *zap.Logger
	Oracle   oracle.Oracle
	Engine   *engine.Engine
	Registry *registry.Registry
	// DB and Repo are nil without a journal.
	DB   *sql.DB
	Repo *repo.Repo

	closers []func(context.Context) error
}

// LoadConfig reads path when given, else the workspace config or defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// NewOracle builds the oracle selected by cfg.Oracle.Provider.
func NewOracle(cfg *config.Config, logger *zap.Logger) (oracle.Oracle, error) {
	switch cfg.Oracle.Provider {
	case config.OracleSimulated:
		return oracle.NewSimulated(cfg.Game.Seed), nil
	case config.OracleChat:
		c, err := oracle.NewChat(cfg.Oracle, oracle.WithLogger(logger.Named("oracle")))
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown oracle provider %q", cfg.Oracle.Provider)
	}
}

// Bootstrap validates cfg and wires a runtime. Close releases it.
func Bootstrap(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		l, err := logging.New(cfg.Logging)
		if err != nil {
			return nil, err
		}
		logger = l
	}
	rt := &Runtime{Config: cfg, Logger: logger}
	rt.closers = append(rt.closers, func(context.Context) error {
		_ = logger.Sync()
		return nil
	})

	if opts.Telemetry {
		shutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		rt.closers = append(rt.closers, shutdown)
	}

	o, err := NewOracle(cfg, logger)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	rt.Oracle = o
	rt.Engine = engine.New(o, engine.OptionsFromConfig(cfg, logger.Named("engine")))

	var journal registry.Journal
	if opts.Journal {
		if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
			rt.Close(ctx)
			return nil, err
		}
		conn, err := db.Open(db.Config{Workspace: opts.Workspace})
		if err != nil {
			rt.Close(ctx)
			return nil, err
		}
		rt.closers = append(rt.closers, func(context.Context) error { return conn.Close() })
		if err := migrate.Migrate(ctx, conn); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("migrate: %w", err)
		}
		rt.DB = conn
		rt.Repo = &repo.Repo{DB: conn}
		journal = repo.Journal{Repo: *rt.Repo, Events: events.Writer{}}
	}
	rt.Registry = registry.New(rt.Engine, registry.OptionsFromConfig(cfg, journal, logger.Named("registry")))
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
