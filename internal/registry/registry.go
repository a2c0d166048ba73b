// Package registry keeps the running games of a process.
//
// Lifecycle: an entry is created by CreateGame, advanced one step at a time by
// AdvanceStep and, once finished, evicted by Sweep after the retention window.
// Steps on one game are serialized; a second concurrent AdvanceStep on the
// same game is rejected with ErrStepConflict. Readers never wait on a step:
// every entry publishes its last committed snapshot through an atomic pointer.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"impostor/internal/config"
	"impostor/internal/domain"
	"impostor/internal/engine"
	"impostor/internal/memory"
	"impostor/internal/metrics"
)

var (
	ErrGameNotFound   = errors.New("game not found")
	ErrStepConflict   = errors.New("a step is already running for this game")
	ErrInvalidOptions = errors.New("invalid game options")
	ErrAgentNotFound  = errors.New("agent not found")
)

// Journal records created games and committed steps. Failures are logged and
// never fail the registry call.
type Journal interface {
	GameCreated(ctx context.Context, g *domain.GameState) error
	StepCommitted(ctx context.Context, g *domain.GameState, res engine.StepResult) error
}

type GameOptions struct {
	RosterSize int `json:"roster_size"`
	MaxSteps   int `json:"max_steps"`
}

type Options struct {
	Defaults      GameOptions
	Retention     time.Duration
	SweepInterval time.Duration
	Journal       Journal
	Logger        *zap.Logger
	Now           func() time.Time
}

// OptionsFromConfig maps the game and registry sections of cfg.
func OptionsFromConfig(cfg *config.Config, journal Journal, logger *zap.Logger) Options {
	return Options{
		Defaults:      GameOptions{RosterSize: cfg.Game.RosterSize, MaxSteps: cfg.Game.MaxSteps},
		Retention:     cfg.Registry.Retention,
		SweepInterval: cfg.Registry.SweepInterval,
		Journal:       journal,
		Logger:        logger,
	}
}

type entry struct {
	step  sync.Mutex
	state atomic.Pointer[domain.GameState]
	mem   *memory.Store
}

type Registry struct {
	engine *engine.Engine
	opts   Options
	logger *zap.Logger

	mu    sync.RWMutex
	games map[string]*entry
}

func New(e *engine.Engine, opts Options) *Registry {
	if opts.Defaults.RosterSize == 0 {
		opts.Defaults.RosterSize = config.MaxRosterSize
	}
	if opts.Defaults.MaxSteps == 0 {
		opts.Defaults.MaxSteps = 30
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{engine: e, opts: opts, logger: logger, games: make(map[string]*entry)}
}

// CreateGame registers a new game. Zero fields in opts take the defaults.
func (r *Registry) CreateGame(ctx context.Context, opts GameOptions) (domain.GameState, error) {
	if opts.RosterSize == 0 {
		opts.RosterSize = r.opts.Defaults.RosterSize
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = r.opts.Defaults.MaxSteps
	}
	if opts.RosterSize < config.MinRosterSize || opts.RosterSize > config.MaxRosterSize {
		return domain.GameState{}, fmt.Errorf("%w: roster_size must be between %d and %d", ErrInvalidOptions, config.MinRosterSize, config.MaxRosterSize)
	}
	if opts.MaxSteps < 0 {
		return domain.GameState{}, fmt.Errorf("%w: max_steps must be positive", ErrInvalidOptions)
	}
	g, err := r.engine.NewGame(uuid.NewString(), opts.RosterSize, opts.MaxSteps)
	if err != nil {
		return domain.GameState{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	e := &entry{mem: memory.NewStore()}
	e.state.Store(g)

	r.mu.Lock()
	r.games[g.ID] = e
	r.mu.Unlock()
	metrics.GamesActive.Inc()

	r.logger.Info("game created",
		zap.String("game_id", g.ID),
		zap.Int("roster_size", opts.RosterSize),
		zap.Int("max_steps", opts.MaxSteps))
	r.journal(func(j Journal) error { return j.GameCreated(ctx, g) }, g.ID)
	return *g.Clone(), nil
}

// AdvanceStep runs one step of game id. On a finished game it returns the
// cached outcome without mutating anything.
func (r *Registry) AdvanceStep(ctx context.Context, id string) (engine.StepResult, error) {
	e, ok := r.lookup(id)
	if !ok {
		metrics.StepsTotal.WithLabelValues("not_found").Inc()
		return engine.StepResult{}, fmt.Errorf("%w: %s", ErrGameNotFound, id)
	}
	if !e.step.TryLock() {
		metrics.StepsTotal.WithLabelValues("conflict").Inc()
		return engine.StepResult{}, fmt.Errorf("%w: %s", ErrStepConflict, id)
	}
	defer e.step.Unlock()

	cur := e.state.Load()
	if cur.Finished() {
		metrics.StepsTotal.WithLabelValues("finished").Inc()
		return r.engine.Step(ctx, cur, e.mem), nil
	}

	next := cur.Clone()
	res := r.engine.Step(ctx, next, e.mem)
	e.state.Store(next)
	metrics.StepsTotal.WithLabelValues("committed").Inc()
	if res.Finished {
		metrics.GamesActive.Dec()
	}
	r.journal(func(j Journal) error { return j.StepCommitted(context.WithoutCancel(ctx), next, res) }, id)
	return res, nil
}

// GetState returns a copy of the last committed snapshot of game id.
func (r *Registry) GetState(id string) (domain.GameState, error) {
	e, ok := r.lookup(id)
	if !ok {
		return domain.GameState{}, fmt.Errorf("%w: %s", ErrGameNotFound, id)
	}
	return *e.state.Load().Clone(), nil
}

// AgentMemory returns up to n of the most recent private memory entries of
// agentID in ascending step order; n <= 0 returns all of them. Entries newer
// than the committed snapshot are never returned.
func (r *Registry) AgentMemory(id, agentID string, n int) ([]domain.MemoryEntry, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGameNotFound, id)
	}
	state := e.state.Load()
	known := false
	for _, a := range state.Agents {
		if a.ID == agentID {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %s in game %s", ErrAgentNotFound, agentID, id)
	}
	all := e.mem.Tail(agentID, e.mem.Len(agentID))
	out := make([]domain.MemoryEntry, 0, len(all))
	for _, m := range all {
		if m.Step <= state.Step {
			out = append(out, m)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// List summarizes every registered game, oldest first.
func (r *Registry) List() []domain.GameSummary {
	r.mu.RLock()
	out := make([]domain.GameSummary, 0, len(r.games))
	for _, e := range r.games {
		out = append(out, e.state.Load().Summary())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.games)
}

// Sweep evicts games that finished more than the retention window before now
// and returns how many were removed. A zero retention keeps games forever.
func (r *Registry) Sweep(now time.Time) int {
	if r.opts.Retention <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.games {
		g := e.state.Load()
		if g.Finished() && now.Sub(g.UpdatedAt) > r.opts.Retention {
			delete(r.games, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("evicted finished games", zap.Int("count", removed))
	}
	return removed
}

// Run sweeps on every interval until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.opts.Now())
		}
	}
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.games[id]
	return e, ok
}

func (r *Registry) journal(write func(Journal) error, gameID string) {
	if r.opts.Journal == nil {
		return
	}
	if err := write(r.opts.Journal); err != nil {
		metrics.JournalErrors.Inc()
		r.logger.Error("journal write failed", zap.String("game_id", gameID), zap.Error(err))
	}
}
