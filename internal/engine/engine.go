// Package engine runs the emergency meeting: it creates rosters, fans out
// agent turns to the oracle, picks the public speaker, tallies votes and
// decides when the game is over.
//
// Engine methods operate on a *domain.GameState owned by the caller. Callers
// that publish state to concurrent readers pass a clone and swap it in once
// Step returns.
package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"impostor/internal/config"
	"impostor/internal/domain"
	"impostor/internal/memory"
	"impostor/internal/metrics"
	"impostor/internal/oracle"
	"impostor/internal/telemetry"
)

var (
	rosterColors = []string{"Red", "Blue", "Green", "Pink", "Orange", "Yellow", "Black", "White"}
	bodyColors   = []string{"Purple", "Brown", "Cyan", "Lime"}
	bodyRooms    = []string{"Electrical", "Medbay"}
)

type Options struct {
	VotePolicy      string
	SpeakerPolicy   string
	TurnTimeout     time.Duration
	SelectorTimeout time.Duration
	HistoryTail     int
	// Seed fixes every random choice the engine makes; 0 picks a random seed.
	Seed   uint64
	Logger *zap.Logger
	Now    func() time.Time
}

// OptionsFromConfig maps the game and oracle sections of cfg.
func OptionsFromConfig(cfg *config.Config, logger *zap.Logger) Options {
	return Options{
		VotePolicy:      cfg.Game.VotePolicy,
		SpeakerPolicy:   cfg.Game.SpeakerPolicy,
		TurnTimeout:     cfg.Oracle.TurnTimeout,
		SelectorTimeout: cfg.Oracle.SelectorTimeout,
		HistoryTail:     cfg.Oracle.HistoryTail,
		Seed:            cfg.Game.Seed,
		Logger:          logger,
	}
}

type Engine struct {
	oracle oracle.Oracle
	opts   Options
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func New(o oracle.Oracle, opts Options) *Engine {
	if opts.VotePolicy == "" {
		opts.VotePolicy = config.VotePolicyPerStep
	}
	if opts.SpeakerPolicy == "" {
		opts.SpeakerPolicy = config.SpeakerPolicyRandom
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 20 * time.Second
	}
	if opts.SelectorTimeout <= 0 {
		opts.SelectorTimeout = 10 * time.Second
	}
	if opts.HistoryTail <= 0 {
		opts.HistoryTail = 20
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Engine{
		oracle: o,
		opts:   opts,
		logger: logger,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (e *Engine) intN(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.IntN(n)
}

// NewGame builds an active game with a fresh roster, exactly one impostor
// and a meeting context.
func (e *Engine) NewGame(id string, rosterSize, maxSteps int) (*domain.GameState, error) {
	if rosterSize < config.MinRosterSize || rosterSize > config.MaxRosterSize {
		return nil, fmt.Errorf("roster size %d outside [%d, %d]", rosterSize, config.MinRosterSize, config.MaxRosterSize)
	}
	if maxSteps <= 0 {
		return nil, fmt.Errorf("max steps must be positive, got %d", maxSteps)
	}
	impostor := e.intN(rosterSize)
	agents := make([]domain.Agent, rosterSize)
	for i := range agents {
		color := rosterColors[i]
		role := domain.RoleCrewmate
		if i == impostor {
			role = domain.RoleImpostor
		}
		agents[i] = domain.Agent{ID: strings.ToLower(color), Name: color, Color: color, Role: role, Alive: true}
	}
	now := e.opts.Now()
	return &domain.GameState{
		ID:              id,
		Status:          domain.StatusActive,
		MaxSteps:        maxSteps,
		Agents:          agents,
		PrivateThoughts: make(map[string][]domain.Thought, rosterSize),
		Votes:           make(map[string]int),
		Ballots:         make(map[string]string),
		Meeting:         e.newMeeting(agents),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (e *Engine) newMeeting(agents []domain.Agent) domain.Meeting {
	reporter := agents[e.intN(len(agents))]
	if e.intN(2) == 0 {
		body := bodyColors[e.intN(len(bodyColors))]
		room := bodyRooms[e.intN(len(bodyRooms))]
		return domain.Meeting{
			Trigger:    domain.TriggerDeadBody,
			ReporterID: reporter.ID,
			Reason:     fmt.Sprintf("%s found %s's body in %s", reporter.Name, body, room),
		}
	}
	return domain.Meeting{
		Trigger:    domain.TriggerEmergencyButton,
		ReporterID: reporter.ID,
		Reason:     fmt.Sprintf("%s pressed the emergency button", reporter.Name),
	}
}

// StepResult describes one AdvanceStep call.
type StepResult struct {
	GameID      string                `json:"game_id"`
	Step        int                   `json:"step"`
	MaxSteps    int                   `json:"max_steps"`
	Turns       []domain.Turn         `json:"turns"`
	PublicDelta []domain.PublicAction `json:"public_delta"`
	Speaker     string                `json:"speaker,omitempty"`
	Eliminated  *domain.Agent         `json:"eliminated,omitempty"`
	Tally       TallyResult           `json:"tally"`
	Winner      domain.Winner         `json:"winner,omitempty"`
	Finished    bool                  `json:"finished"`
	Message     string                `json:"message"`
}

// Step executes one full step on g and returns what happened. On a finished
// game it returns the cached outcome and leaves g untouched. Oracle failures
// never surface here; they become fallback turns.
func (e *Engine) Step(ctx context.Context, g *domain.GameState, mem *memory.Store) StepResult {
	if g.Finished() {
		return finishedResult(g)
	}
	start := time.Now()
	step := g.Step + 1
	ctx, span := telemetry.Tracer().Start(ctx, "engine.step", trace.WithAttributes(
		attribute.String("game.id", g.ID),
		attribute.Int("game.step", step),
	))
	defer span.End()

	narrative := Narrative(g, step)
	before := len(g.PublicHistory)
	turns := e.collectTurns(ctx, g, mem, step, narrative)

	for _, t := range turns {
		g.PrivateThoughts[t.AgentID] = append(g.PrivateThoughts[t.AgentID], domain.Thought{Step: step, Content: t.Think})
	}

	res := StepResult{GameID: g.ID, Step: step, MaxSteps: g.MaxSteps, Turns: turns}
	if speaker, ok := e.selectSpeaker(ctx, g, step, narrative, turns); ok {
		appendAction(g, domain.PublicAction{Step: step, Kind: domain.ActionSpeak, AgentID: speaker.AgentID, Content: speaker.Speak})
		res.Speaker = speaker.AgentID
	}

	res.Tally = applyVotes(g, turns, step, e.opts.VotePolicy)
	if res.Tally.Eliminated != "" {
		a, _ := g.Agent(res.Tally.Eliminated)
		res.Eliminated = &a
		metrics.Eliminations.Inc()
		e.logger.Info("agent eliminated",
			zap.String("game_id", g.ID),
			zap.Int("step", step),
			zap.String("agent_id", a.ID),
			zap.Int("votes", res.Tally.EliminatedVotes))
	}

	g.Step = step
	outcome := Evaluate(g)
	if outcome.Finished() {
		g.Status = domain.StatusFinished
		g.Winner = outcome.Winner
		metrics.GamesFinished.WithLabelValues(string(outcome.Winner)).Inc()
		e.logger.Info("game finished",
			zap.String("game_id", g.ID),
			zap.Int("step", step),
			zap.String("winner", string(outcome.Winner)),
			zap.String("reason", string(outcome.Reason)))
	}

	for _, t := range turns {
		if t.MemoryUpdate == nil {
			continue
		}
		entry := t.MemoryUpdate.Clone()
		entry.Step = step
		if err := mem.Append(t.AgentID, entry); err != nil {
			e.logger.Debug("memory update rejected", zap.String("game_id", g.ID), zap.String("agent_id", t.AgentID), zap.Error(err))
		}
	}

	g.UpdatedAt = e.opts.Now()
	res.PublicDelta = append([]domain.PublicAction(nil), g.PublicHistory[before:]...)
	res.Winner = g.Winner
	res.Finished = g.Finished()
	res.Message = stepMessage(step, res.Eliminated, res.Tally.EliminatedVotes, outcome)
	metrics.StepDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Bool("game.finished", res.Finished))
	return res
}

func finishedResult(g *domain.GameState) StepResult {
	return StepResult{
		GameID:   g.ID,
		Step:     g.Step,
		MaxSteps: g.MaxSteps,
		Winner:   g.Winner,
		Finished: true,
		Message:  Evaluate(g).Message(),
	}
}

func appendAction(g *domain.GameState, a domain.PublicAction) {
	a.Seq = len(g.PublicHistory) + 1
	g.PublicHistory = append(g.PublicHistory, a)
}

// Narrative is the situation line every agent sees for step.
func Narrative(g *domain.GameState, step int) string {
	tail := "Find the impostor!"
	if step == 1 {
		tail = "There is an impostor among you!"
	}
	return fmt.Sprintf("EMERGENCY MEETING! %s. Step %d/%d. Alive players: %d. %s",
		g.Meeting.Reason, step, g.MaxSteps, g.AliveCount(), tail)
}

func stepMessage(step int, eliminated *domain.Agent, votes int, outcome Outcome) string {
	parts := []string{fmt.Sprintf("Step %d completed.", step)}
	if eliminated != nil {
		parts = append(parts, fmt.Sprintf("%s eliminated with %d votes!", eliminated.Name, votes))
	}
	if outcome.Finished() {
		parts = append(parts, outcome.Message())
	} else if eliminated != nil && eliminated.Role == domain.RoleCrewmate {
		parts = append(parts, eliminated.Name+" was innocent!")
	}
	return strings.Join(parts, " ")
}
