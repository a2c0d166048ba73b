package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"impostor/internal/domain"
	"impostor/internal/memory"
	"impostor/internal/metrics"
	"impostor/internal/oracle"
	"impostor/internal/parser"
	"impostor/internal/telemetry"
)

var errOraclePanic = errors.New("oracle panicked")

// collectTurns asks every alive agent for a decision concurrently and waits
// for all of them. The result holds one turn per alive agent in roster order.
//
// Requests are assembled before any goroutine starts, so the fan-out only
// reads immutable copies. Caller cancellation is ignored; each call is bounded
// by the turn timeout instead.
func (e *Engine) collectTurns(ctx context.Context, g *domain.GameState, mem *memory.Store, step int, narrative string) []domain.Turn {
	alive := g.AliveAgents()
	roster := append([]domain.Agent(nil), g.Agents...)
	reqs := make([]oracle.Request, len(alive))
	for i, a := range alive {
		reqs[i] = e.buildRequest(g, mem, a, step, narrative)
	}

	base := context.WithoutCancel(ctx)
	turns := make([]domain.Turn, len(alive))
	var wg sync.WaitGroup
	for i := range alive {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			turns[i] = e.decide(base, reqs[i], parser.Options{AgentID: alive[i].ID, Step: step, Roster: roster})
		}(i)
	}
	wg.Wait()
	return turns
}

// buildRequest assembles what agent a may see: the public record, its own
// thoughts and its own memories.
func (e *Engine) buildRequest(g *domain.GameState, mem *memory.Store, a domain.Agent, step int, narrative string) oracle.Request {
	n := narrative
	if step == 1 && a.ID == g.Meeting.ReporterID {
		n += fmt.Sprintf(" You called this meeting: %s.", g.Meeting.Reason)
	}
	return oracle.Request{
		GameID:      g.ID,
		Step:        step,
		MaxSteps:    g.MaxSteps,
		Purpose:     oracle.PurposeTurn,
		Self:        a,
		Roster:      oracle.PublicRoster(g.Agents),
		Narrative:   n,
		PublicTail:  tail(g.PublicHistory, e.opts.HistoryTail),
		PrivateTail: tail(g.PrivateThoughts[a.ID], e.opts.HistoryTail),
		Memory:      memory.Format(mem.Tail(a.ID, memory.ContextSteps)),
	}
}

func tail[T any](s []T, n int) []T {
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return append([]T(nil), s...)
}

// decide runs one agent's oracle call and parses it. It always returns a
// usable turn.
func (e *Engine) decide(ctx context.Context, req oracle.Request, opts parser.Options) domain.Turn {
	ctx, span := telemetry.Tracer().Start(ctx, "oracle.decide")
	span.SetAttributes(attribute.String("agent.id", req.Self.ID), attribute.Int("game.step", req.Step))
	defer span.End()

	raw, err := e.callOracle(ctx, e.opts.TurnTimeout, req)
	if err != nil {
		reason := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		} else if errors.Is(err, errOraclePanic) {
			reason = "panic"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		metrics.TurnFallbacks.WithLabelValues(reason).Inc()
		e.logger.Warn("oracle call failed, using fallback turn",
			zap.String("game_id", req.GameID),
			zap.Int("step", req.Step),
			zap.String("agent_id", req.Self.ID),
			zap.String("reason", reason),
			zap.Error(err))
		return parser.Fallback(req.Self.ID, reason)
	}

	res := parser.Parse(raw, opts)
	if res.Source == parser.SourceDefault {
		metrics.TurnFallbacks.WithLabelValues("unparseable").Inc()
		e.logger.Warn("oracle response unusable, using fallback turn",
			zap.String("game_id", req.GameID),
			zap.Int("step", req.Step),
			zap.String("agent_id", req.Self.ID),
			zap.String("reason", res.Reason))
		res.Turn.Fallback = res.Reason
	} else if res.Degraded() {
		e.logger.Debug("oracle response degraded",
			zap.String("game_id", req.GameID),
			zap.String("agent_id", req.Self.ID),
			zap.String("source", string(res.Source)),
			zap.String("reason", res.Reason))
	}
	span.SetAttributes(attribute.String("parser.source", string(res.Source)))
	return res.Turn
}

// callOracle bounds one oracle call by timeout even when the oracle ignores
// its context. A panicking oracle is reported as an error.
func (e *Engine) callOracle(ctx context.Context, timeout time.Duration, req oracle.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type answer struct {
		text string
		err  error
	}
	done := make(chan answer, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- answer{err: fmt.Errorf("%w: %v", errOraclePanic, r)}
			}
		}()
		text, err := e.oracle.Decide(ctx, req)
		done <- answer{text: text, err: err}
	}()

	select {
	case a := <-done:
		return a.text, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
