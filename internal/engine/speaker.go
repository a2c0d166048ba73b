package engine

import (
	"context"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"impostor/internal/config"
	"impostor/internal/domain"
	"impostor/internal/oracle"
)

// selectSpeaker picks at most one of this step's utterances for the public
// record. With the oracle policy a moderator request ranks the candidates;
// if it fails or names nobody the pick falls back to step mod len(candidates).
func (e *Engine) selectSpeaker(ctx context.Context, g *domain.GameState, step int, narrative string, turns []domain.Turn) (domain.Turn, bool) {
	var candidates []domain.Turn
	for _, t := range turns {
		if strings.TrimSpace(t.Speak) != "" {
			candidates = append(candidates, t)
		}
	}
	switch len(candidates) {
	case 0:
		return domain.Turn{}, false
	case 1:
		return candidates[0], true
	}
	if e.opts.SpeakerPolicy != config.SpeakerPolicyOracle {
		return candidates[e.intN(len(candidates))], true
	}
	return candidates[e.moderate(ctx, g, step, narrative, candidates)], true
}

func (e *Engine) moderate(ctx context.Context, g *domain.GameState, step int, narrative string, candidates []domain.Turn) int {
	fallback := step % len(candidates)
	views := make([]oracle.RosterEntry, 0, len(candidates))
	for _, c := range candidates {
		a, _ := g.Agent(c.AgentID)
		views = append(views, oracle.RosterEntry{ID: a.ID, Name: a.Name, Color: a.Color, Alive: a.Alive})
	}
	req := oracle.Request{
		GameID:     g.ID,
		Step:       step,
		MaxSteps:   g.MaxSteps,
		Purpose:    oracle.PurposeSpeaker,
		Roster:     oracle.PublicRoster(g.Agents),
		Narrative:  narrative,
		PublicTail: tail(g.PublicHistory, e.opts.HistoryTail),
		Candidates: views,
	}
	raw, err := e.callOracle(context.WithoutCancel(ctx), e.opts.SelectorTimeout, req)
	if err != nil {
		e.logger.Warn("speaker selection failed, using fallback",
			zap.String("game_id", g.ID), zap.Int("step", step), zap.Error(err))
		return fallback
	}
	if i, ok := matchCandidate(raw, views); ok {
		return i
	}
	e.logger.Debug("speaker selection named no candidate, using fallback",
		zap.String("game_id", g.ID), zap.Int("step", step))
	return fallback
}

// matchCandidate reads {"speaker": "..."} or bare text and matches it to a
// candidate by id or name.
func matchCandidate(raw string, views []oracle.RosterEntry) (int, bool) {
	answer := strings.TrimSpace(raw)
	if start, end := strings.Index(answer, "{"), strings.LastIndex(answer, "}"); start >= 0 && end > start {
		if obj := answer[start : end+1]; gjson.Valid(obj) {
			answer = strings.TrimSpace(gjson.Get(obj, "speaker").String())
		}
	}
	answer = strings.Trim(strings.ToLower(answer), `"'. `)
	if answer == "" {
		return 0, false
	}
	for i, v := range views {
		if answer == strings.ToLower(v.ID) || answer == strings.ToLower(v.Name) {
			return i, true
		}
	}
	return 0, false
}
