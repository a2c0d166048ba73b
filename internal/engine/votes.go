package engine

import (
	"fmt"

	"impostor/internal/config"
	"impostor/internal/domain"
)

// TallyResult is the vote bookkeeping of one step.
type TallyResult struct {
	Policy     string         `json:"policy"`
	AliveCount int            `json:"alive_count"`
	Threshold  int            `json:"threshold"`
	Counts     map[string]int `json:"counts"`
	// Abstentions counts alive agents with no ballot in effect.
	Abstentions     int    `json:"abstentions"`
	Eliminated      string `json:"eliminated,omitempty"`
	EliminatedVotes int    `json:"eliminated_votes,omitempty"`
}

// Threshold is the strict majority of alive agents.
func Threshold(aliveCount int) int {
	return aliveCount/2 + 1
}

// Majority returns the single target whose count reaches the threshold.
// Ties and sub-threshold leaders never win.
func Majority(counts map[string]int, aliveCount int) (string, bool) {
	threshold := Threshold(aliveCount)
	winner := ""
	for target, n := range counts {
		if n < threshold {
			continue
		}
		if winner != "" {
			return "", false
		}
		winner = target
	}
	return winner, winner != ""
}

// applyVotes records this step's ballots, updates the tally and eliminates
// at most one agent. turns are in roster order.
func applyVotes(g *domain.GameState, turns []domain.Turn, step int, policy string) TallyResult {
	aliveCount := g.AliveCount()
	res := TallyResult{Policy: policy, AliveCount: aliveCount, Threshold: Threshold(aliveCount)}

	if policy != config.VotePolicyStanding || g.Ballots == nil {
		g.Ballots = make(map[string]string)
	}
	for _, t := range turns {
		if t.Vote == "" {
			continue
		}
		target, ok := g.Agent(t.Vote)
		if !ok || !target.Alive || t.Vote == t.AgentID {
			continue
		}
		voter, _ := g.Agent(t.AgentID)
		appendAction(g, domain.PublicAction{
			Step:     step,
			Kind:     domain.ActionVote,
			AgentID:  t.AgentID,
			TargetID: t.Vote,
			Content:  fmt.Sprintf("%s votes to eliminate %s", voter.Name, target.Name),
		})
		g.Ballots[t.AgentID] = t.Vote
	}

	counts := make(map[string]int)
	for voter, target := range g.Ballots {
		v, vok := g.Agent(voter)
		tg, tok := g.Agent(target)
		if !vok || !tok || !v.Alive || !tg.Alive {
			delete(g.Ballots, voter)
			continue
		}
		counts[target]++
	}
	res.Counts = counts
	res.Abstentions = aliveCount - len(g.Ballots)
	g.Votes = copyCounts(counts)

	target, ok := Majority(counts, aliveCount)
	if !ok {
		return res
	}
	i := g.AgentIndex(target)
	g.Agents[i].Alive = false
	res.Eliminated = target
	res.EliminatedVotes = counts[target]
	appendAction(g, domain.PublicAction{
		Step:     step,
		Kind:     domain.ActionElimination,
		AgentID:  target,
		TargetID: target,
		Content:  fmt.Sprintf("%s eliminated with %d votes!", g.Agents[i].Name, counts[target]),
	})
	g.Votes = make(map[string]int)
	g.Ballots = make(map[string]string)
	return res
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
