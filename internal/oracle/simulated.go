package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand/v2"

	"impostor/internal/domain"
)

// Simulated is an offline oracle. Its answers depend only on the seed, the
// game, the step and the deciding agent, so replays are reproducible.
//
// Each step the simulated agents converge on a shared suspect and most of
// them vote for it, which keeps games moving without a model behind them.
type Simulated struct {
	Seed uint64
	// Agreement is the probability an agent follows the shared suspect.
	Agreement float64
}

func NewSimulated(seed uint64) *Simulated {
	return &Simulated{Seed: seed, Agreement: 0.8}
}

type simulatedTurn struct {
	Think        string          `json:"think"`
	Speak        string          `json:"speak,omitempty"`
	Vote         *string         `json:"vote"`
	MemoryUpdate simulatedMemory `json:"memory_update"`
}

type simulatedMemory struct {
	Location     string            `json:"location"`
	Action       string            `json:"action"`
	Observations []string          `json:"observations"`
	Suspicions   map[string]string `json:"suspicions,omitempty"`
	Emotion      string            `json:"emotion_state"`
}

var (
	simLocations = []string{"Cafeteria", "Electrical", "Medbay", "Navigation", "Reactor", "Storage"}
	simEmotions  = []string{"calm", "nervous", "suspicious", "confident", "alarmed"}
)

func (s *Simulated) Decide(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Purpose == PurposeSpeaker {
		if len(req.Candidates) == 0 {
			return `{"speaker": null}`, nil
		}
		r := s.rng(req.GameID, req.Step, "moderator")
		return fmt.Sprintf(`{"speaker": %q}`, req.Candidates[r.IntN(len(req.Candidates))].ID), nil
	}

	var others []RosterEntry
	for _, a := range req.Roster {
		if a.Alive && a.ID != req.Self.ID {
			others = append(others, a)
		}
	}
	r := s.rng(req.GameID, req.Step, req.Self.ID)
	turn := simulatedTurn{
		Think: "I need more information.",
		MemoryUpdate: simulatedMemory{
			Location: simLocations[r.IntN(len(simLocations))],
			Action:   "attending the meeting",
			Emotion:  simEmotions[r.IntN(len(simEmotions))],
		},
	}
	if len(others) > 0 {
		suspect := s.sharedSuspect(req, others)
		if suspect.ID == req.Self.ID || r.Float64() >= s.Agreement {
			suspect = others[r.IntN(len(others))]
		}
		if req.Self.Role == domain.RoleImpostor {
			turn.Think = fmt.Sprintf("Nobody suspects me yet. Pushing attention onto %s.", suspect.Name)
		} else {
			turn.Think = fmt.Sprintf("%s has been acting strangely.", suspect.Name)
		}
		turn.Speak = fmt.Sprintf("Where was %s when the meeting was called?", suspect.Name)
		id := suspect.ID
		turn.Vote = &id
		turn.MemoryUpdate.Observations = []string{fmt.Sprintf("%s avoided my questions", suspect.Name)}
		turn.MemoryUpdate.Suspicions = map[string]string{suspect.ID: "evasive"}
	}
	out, err := json.Marshal(turn)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// sharedSuspect picks the same alive agent for every caller in a step.
func (s *Simulated) sharedSuspect(req Request, others []RosterEntry) RosterEntry {
	var alive []RosterEntry
	for _, a := range req.Roster {
		if a.Alive {
			alive = append(alive, a)
		}
	}
	r := s.rng(req.GameID, req.Step, "")
	pick := alive[r.IntN(len(alive))]
	if pick.ID == req.Self.ID {
		return others[0]
	}
	return pick
}

func (s *Simulated) rng(gameID string, step int, salt string) *rand.Rand {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%d/%s", gameID, step, salt)
	return rand.New(rand.NewPCG(s.Seed, h.Sum64()))
}
