package oracle

import (
	"fmt"
	"strings"

	"impostor/internal/domain"
)

// Message is one chat message of a prompt.
type Message struct {
	Role    string
	Content string
}

// Strategy shapes how an agent of a given role is briefed.
type Strategy interface {
	Role() domain.Role
	Briefing(self domain.Agent) string
}

type crewmateStrategy struct{}

func (crewmateStrategy) Role() domain.Role { return domain.RoleCrewmate }

func (crewmateStrategy) Briefing(self domain.Agent) string {
	return fmt.Sprintf("You are %s (%s), a CREWMATE on this spaceship. An emergency meeting has been called. "+
		"There is an impostor among you and your goal is to find them before they eliminate everyone. "+
		"Question suspicious behavior, share what you saw and vote to eliminate the impostor.", self.Name, self.Color)
}

type impostorStrategy struct{}

func (impostorStrategy) Role() domain.Role { return domain.RoleImpostor }

func (impostorStrategy) Briefing(self domain.Agent) string {
	return fmt.Sprintf("You are %s (%s), the IMPOSTOR on this spaceship. An emergency meeting has been called. "+
		"Avoid being discovered: act like an innocent crewmate, deny accusations and redirect suspicion toward others. "+
		"Never reveal that you are the impostor.", self.Name, self.Color)
}

var strategies = map[domain.Role]Strategy{
	domain.RoleCrewmate: crewmateStrategy{},
	domain.RoleImpostor: impostorStrategy{},
}

// StrategyFor returns the strategy for role, defaulting to crewmate.
func StrategyFor(role domain.Role) Strategy {
	if s, ok := strategies[role]; ok {
		return s
	}
	return crewmateStrategy{}
}

const turnInstructions = `Reply with a single JSON object and nothing else:
{
  "think": "private reasoning only you can see (required)",
  "speak": "what you say to everyone, or empty to stay silent",
  "vote": "id of the agent you vote to eliminate, or null",
  "memory_update": {
    "location": "where you were",
    "action": "what you did",
    "observations": ["things you noticed"],
    "suspicions": {"agent id": "why"},
    "alliances": ["agent ids you trust"],
    "strategy_notes": "your plan",
    "emotion_state": "how you feel"
  }
}
You cannot vote for yourself or for an eliminated agent.`

const speakerInstructions = `You moderate the meeting. Pick who speaks next so the discussion stays lively and fair.
Reply with a single JSON object: {"speaker": "<agent id>"}`

// Messages builds the chat prompt for req.
func Messages(req Request) []Message {
	if req.Purpose == PurposeSpeaker {
		return []Message{
			{Role: "system", Content: speakerInstructions},
			{Role: "user", Content: speakerContext(req)},
		}
	}
	return []Message{
		{Role: "system", Content: StrategyFor(req.Self.Role).Briefing(req.Self)},
		{Role: "system", Content: "Game context:\n" + gameContext(req)},
		{Role: "system", Content: "Your memories:\n" + req.Memory},
		{Role: "user", Content: turnInstructions},
	}
}

func gameContext(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", req.Narrative)
	fmt.Fprintf(&b, "Step %d of %d. You are %s.\n", req.Step, req.MaxSteps, req.Self.ID)
	b.WriteString("Roster:\n")
	writeRoster(&b, req.Roster)
	b.WriteString("Recent public actions:\n")
	if len(req.PublicTail) == 0 {
		b.WriteString("  none\n")
	}
	for _, a := range req.PublicTail {
		fmt.Fprintf(&b, "  %s\n", FormatAction(a))
	}
	if len(req.PrivateTail) > 0 {
		b.WriteString("Your recent private thoughts:\n")
		for _, t := range req.PrivateTail {
			fmt.Fprintf(&b, "  step %d: %s\n", t.Step, t.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func speakerContext(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nStep %d of %d.\nCandidates:\n", req.Narrative, req.Step, req.MaxSteps)
	writeRoster(&b, req.Candidates)
	b.WriteString("Recent public actions:\n")
	for _, a := range req.PublicTail {
		fmt.Fprintf(&b, "  %s\n", FormatAction(a))
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeRoster(b *strings.Builder, roster []RosterEntry) {
	for _, r := range roster {
		status := "alive"
		if !r.Alive {
			status = "eliminated"
		}
		fmt.Fprintf(b, "  %s: %s (%s) %s\n", r.ID, r.Name, r.Color, status)
	}
}

// FormatAction renders a public action as a single line.
func FormatAction(a domain.PublicAction) string {
	switch a.Kind {
	case domain.ActionVote:
		return fmt.Sprintf("[step %d] %s voted for %s: %s", a.Step, a.AgentID, a.TargetID, a.Content)
	case domain.ActionElimination:
		return fmt.Sprintf("[step %d] %s", a.Step, a.Content)
	default:
		return fmt.Sprintf("[step %d] %s said: %s", a.Step, a.AgentID, a.Content)
	}
}
