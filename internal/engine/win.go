package engine

import "impostor/internal/domain"

type OutcomeReason string

const (
	ReasonNone               OutcomeReason = ""
	ReasonImpostorEliminated OutcomeReason = "impostor_eliminated"
	ReasonParity             OutcomeReason = "parity"
	ReasonTimeout            OutcomeReason = "timeout"
)

// Outcome is the verdict of the win evaluator.
type Outcome struct {
	Winner domain.Winner
	Reason OutcomeReason
}

func (o Outcome) Finished() bool { return o.Winner != domain.WinnerNone }

func (o Outcome) Message() string {
	switch o.Reason {
	case ReasonImpostorEliminated:
		return "The impostor was found! Crewmates win!"
	case ReasonParity:
		return "The impostor outnumbers the crew! The impostor wins!"
	case ReasonTimeout:
		return "Time's up! The impostor wins!"
	}
	return ""
}

// Evaluate inspects the roster and step budget. Checks run in a fixed order
// so a finished game always yields the same verdict.
func Evaluate(g *domain.GameState) Outcome {
	impostors, crew := 0, 0
	for _, a := range g.Agents {
		if !a.Alive {
			continue
		}
		if a.IsImpostor() {
			impostors++
		} else {
			crew++
		}
	}
	switch {
	case impostors == 0:
		return Outcome{Winner: domain.WinnerCrewmates, Reason: ReasonImpostorEliminated}
	case impostors >= crew:
		return Outcome{Winner: domain.WinnerImpostor, Reason: ReasonParity}
	case g.Step >= g.MaxSteps:
		return Outcome{Winner: domain.WinnerImpostor, Reason: ReasonTimeout}
	}
	return Outcome{}
}
