package repo

import (
	"context"
	"database/sql"

	"impostor/internal/domain"
	"impostor/internal/engine"
	"impostor/internal/events"
)

// Journal writes created games and committed steps to the database. Each call
// is one transaction: game row, public actions, turns and events land
// together or not at all.
type Journal struct {
	Repo   Repo
	Events events.Writer
}

func (j Journal) GameCreated(ctx context.Context, g *domain.GameState) error {
	return j.withTx(ctx, func(tx *sql.Tx) error {
		if err := j.Repo.SaveGameTx(ctx, tx, g); err != nil {
			return err
		}
		return j.Events.Append(ctx, tx, events.Record{
			Type:       events.GameCreated,
			GameID:     g.ID,
			EntityKind: "game",
			EntityID:   g.ID,
			Payload: events.Payload{
				"roster_size": len(g.Agents),
				"max_steps":   g.MaxSteps,
				"meeting":     g.Meeting,
			},
		})
	})
}

func (j Journal) StepCommitted(ctx context.Context, g *domain.GameState, res engine.StepResult) error {
	return j.withTx(ctx, func(tx *sql.Tx) error {
		if err := j.Repo.SaveGameTx(ctx, tx, g); err != nil {
			return err
		}
		if err := j.Repo.InsertActionsTx(ctx, tx, g.ID, res.PublicDelta); err != nil {
			return err
		}
		if err := j.Repo.InsertTurnsTx(ctx, tx, g.ID, res.Step, res.Turns); err != nil {
			return err
		}
		if err := j.Events.Append(ctx, tx, events.Record{
			Type:       events.GameStep,
			GameID:     g.ID,
			EntityKind: "game",
			EntityID:   g.ID,
			Step:       res.Step,
			Payload: events.Payload{
				"speaker": res.Speaker,
				"tally":   res.Tally,
				"message": res.Message,
			},
		}); err != nil {
			return err
		}
		if res.Eliminated != nil {
			if err := j.Events.Append(ctx, tx, events.Record{
				Type:       events.AgentEliminated,
				GameID:     g.ID,
				EntityKind: "agent",
				EntityID:   res.Eliminated.ID,
				Step:       res.Step,
				Payload:    events.Payload{"votes": res.Tally.EliminatedVotes, "name": res.Eliminated.Name},
			}); err != nil {
				return err
			}
		}
		if res.Finished {
			return j.Events.Append(ctx, tx, events.Record{
				Type:       events.GameFinished,
				GameID:     g.ID,
				EntityKind: "game",
				EntityID:   g.ID,
				Step:       res.Step,
				Payload:    events.Payload{"winner": res.Winner},
			})
		}
		return nil
	})
}

func (j Journal) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := j.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
