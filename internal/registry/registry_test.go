package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"impostor/internal/domain"
	"impostor/internal/engine"
	"impostor/internal/oracle"
)

func newRegistry(t *testing.T, o oracle.Oracle, opts Options) *Registry {
	t.Helper()
	e := engine.New(o, engine.Options{Seed: 11, TurnTimeout: time.Second, SelectorTimeout: time.Second})
	return New(e, opts)
}

func quiet() oracle.Oracle {
	return oracle.Func(func(ctx context.Context, req oracle.Request) (string, error) {
		return `{"think":"watching"}`, nil
	})
}

func TestCreateGameValidatesOptions(t *testing.T) {
	r := newRegistry(t, quiet(), Options{})
	_, err := r.CreateGame(context.Background(), GameOptions{RosterSize: 2, MaxSteps: 5})
	require.ErrorIs(t, err, ErrInvalidOptions)
	_, err = r.CreateGame(context.Background(), GameOptions{RosterSize: 9, MaxSteps: 5})
	require.ErrorIs(t, err, ErrInvalidOptions)
	_, err = r.CreateGame(context.Background(), GameOptions{RosterSize: 4, MaxSteps: -1})
	require.ErrorIs(t, err, ErrInvalidOptions)

	g, err := r.CreateGame(context.Background(), GameOptions{})
	require.NoError(t, err)
	assert.Len(t, g.Agents, 8)
	assert.Equal(t, 30, g.MaxSteps)
	assert.Equal(t, domain.StatusActive, g.Status)
	assert.Equal(t, 1, r.Len())
}

func TestUnknownGame(t *testing.T) {
	r := newRegistry(t, quiet(), Options{})
	_, err := r.AdvanceStep(context.Background(), "missing")
	require.ErrorIs(t, err, ErrGameNotFound)
	_, err = r.GetState("missing")
	require.ErrorIs(t, err, ErrGameNotFound)
}

func TestAgentMemory(t *testing.T) {
	remembering := oracle.Func(func(ctx context.Context, req oracle.Request) (string, error) {
		return fmt.Sprintf(`{"think":"watching","memory_update":{"location":"room %d"}}`, req.Step), nil
	})
	r := newRegistry(t, remembering, Options{})
	g, err := r.CreateGame(context.Background(), GameOptions{RosterSize: 3, MaxSteps: 5})
	require.NoError(t, err)
	agentID := g.Agents[0].ID

	empty, err := r.AgentMemory(g.ID, agentID, 0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	for i := 0; i < 3; i++ {
		_, err := r.AdvanceStep(context.Background(), g.ID)
		require.NoError(t, err)
	}

	all, err := r.AgentMemory(g.ID, agentID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, m := range all {
		assert.Equal(t, i+1, m.Step)
		assert.Equal(t, fmt.Sprintf("room %d", i+1), m.Location)
	}

	recent, err := r.AgentMemory(g.ID, agentID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 2, recent[0].Step)
	assert.Equal(t, 3, recent[1].Step)

	recent[0].Location = "mutated"
	again, err := r.AgentMemory(g.ID, agentID, 2)
	require.NoError(t, err)
	assert.Equal(t, "room 2", again[0].Location)

	_, err = r.AgentMemory(g.ID, "nobody", 0)
	require.ErrorIs(t, err, ErrAgentNotFound)
	_, err = r.AgentMemory("missing", agentID, 0)
	require.ErrorIs(t, err, ErrGameNotFound)
}

func TestConcurrentStepIsRejected(t *testing.T) {
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	slow := oracle.Func(func(ctx context.Context, req oracle.Request) (string, error) {
		entered <- struct{}{}
		<-release
		return `{"think":"slow"}`, nil
	})
	r := newRegistry(t, slow, Options{})
	g, err := r.CreateGame(context.Background(), GameOptions{RosterSize: 3, MaxSteps: 5})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := r.AdvanceStep(context.Background(), g.ID)
		done <- err
	}()
	<-entered

	_, err = r.AdvanceStep(context.Background(), g.ID)
	require.ErrorIs(t, err, ErrStepConflict)

	// Readers see the pre-step snapshot while the step is in flight.
	snap, err := r.GetState(g.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Step)
	assert.Empty(t, snap.PrivateThoughts)

	close(release)
	require.NoError(t, <-done)
	snap, err = r.GetState(g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Step)
	assert.Len(t, snap.PrivateThoughts, 3)
}

func TestStepsOnDifferentGamesRunInParallel(t *testing.T) {
	var inFlight, peak atomic.Int64
	o := oracle.Func(func(ctx context.Context, req oracle.Request) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return `{"think":"ok"}`, nil
	})
	r := newRegistry(t, o, Options{})
	var ids []string
	for i := 0; i < 3; i++ {
		g, err := r.CreateGame(context.Background(), GameOptions{RosterSize: 3, MaxSteps: 5})
		require.NoError(t, err)
		ids = append(ids, g.ID)
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := r.AdvanceStep(context.Background(), id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()
	assert.Greater(t, peak.Load(), int64(3), "agents of different games should overlap")
}

func TestFinishedGameIsIdempotent(t *testing.T) {
	r := newRegistry(t, quiet(), Options{})
	g, err := r.CreateGame(context.Background(), GameOptions{RosterSize: 4, MaxSteps: 2})
	require.NoError(t, err)

	var last engine.StepResult
	for i := 0; i < 2; i++ {
		last, err = r.AdvanceStep(context.Background(), g.ID)
		require.NoError(t, err)
	}
	require.True(t, last.Finished)
	assert.Equal(t, domain.WinnerImpostor, last.Winner)

	before, err := r.GetState(g.ID)
	require.NoError(t, err)
	a, err := r.AdvanceStep(context.Background(), g.ID)
	require.NoError(t, err)
	b, err := r.AdvanceStep(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, a.Finished)
	assert.Equal(t, last.Winner, a.Winner)
	after, err := r.GetState(g.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestGetStateReturnsCopies(t *testing.T) {
	r := newRegistry(t, quiet(), Options{})
	g, err := r.CreateGame(context.Background(), GameOptions{RosterSize: 3, MaxSteps: 5})
	require.NoError(t, err)

	snap, err := r.GetState(g.ID)
	require.NoError(t, err)
	snap.Agents[0].Alive = false
	snap.Votes["x"] = 9

	again, err := r.GetState(g.ID)
	require.NoError(t, err)
	assert.True(t, again.Agents[0].Alive)
	assert.NotContains(t, again.Votes, "x")
}

func TestListAndSweep(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newRegistry(t, quiet(), Options{Retention: time.Hour})
	finished, err := r.CreateGame(context.Background(), GameOptions{RosterSize: 3, MaxSteps: 1})
	require.NoError(t, err)
	active, err := r.CreateGame(context.Background(), GameOptions{RosterSize: 3, MaxSteps: 5})
	require.NoError(t, err)
	res, err := r.AdvanceStep(context.Background(), finished.ID)
	require.NoError(t, err)
	require.True(t, res.Finished)

	list := r.List()
	require.Len(t, list, 2)

	state, err := r.GetState(finished.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Sweep(state.UpdatedAt.Add(30*time.Minute)))
	assert.Equal(t, 1, r.Sweep(state.UpdatedAt.Add(2*time.Hour)))
	_, err = r.GetState(finished.ID)
	require.ErrorIs(t, err, ErrGameNotFound)
	_, err = r.GetState(active.ID)
	require.NoError(t, err)

	noRetention := newRegistry(t, quiet(), Options{})
	assert.Equal(t, 0, noRetention.Sweep(now))
}

func TestRunStopsWithContext(t *testing.T) {
	r := newRegistry(t, quiet(), Options{SweepInterval: time.Millisecond, Retention: time.Nanosecond})
	g, err := r.CreateGame(context.Background(), GameOptions{RosterSize: 3, MaxSteps: 1})
	require.NoError(t, err)
	_, err = r.AdvanceStep(context.Background(), g.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

type recordingJournal struct {
	mu      sync.Mutex
	created []string
	steps   []int
	fail    bool
}

func (j *recordingJournal) GameCreated(ctx context.Context, g *domain.GameState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.created = append(j.created, g.ID)
	if j.fail {
		return errors.New("disk full")
	}
	return nil
}

func (j *recordingJournal) StepCommitted(ctx context.Context, g *domain.GameState, res engine.StepResult) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps = append(j.steps, res.Step)
	if j.fail {
		return errors.New("disk full")
	}
	return nil
}

func TestJournalFailuresDoNotFailSteps(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	j := &recordingJournal{fail: true}
	r := newRegistry(t, quiet(), Options{Journal: j, Logger: zap.New(core)})

	g, err := r.CreateGame(context.Background(), GameOptions{RosterSize: 3, MaxSteps: 5})
	require.NoError(t, err)
	res, err := r.AdvanceStep(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Step)

	assert.Equal(t, []string{g.ID}, j.created)
	assert.Equal(t, []int{1}, j.steps)
	assert.Equal(t, 2, logs.FilterMessage("journal write failed").Len())
}
