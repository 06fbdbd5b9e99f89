package workflow

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/repositories"
)

func TestWorker_PollOnceExecutesDueRuns(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	var executed atomic.Int32
	engine.Register(Definition{Kind: "count", Run: func(*Context, json.RawMessage) (any, error) {
		executed.Add(1)
		return nil, nil
	}})

	worker := NewWorker(engine, testWorkflowConfig(), nil, zap.NewNop())

	for _, key := range []string{"a", "b", "c"} {
		_, _, err := engine.Start(context.Background(), "count", key, nil)
		require.NoError(t, err)
	}

	claimed, err := worker.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, claimed)
	assert.Equal(t, int32(3), executed.Load())

	claimed, err = worker.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, claimed, "completed runs are not claimed again")
}

func TestWorker_SkipsSleepingRunsUntilDue(t *testing.T) {
	engine, repo, clock := newTestEngine(t)
	engine.Register(Definition{Kind: "nap", Run: func(wctx *Context, _ json.RawMessage) (any, error) {
		return nil, wctx.SleepUntil("nap", wctx.StartedAt().Add(time.Hour))
	}})
	worker := NewWorker(engine, testWorkflowConfig(), nil, zap.NewNop())

	run, _, err := engine.Start(context.Background(), "nap", "k", nil)
	require.NoError(t, err)

	_, err = worker.PollOnce(context.Background())
	require.NoError(t, err)

	claimed, err := worker.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, claimed)

	clock.Set(clock.Now().Add(2 * time.Hour))
	claimed, err = worker.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	stored, _ := repo.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.WorkflowRunCompleted, stored.Status)
}

func TestWorker_StartNudgesAndShutdownWaits(t *testing.T) {
	engine, repo, _ := newTestEngine(t)

	done := make(chan struct{})
	engine.Register(Definition{Kind: "signal", Run: func(*Context, json.RawMessage) (any, error) {
		close(done)
		return nil, nil
	}})
	worker := NewWorker(engine, testWorkflowConfig(), nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = worker.Run(ctx) }()

	run, _, err := engine.Start(context.Background(), "signal", "k", nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("nudge did not wake the worker before the hour-long poll interval")
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, worker.Shutdown(shutdownCtx))

	stored, _ := repo.GetByID(context.Background(), run.ID)
	assert.Equal(t, models.WorkflowRunCompleted, stored.Status)
}

func TestHeartbeats_LostLeaseCancelsExecution(t *testing.T) {
	engine, repo, _ := newTestEngine(t)
	engine.Register(Definition{Kind: "long", Run: func(*Context, json.RawMessage) (any, error) { return nil, nil }})

	run, _, err := engine.Start(context.Background(), "long", "k", nil)
	require.NoError(t, err)
	repo.ClaimOne(run.ID) // leased to someone else

	hb := &heartbeats{
		repo:     repo,
		scopes:   database.StaticScopeProvider{},
		ownerID:  uuid.New(),
		interval: 5 * time.Millisecond,
		logger:   zap.NewNop(),
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	hb.start(run.ID, cancel)
	defer hb.stop(run.ID)

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("execution was not cancelled after the lease was lost")
	}
	assert.ErrorIs(t, context.Cause(ctx), repositories.ErrLeaseLost)
}

func TestHeartbeats_HeldLeaseKeepsRunning(t *testing.T) {
	engine, repo, _ := newTestEngine(t)
	engine.Register(Definition{Kind: "long", Run: func(*Context, json.RawMessage) (any, error) { return nil, nil }})

	run, _, err := engine.Start(context.Background(), "long", "k", nil)
	require.NoError(t, err)
	claimed := repo.ClaimOne(run.ID)

	hb := &heartbeats{
		repo:     repo,
		scopes:   database.StaticScopeProvider{},
		ownerID:  *claimed.OwnerID,
		interval: 5 * time.Millisecond,
		logger:   zap.NewNop(),
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	hb.start(run.ID, cancel)
	time.Sleep(50 * time.Millisecond)
	hb.stop(run.ID)

	assert.NoError(t, ctx.Err())
}
