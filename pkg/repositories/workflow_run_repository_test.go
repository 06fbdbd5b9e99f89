//go:build integration

package repositories

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/testhelpers"
)

// systemCtx returns a context holding an unscoped connection, as the worker uses.
func systemCtx(t *testing.T) context.Context {
	t.Helper()
	engineDB := testhelpers.GetEngineDB(t)
	scope, err := engineDB.DB.WithoutUser(context.Background())
	require.NoError(t, err)
	t.Cleanup(scope.Close)
	return database.SetScope(context.Background(), scope)
}

func TestWorkflowRunRepository_CreateIsIdempotent(t *testing.T) {
	ctx := systemCtx(t)
	repo := NewWorkflowRunRepository()
	key := "idem-" + uuid.NewString()

	first, created, err := repo.Create(ctx, &models.WorkflowRun{
		Kind: "item-reminder", InstanceKey: key, Input: json.RawMessage(`{"itemId":1}`),
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.WorkflowRunPending, first.Status)

	second, created, err := repo.Create(ctx, &models.WorkflowRun{
		Kind: "item-reminder", InstanceKey: key, Input: json.RawMessage(`{"itemId":2}`),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, `{"itemId":1}`, string(second.Input))
}

func TestWorkflowRunRepository_ClaimDueSkipsFutureAndClaimedRuns(t *testing.T) {
	ctx := systemCtx(t)
	repo := NewWorkflowRunRepository()
	kind := "claim-test-" + uuid.NewString()

	later, _, err := repo.Create(ctx, &models.WorkflowRun{Kind: kind, InstanceKey: "later"})
	require.NoError(t, err)
	laterOwner := claimRun(t, ctx, repo, later.ID)
	require.NoError(t, repo.MarkSleeping(ctx, later.ID, laterOwner, time.Now().Add(time.Hour)))
	due, _, err := repo.Create(ctx, &models.WorkflowRun{Kind: kind, InstanceKey: "due"})
	require.NoError(t, err)

	owner := uuid.New()
	claimed, err := repo.ClaimDue(ctx, owner, 100, time.Minute)
	require.NoError(t, err)

	var ids []uuid.UUID
	for _, r := range claimed {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, due.ID)
	assert.NotContains(t, ids, later.ID)

	again, err := repo.ClaimDue(ctx, uuid.New(), 100, time.Minute)
	require.NoError(t, err)
	for _, r := range again {
		assert.NotEqual(t, due.ID, r.ID, "a freshly heartbeated run must not be claimed twice")
	}

	ok, err := repo.Heartbeat(ctx, due.ID, owner)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Heartbeat(ctx, due.ID, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWorkflowRunRepository_StepCheckpoint(t *testing.T) {
	ctx := systemCtx(t)
	repo := NewWorkflowRunRepository()

	run, _, err := repo.Create(ctx, &models.WorkflowRun{Kind: "step-test", InstanceKey: uuid.NewString()})
	require.NoError(t, err)

	missing, err := repo.GetStep(ctx, run.ID, "generate")
	require.NoError(t, err)
	assert.Nil(t, missing)

	owner := claimRun(t, ctx, repo, run.ID)
	now := time.Now()
	require.NoError(t, repo.SaveStep(ctx, owner, &models.WorkflowStep{
		RunID: run.ID, StepKey: "generate", Status: models.WorkflowStepCompleted,
		Output: json.RawMessage(`"hello"`), Attempts: 2, CompletedAt: &now,
	}))

	step, err := repo.GetStep(ctx, run.ID, "generate")
	require.NoError(t, err)
	require.NotNil(t, step)
	assert.Equal(t, models.WorkflowStepCompleted, step.Status)
	assert.JSONEq(t, `"hello"`, string(step.Output))
	assert.Equal(t, 2, step.Attempts)

	require.NoError(t, repo.MarkCompleted(ctx, run.ID, owner, models.WorkflowRunCompleted, json.RawMessage(`{"success":true}`), nil))
	done, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowRunCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
}

func TestWorkflowRunRepository_WritesRequireLease(t *testing.T) {
	ctx := systemCtx(t)
	repo := NewWorkflowRunRepository()

	run, _, err := repo.Create(ctx, &models.WorkflowRun{Kind: "lease-test", InstanceKey: uuid.NewString()})
	require.NoError(t, err)
	stale := claimRun(t, ctx, repo, run.ID)

	// Expire the lease so a second worker takes the run over.
	_, err = testhelpers.GetEngineDB(t).DB.Exec(ctx,
		`UPDATE workflow_runs SET last_heartbeat = now() - interval '1 hour' WHERE id = $1`, run.ID)
	require.NoError(t, err)
	current := claimRun(t, ctx, repo, run.ID)
	require.NotEqual(t, stale, current)

	now := time.Now()
	step := func(output string) *models.WorkflowStep {
		return &models.WorkflowStep{
			RunID: run.ID, StepKey: "emit-1", Status: models.WorkflowStepCompleted,
			Output: json.RawMessage(output), Attempts: 1, CompletedAt: &now,
		}
	}

	err = repo.SaveStep(ctx, stale, step(`"stale"`))
	assert.ErrorIs(t, err, ErrLeaseLost)
	require.NoError(t, repo.SaveStep(ctx, current, step(`"current"`)))
	err = repo.SaveStep(ctx, current, step(`"again"`))
	assert.ErrorIs(t, err, ErrLeaseLost, "a completed step is never overwritten")

	saved, err := repo.GetStep(ctx, run.ID, "emit-1")
	require.NoError(t, err)
	assert.JSONEq(t, `"current"`, string(saved.Output))

	assert.ErrorIs(t, repo.MarkCompleted(ctx, run.ID, stale, models.WorkflowRunCompleted, json.RawMessage(`{}`), nil), ErrLeaseLost)
	assert.ErrorIs(t, repo.MarkSleeping(ctx, run.ID, stale, time.Now()), ErrLeaseLost)
	assert.ErrorIs(t, repo.MarkRetry(ctx, run.ID, stale, time.Now(), "boom"), ErrLeaseLost)
	assert.ErrorIs(t, repo.MarkFailed(ctx, run.ID, stale, "boom"), ErrLeaseLost)

	require.NoError(t, repo.MarkCompleted(ctx, run.ID, current, models.WorkflowRunCompleted, json.RawMessage(`{"ok":true}`), nil))
	done, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowRunCompleted, done.Status)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))
}

// claimRun claims due runs until id is leased and returns the owner holding it.
func claimRun(t *testing.T, ctx context.Context, repo WorkflowRunRepository, id uuid.UUID) uuid.UUID {
	t.Helper()
	owner := uuid.New()
	claimed, err := repo.ClaimDue(ctx, owner, 1000, time.Minute)
	require.NoError(t, err)
	for _, r := range claimed {
		if r.ID == id {
			return owner
		}
	}
	t.Fatalf("run %s was not claimed", id)
	return uuid.Nil
}
