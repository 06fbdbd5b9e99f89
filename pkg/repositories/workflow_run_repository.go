package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"

	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
)

// ErrLeaseLost is returned by the owner-guarded writes when the run is no
// longer leased to the caller, or the step being checkpointed has already
// completed under another lease.
var ErrLeaseLost = errors.New("workflow run lease lost")

// WorkflowRunRepository persists durable workflow runs and their step checkpoints.
type WorkflowRunRepository interface {
	// Create inserts a run unless one already exists for (kind, instance_key).
	// Returns the stored run and whether this call created it.
	Create(ctx context.Context, run *models.WorkflowRun) (*models.WorkflowRun, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.WorkflowRun, error)

	// ClaimDue leases up to limit runs that are due: pending or sleeping with
	// wake_at <= now(), or running with a heartbeat older than leaseTimeout.
	ClaimDue(ctx context.Context, ownerID uuid.UUID, limit int, leaseTimeout time.Duration) ([]*models.WorkflowRun, error)
	// Heartbeat refreshes the lease. Returns false if ownerID no longer holds the run.
	Heartbeat(ctx context.Context, id, ownerID uuid.UUID) (bool, error)

	// The Mark methods release the lease held by ownerID. They return
	// ErrLeaseLost when ownerID no longer holds the run.
	MarkSleeping(ctx context.Context, id, ownerID uuid.UUID, wakeAt time.Time) error
	MarkRetry(ctx context.Context, id, ownerID uuid.UUID, wakeAt time.Time, errMsg string) error
	MarkCompleted(ctx context.Context, id, ownerID uuid.UUID, status models.WorkflowRunStatus, result json.RawMessage, errMsg *string) error
	MarkFailed(ctx context.Context, id, ownerID uuid.UUID, errMsg string) error

	GetStep(ctx context.Context, runID uuid.UUID, key string) (*models.WorkflowStep, error)
	// SaveStep records a step outcome while ownerID holds the run. A completed
	// checkpoint is never overwritten; both cases return ErrLeaseLost.
	SaveStep(ctx context.Context, ownerID uuid.UUID, step *models.WorkflowStep) error
	ListSteps(ctx context.Context, runID uuid.UUID) ([]*models.WorkflowStep, error)
}

type workflowRunRepository struct{}

// NewWorkflowRunRepository creates a new WorkflowRunRepository.
func NewWorkflowRunRepository() WorkflowRunRepository {
	return &workflowRunRepository{}
}

var _ WorkflowRunRepository = (*workflowRunRepository)(nil)

const workflowRunColumns = `id, kind, instance_key, input, status, result, error_message,
	attempts, wake_at, owner_id, last_heartbeat, started_at, completed_at,
	created_at, updated_at`

// ============================================================================
// Runs
// ============================================================================

func (r *workflowRunRepository) Create(ctx context.Context, run *models.WorkflowRun) (*models.WorkflowRun, bool, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, false, database.ErrNoScope
	}

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = models.WorkflowRunPending
	}
	if len(run.Input) == 0 {
		run.Input = []byte("{}")
	}

	var created models.WorkflowRun
	err := pgxscan.Get(ctx, scope.Conn, &created, `
		INSERT INTO workflow_runs (id, kind, instance_key, input, status, wake_at, started_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (kind, instance_key) DO NOTHING
		RETURNING `+workflowRunColumns,
		run.ID, run.Kind, run.InstanceKey, run.Input, run.Status)
	if err == nil {
		return &created, true, nil
	}
	if !pgxscan.NotFound(err) {
		return nil, false, fmt.Errorf("failed to create workflow run: %w", err)
	}

	var existing models.WorkflowRun
	err = pgxscan.Get(ctx, scope.Conn, &existing, `
		SELECT `+workflowRunColumns+`
		FROM workflow_runs
		WHERE kind = $1 AND instance_key = $2`, run.Kind, run.InstanceKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing workflow run: %w", err)
	}
	return &existing, false, nil
}

func (r *workflowRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WorkflowRun, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, database.ErrNoScope
	}

	var run models.WorkflowRun
	err := pgxscan.Get(ctx, scope.Conn, &run,
		`SELECT `+workflowRunColumns+` FROM workflow_runs WHERE id = $1`, id)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	return &run, nil
}

func (r *workflowRunRepository) ClaimDue(ctx context.Context, ownerID uuid.UUID, limit int, leaseTimeout time.Duration) ([]*models.WorkflowRun, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, database.ErrNoScope
	}

	// SKIP LOCKED lets several workers poll the same table without claiming a run twice.
	query := `
		UPDATE workflow_runs
		SET status = 'running', owner_id = $1, last_heartbeat = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM workflow_runs
			WHERE (status IN ('pending', 'sleeping') AND wake_at <= now())
			   OR (status = 'running' AND last_heartbeat < now() - make_interval(secs => $3))
			ORDER BY wake_at, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + workflowRunColumns

	var runs []*models.WorkflowRun
	if err := pgxscan.Select(ctx, scope.Conn, &runs, query, ownerID, limit, leaseTimeout.Seconds()); err != nil {
		return nil, fmt.Errorf("failed to claim workflow runs: %w", err)
	}
	return runs, nil
}

func (r *workflowRunRepository) Heartbeat(ctx context.Context, id, ownerID uuid.UUID) (bool, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return false, database.ErrNoScope
	}

	tag, err := scope.Conn.Exec(ctx, `
		UPDATE workflow_runs SET last_heartbeat = now()
		WHERE id = $1 AND owner_id = $2 AND status = 'running'`, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat workflow run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *workflowRunRepository) MarkSleeping(ctx context.Context, id, ownerID uuid.UUID, wakeAt time.Time) error {
	return r.execOwned(ctx, "mark workflow run sleeping", `
		UPDATE workflow_runs
		SET status = 'sleeping', wake_at = $3, owner_id = NULL, last_heartbeat = NULL, updated_at = now()
		WHERE id = $1 AND owner_id = $2`, id, ownerID, wakeAt)
}

func (r *workflowRunRepository) MarkRetry(ctx context.Context, id, ownerID uuid.UUID, wakeAt time.Time, errMsg string) error {
	return r.execOwned(ctx, "schedule workflow run retry", `
		UPDATE workflow_runs
		SET status = 'pending', wake_at = $3, error_message = $4, attempts = attempts + 1,
		    owner_id = NULL, last_heartbeat = NULL, updated_at = now()
		WHERE id = $1 AND owner_id = $2`, id, ownerID, wakeAt, errMsg)
}

func (r *workflowRunRepository) MarkCompleted(ctx context.Context, id, ownerID uuid.UUID, status models.WorkflowRunStatus, result json.RawMessage, errMsg *string) error {
	return r.execOwned(ctx, "complete workflow run", `
		UPDATE workflow_runs
		SET status = $3, result = $4, error_message = $5, completed_at = now(),
		    owner_id = NULL, last_heartbeat = NULL, updated_at = now()
		WHERE id = $1 AND owner_id = $2`, id, ownerID, status, result, errMsg)
}

func (r *workflowRunRepository) MarkFailed(ctx context.Context, id, ownerID uuid.UUID, errMsg string) error {
	return r.execOwned(ctx, "fail workflow run", `
		UPDATE workflow_runs
		SET status = 'failed', error_message = $3, attempts = attempts + 1, completed_at = now(),
		    owner_id = NULL, last_heartbeat = NULL, updated_at = now()
		WHERE id = $1 AND owner_id = $2`, id, ownerID, errMsg)
}

// execOwned runs a lease-guarded write; no affected row means the lease is gone.
func (r *workflowRunRepository) execOwned(ctx context.Context, what, query string, args ...any) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return database.ErrNoScope
	}
	tag, err := scope.Conn.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("failed to %s: %w", what, ErrLeaseLost)
	}
	return nil
}

// ============================================================================
// Steps
// ============================================================================

func (r *workflowRunRepository) GetStep(ctx context.Context, runID uuid.UUID, key string) (*models.WorkflowStep, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, database.ErrNoScope
	}

	var step models.WorkflowStep
	err := pgxscan.Get(ctx, scope.Conn, &step, `
		SELECT run_id, step_key, status, output, attempts, error_message, completed_at
		FROM workflow_steps
		WHERE run_id = $1 AND step_key = $2`, runID, key)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get workflow step: %w", err)
	}
	return &step, nil
}

func (r *workflowRunRepository) SaveStep(ctx context.Context, ownerID uuid.UUID, step *models.WorkflowStep) error {
	// Inside a StepTx this runs in the side effect's transaction, so a
	// rejected checkpoint rolls the side effect back with it.
	return r.execOwned(ctx, "save workflow step", `
		INSERT INTO workflow_steps (run_id, step_key, status, output, attempts, error_message, completed_at)
		SELECT $1::uuid, $2::text, $3::text, $4::jsonb, $5::integer, $6::text, $7::timestamptz
		WHERE EXISTS (SELECT 1 FROM workflow_runs WHERE id = $1 AND owner_id = $8)
		ON CONFLICT (run_id, step_key) DO UPDATE SET
			status = EXCLUDED.status,
			output = EXCLUDED.output,
			attempts = workflow_steps.attempts + EXCLUDED.attempts,
			error_message = EXCLUDED.error_message,
			completed_at = EXCLUDED.completed_at
		WHERE workflow_steps.status <> 'completed'`,
		step.RunID, step.StepKey, step.Status, step.Output, step.Attempts, step.ErrorMessage, step.CompletedAt, ownerID)
}

func (r *workflowRunRepository) ListSteps(ctx context.Context, runID uuid.UUID) ([]*models.WorkflowStep, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, database.ErrNoScope
	}

	var steps []*models.WorkflowStep
	err := pgxscan.Select(ctx, scope.Conn, &steps, `
		SELECT run_id, step_key, status, output, attempts, error_message, completed_at
		FROM workflow_steps
		WHERE run_id = $1
		ORDER BY completed_at NULLS LAST, step_key`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow steps: %w", err)
	}
	return steps, nil
}
