// Package workflow is a small durable workflow executor backed by Postgres.
//
// A workflow is a deterministic Go function over a *Context. Its side effects
// are wrapped in named steps whose outputs are checkpointed in workflow_steps,
// and it may park itself on a durable sleep. A parked or failed run is resumed
// by a Worker, which replays the function from the top: completed steps return
// their checkpoints, elapsed sleeps return immediately, and execution picks up
// at the first step that has not completed.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/config"
	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/repositories"
	"github.com/grantgenie/genie-engine/pkg/retry"
)

// RunFunc is the body of a workflow. input is the JSON given to Start.
type RunFunc func(wctx *Context, input json.RawMessage) (any, error)

// Definition registers a workflow body under a kind.
type Definition struct {
	Kind string
	Run  RunFunc
}

// Engine starts runs and executes one resume pass of a run at a time.
type Engine struct {
	repo   repositories.WorkflowRunRepository
	scopes database.ScopeProvider
	logger *zap.Logger

	stepRetry      *retry.Config
	runRetry       *retry.Config
	maxRunAttempts int

	mu          sync.RWMutex
	definitions map[string]Definition
	notify      func()

	now func() time.Time
}

// NewEngine creates an Engine using the retry policy in cfg.
func NewEngine(
	repo repositories.WorkflowRunRepository,
	scopes database.ScopeProvider,
	cfg config.WorkflowConfig,
	logger *zap.Logger,
) *Engine {
	stepRetry := retry.DefaultConfig()
	stepRetry.MaxRetries = cfg.StepRetries
	if cfg.StepInitialDelay > 0 {
		stepRetry.InitialDelay = cfg.StepInitialDelay
	}
	if cfg.StepMaxDelay > 0 {
		stepRetry.MaxDelay = cfg.StepMaxDelay
	}

	// Run-level retries back off from the step ceiling up to an hour.
	runRetry := &retry.Config{
		InitialDelay: max(stepRetry.MaxDelay, time.Second),
		MaxDelay:     time.Hour,
		Multiplier:   2,
	}

	maxAttempts := cfg.MaxRunAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	return &Engine{
		repo:           repo,
		scopes:         scopes,
		logger:         logger.Named("workflow-engine"),
		stepRetry:      stepRetry,
		runRetry:       runRetry,
		maxRunAttempts: maxAttempts,
		definitions:    make(map[string]Definition),
		notify:         func() {},
		now:            time.Now,
	}
}

// Register adds a definition. Registering the same kind twice panics.
func (e *Engine) Register(def Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if def.Kind == "" || def.Run == nil {
		panic("workflow: definition needs a kind and a run function")
	}
	if _, exists := e.definitions[def.Kind]; exists {
		panic(fmt.Sprintf("workflow: kind %q registered twice", def.Kind))
	}
	e.definitions[def.Kind] = def
}

func (e *Engine) definition(kind string) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.definitions[kind]
	return def, ok
}

// SetClock replaces the engine's time source. Used by tests and simulations.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// setNotifier installs the callback fired after a run is created.
func (e *Engine) setNotifier(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = fn
}

// Start creates a run of kind for instanceKey, or returns the run that
// already exists for that pair. The boolean reports whether a run was created.
// Execution is asynchronous; the caller gets control back immediately.
func (e *Engine) Start(ctx context.Context, kind, instanceKey string, input any) (*models.WorkflowRun, bool, error) {
	if _, ok := e.definition(kind); !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, false, fmt.Errorf("encode workflow input: %w", err)
	}

	var (
		run     *models.WorkflowRun
		created bool
	)
	err = e.withScope(ctx, func(ctx context.Context) error {
		run, created, err = e.repo.Create(ctx, &models.WorkflowRun{
			Kind:        kind,
			InstanceKey: instanceKey,
			Input:       raw,
		})
		return err
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		e.logger.Info("Workflow run started",
			zap.String("kind", kind),
			zap.String("instance_key", instanceKey),
			zap.String("run_id", run.ID.String()))
		e.mu.RLock()
		notify := e.notify
		e.mu.RUnlock()
		notify()
	} else {
		e.logger.Debug("Workflow run already exists",
			zap.String("kind", kind),
			zap.String("instance_key", instanceKey),
			zap.String("run_id", run.ID.String()),
			zap.String("status", string(run.Status)))
	}
	return run, created, nil
}

// GetRun returns a run by id, or nil if none exists.
func (e *Engine) GetRun(ctx context.Context, id uuid.UUID) (*models.WorkflowRun, error) {
	var run *models.WorkflowRun
	err := e.withScope(ctx, func(ctx context.Context) error {
		var err error
		run, err = e.repo.GetByID(ctx, id)
		return err
	})
	return run, err
}

// ListSteps returns the step checkpoints recorded for a run.
func (e *Engine) ListSteps(ctx context.Context, runID uuid.UUID) ([]*models.WorkflowStep, error) {
	var steps []*models.WorkflowStep
	err := e.withScope(ctx, func(ctx context.Context) error {
		var err error
		steps, err = e.repo.ListSteps(ctx, runID)
		return err
	})
	return steps, err
}

// withScope uses the scope already in ctx, or borrows a system scope.
func (e *Engine) withScope(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := database.GetScope(ctx); ok {
		return fn(ctx)
	}
	scopedCtx, cleanup, err := e.scopes.WithSystemScope(ctx)
	if err != nil {
		return fmt.Errorf("acquire system scope: %w", err)
	}
	defer cleanup()
	return fn(scopedCtx)
}

// Execute runs one resume pass of a claimed run and records the outcome:
// completed, degraded, sleeping, pending for a later retry, or failed.
// ctx must carry a database scope. Every write is guarded by the lease the
// run was claimed with; if another worker has taken the run over, nothing is
// recorded and the returned error wraps repositories.ErrLeaseLost. Other
// returned errors report bookkeeping failures only; workflow failures are
// persisted on the run.
func (e *Engine) Execute(ctx context.Context, run *models.WorkflowRun) (models.WorkflowRunStatus, error) {
	logger := e.logger.With(
		zap.String("run_id", run.ID.String()),
		zap.String("kind", run.Kind),
		zap.Int("attempt", run.Attempts+1))

	var owner uuid.UUID
	if run.OwnerID != nil {
		owner = *run.OwnerID
	}

	def, ok := e.definition(run.Kind)
	if !ok {
		msg := fmt.Sprintf("%s: %s", ErrUnknownKind, run.Kind)
		logger.Error("Cannot execute run of unregistered kind")
		return models.WorkflowRunFailed, e.repo.MarkFailed(ctx, run.ID, owner, msg)
	}

	wctx := &Context{ctx: ctx, engine: e, run: run, owner: owner, logger: logger}
	result, runErr := e.invoke(def, wctx, run.Input)

	if runErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return models.WorkflowRunFailed, e.repo.MarkFailed(ctx, run.ID, owner, fmt.Sprintf("encode result: %v", err))
		}
		logger.Info("Workflow run completed")
		return models.WorkflowRunCompleted, e.repo.MarkCompleted(ctx, run.ID, owner, models.WorkflowRunCompleted, raw, nil)
	}

	if errors.Is(runErr, repositories.ErrLeaseLost) {
		logger.Warn("Workflow run taken over by another worker, abandoning pass", zap.Error(runErr))
		return models.WorkflowRunRunning, runErr
	}

	var suspend *suspendError
	if errors.As(runErr, &suspend) {
		logger.Debug("Workflow run sleeping", zap.Time("wake_at", suspend.wakeAt))
		return models.WorkflowRunSleeping, e.repo.MarkSleeping(ctx, run.ID, owner, suspend.wakeAt)
	}

	var degraded *DegradedError
	if errors.As(runErr, &degraded) {
		raw, err := json.Marshal(degraded.Result)
		if err != nil {
			return models.WorkflowRunFailed, e.repo.MarkFailed(ctx, run.ID, owner, fmt.Sprintf("encode result: %v", err))
		}
		msg := degraded.Err.Error()
		logger.Warn("Workflow run completed with degraded side effects", zap.String("error", msg))
		return models.WorkflowRunDegraded, e.repo.MarkCompleted(ctx, run.ID, owner, models.WorkflowRunDegraded, raw, &msg)
	}

	if ctx.Err() != nil {
		// Shutting down or lease lost: leave the run leased; whoever holds it
		// now, or the next claim after the lease expires, carries on.
		logger.Info("Workflow run interrupted", zap.Error(runErr), zap.NamedError("cause", context.Cause(ctx)))
		return models.WorkflowRunRunning, nil
	}

	if IsPermanent(runErr) || run.Attempts+1 >= e.maxRunAttempts {
		logger.Error("Workflow run failed", zap.Error(runErr), zap.Bool("permanent", IsPermanent(runErr)))
		return models.WorkflowRunFailed, e.repo.MarkFailed(ctx, run.ID, owner, runErr.Error())
	}

	wakeAt := e.now().Add(e.runRetry.Delay(run.Attempts))
	logger.Warn("Workflow run will be retried", zap.Error(runErr), zap.Time("wake_at", wakeAt))
	return models.WorkflowRunPending, e.repo.MarkRetry(ctx, run.ID, owner, wakeAt, runErr.Error())
}

// invoke calls the workflow body, turning a panic into a run error.
func (e *Engine) invoke(def Definition, wctx *Context, input json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			wctx.logger.Error("Workflow panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("workflow panicked: %v", r)
		}
	}()
	return def.Run(wctx, input)
}
