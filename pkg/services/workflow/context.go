package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/repositories"
	"github.com/grantgenie/genie-engine/pkg/retry"
)

// StepFunc performs the work of one step. The returned value is checkpointed as JSON.
type StepFunc func(ctx context.Context) (any, error)

// Context is handed to a workflow's Run function. Every side effect a workflow
// performs must go through Step or StepTx so that it is not repeated when the
// run is replayed after a sleep, a retry, or a crash.
type Context struct {
	ctx    context.Context
	engine *Engine
	run    *models.WorkflowRun
	owner  uuid.UUID
	logger *zap.Logger
}

// Context returns the underlying context. It carries the worker's database scope.
func (c *Context) Context() context.Context { return c.ctx }

func (c *Context) RunID() uuid.UUID { return c.run.ID }

// StartedAt is fixed when the run is created and identical on every replay.
// Decisions that must not drift between replays should be based on it.
func (c *Context) StartedAt() time.Time { return c.run.StartedAt }

// Now is the engine clock. It differs between replays.
func (c *Context) Now() time.Time { return c.engine.now() }

func (c *Context) Logger() *zap.Logger { return c.logger }

// Step runs fn once per run. If a checkpoint for key exists its output is
// decoded into out and fn is not called. Transient failures are retried in
// process with the engine's step policy.
func (c *Context) Step(key string, fn StepFunc, out any) error {
	return c.step(key, out, func(ctx context.Context, attempts *int) (any, error) {
		var value any
		err := retry.DoIfRetryable(ctx, c.engine.stepRetry, func() error {
			*attempts++
			v, err := fn(ctx)
			value = v
			return err
		})
		if err != nil {
			return nil, err
		}
		return value, c.checkpoint(ctx, key, value, *attempts)
	})
}

// StepTx runs fn and records its checkpoint in the same transaction, so the
// side effect and the record of it commit together or not at all.
func (c *Context) StepTx(key string, fn StepFunc, out any) error {
	return c.step(key, out, func(ctx context.Context, attempts *int) (any, error) {
		var value any
		err := retry.DoIfRetryable(ctx, c.engine.stepRetry, func() error {
			*attempts++
			return database.RunInTx(ctx, func(txCtx context.Context) error {
				v, err := fn(txCtx)
				if err != nil {
					return err
				}
				value = v
				return c.checkpoint(txCtx, key, v, *attempts)
			})
		})
		return value, err
	})
}

func (c *Context) step(key string, out any, exec func(ctx context.Context, attempts *int) (any, error)) error {
	saved, err := c.engine.repo.GetStep(c.ctx, c.run.ID, key)
	if err != nil {
		return fmt.Errorf("load checkpoint %q: %w", key, err)
	}
	if saved != nil && saved.Status == models.WorkflowStepCompleted {
		c.logger.Debug("Replaying step from checkpoint", zap.String("step", key))
		return decodeOutput(saved.Output, out)
	}

	attempts := 0
	value, err := exec(c.ctx, &attempts)
	if err != nil {
		c.recordFailure(key, attempts, err)
		return fmt.Errorf("step %q: %w", key, err)
	}

	c.logger.Debug("Step completed", zap.String("step", key), zap.Int("attempts", attempts))
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return Permanent(fmt.Errorf("encode step %q output: %w", key, err))
	}
	return decodeOutput(raw, out)
}

func (c *Context) checkpoint(ctx context.Context, key string, value any, attempts int) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return Permanent(fmt.Errorf("encode step %q output: %w", key, err))
	}
	now := c.engine.now()
	err = c.engine.repo.SaveStep(ctx, c.owner, &models.WorkflowStep{
		RunID:       c.run.ID,
		StepKey:     key,
		Status:      models.WorkflowStepCompleted,
		Output:      raw,
		Attempts:    attempts,
		CompletedAt: &now,
	})
	if errors.Is(err, repositories.ErrLeaseLost) {
		return Permanent(err)
	}
	return err
}

func (c *Context) recordFailure(key string, attempts int, stepErr error) {
	if c.ctx.Err() != nil {
		return
	}
	msg := stepErr.Error()
	err := c.engine.repo.SaveStep(c.ctx, c.owner, &models.WorkflowStep{
		RunID:        c.run.ID,
		StepKey:      key,
		Status:       models.WorkflowStepFailed,
		Attempts:     attempts,
		ErrorMessage: &msg,
	})
	if err != nil {
		c.logger.Warn("Failed to record step failure", zap.String("step", key), zap.Error(err))
	}
}

// SleepUntil parks the run until t. If t has already passed it returns nil
// immediately, otherwise it returns an error wrapping ErrSuspended which the
// workflow must return as-is.
func (c *Context) SleepUntil(key string, t time.Time) error {
	if !t.After(c.engine.now()) {
		return nil
	}
	c.logger.Debug("Suspending run", zap.String("sleep", key), zap.Time("wake_at", t))
	return &suspendError{key: key, wakeAt: t}
}

func decodeOutput(raw json.RawMessage, out any) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return Permanent(fmt.Errorf("decode checkpoint: %w", err))
	}
	return nil
}
