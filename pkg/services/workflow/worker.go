package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grantgenie/genie-engine/pkg/config"
	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/repositories"
)

// NudgeChannel is the Redis pub/sub channel used to wake workers on other
// instances when a run is started.
const NudgeChannel = "genie:workflow:nudge"

// Worker polls for due runs and executes them.
type Worker struct {
	engine  *Engine
	scopes  database.ScopeProvider
	cfg     config.WorkflowConfig
	redis   *redis.Client
	ownerID uuid.UUID
	logger  *zap.Logger

	hb    *heartbeats
	nudge chan struct{}

	// Executions run on their own context so that cancelling Run lets
	// in-flight runs finish. Shutdown cancels it on timeout.
	execCtx    context.Context
	execCancel context.CancelFunc
	running    sync.WaitGroup
}

// NewWorker creates a Worker for engine. redisClient may be nil, in which case
// nudges only reach this process.
func NewWorker(engine *Engine, cfg config.WorkflowConfig, redisClient *redis.Client, logger *zap.Logger) *Worker {
	ownerID := uuid.New()
	logger = logger.Named("workflow-worker").With(zap.String("owner_id", ownerID.String()))

	execCtx, execCancel := context.WithCancel(context.Background())
	w := &Worker{
		engine:  engine,
		scopes:  engine.scopes,
		cfg:     cfg,
		redis:   redisClient,
		ownerID: ownerID,
		logger:  logger,
		hb: &heartbeats{
			repo:     engine.repo,
			scopes:   engine.scopes,
			ownerID:  ownerID,
			interval: cfg.HeartbeatInterval,
			logger:   logger,
		},
		nudge:      make(chan struct{}, 1),
		execCtx:    execCtx,
		execCancel: execCancel,
	}
	engine.setNotifier(w.notify)
	return w
}

// OwnerID identifies this worker in workflow_runs.owner_id.
func (w *Worker) OwnerID() uuid.UUID { return w.ownerID }

// Nudge wakes the poll loop without waiting for the next tick.
func (w *Worker) Nudge() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

// notify nudges locally and, when Redis is configured, on every other instance.
func (w *Worker) notify() {
	w.Nudge()
	if w.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.redis.Publish(ctx, NudgeChannel, w.ownerID.String()).Err(); err != nil {
		w.logger.Debug("Failed to publish workflow nudge", zap.Error(err))
	}
}

// Run polls until ctx is cancelled. Runs already claimed keep executing;
// call Shutdown to wait for them.
func (w *Worker) Run(ctx context.Context) error {
	w.running.Add(1)
	defer w.running.Done()

	if w.redis != nil {
		go w.subscribe(ctx)
	}

	w.logger.Info("Workflow worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Int("concurrency", w.cfg.Concurrency))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.PollOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("Workflow poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			w.logger.Info("Workflow worker stopping")
			return nil
		case <-ticker.C:
		case <-w.nudge:
		}
	}
}

func (w *Worker) subscribe(ctx context.Context) {
	sub := w.redis.Subscribe(ctx, NudgeChannel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			if msg.Payload != w.ownerID.String() {
				w.Nudge()
			}
		}
	}
}

// PollOnce claims one batch of due runs and executes it, returning the
// number of runs claimed.
func (w *Worker) PollOnce(ctx context.Context) (int, error) {
	runs, err := w.claim(ctx)
	if err != nil || len(runs) == 0 {
		return 0, err
	}

	w.logger.Debug("Claimed workflow runs", zap.Int("count", len(runs)))

	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)
	for _, run := range runs {
		g.Go(func() error {
			w.execute(run)
			return nil
		})
	}
	_ = g.Wait()
	return len(runs), nil
}

func (w *Worker) claim(ctx context.Context) ([]*models.WorkflowRun, error) {
	scopedCtx, cleanup, err := w.scopes.WithSystemScope(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire system scope: %w", err)
	}
	defer cleanup()
	return w.engine.repo.ClaimDue(scopedCtx, w.ownerID, w.cfg.BatchSize, w.cfg.LeaseTimeout)
}

func (w *Worker) execute(run *models.WorkflowRun) {
	runCtx, cancel := context.WithCancelCause(w.execCtx)
	defer cancel(nil)

	w.hb.start(run.ID, cancel)
	defer w.hb.stop(run.ID)

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Panic while executing workflow run",
				zap.String("run_id", run.ID.String()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	ctx, cleanup, err := w.scopes.WithSystemScope(runCtx)
	if err != nil {
		w.logger.Error("Failed to acquire DB connection for run",
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
		return
	}
	defer cleanup()

	started := time.Now()
	status, err := w.engine.Execute(ctx, run)
	if errors.Is(err, repositories.ErrLeaseLost) {
		w.logger.Warn("Workflow run lease lost, outcome left to the new owner",
			zap.String("run_id", run.ID.String()))
		return
	}
	if err != nil {
		w.logger.Error("Failed to record workflow run outcome",
			zap.String("run_id", run.ID.String()),
			zap.Error(err))
		return
	}
	w.logger.Debug("Workflow run pass finished",
		zap.String("run_id", run.ID.String()),
		zap.String("status", string(status)),
		zap.Duration("elapsed", time.Since(started)))
}

// Shutdown waits for Run to return and in-flight runs to finish. If ctx ends
// first, in-flight runs are cancelled and ctx.Err() is returned.
func (w *Worker) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.execCancel()
		w.logger.Info("Workflow worker shutdown complete")
		return nil
	case <-ctx.Done():
		w.execCancel()
		w.logger.Warn("Shutdown timed out, cancelled in-flight workflow runs")
		return ctx.Err()
	}
}
