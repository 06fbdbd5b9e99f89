package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/repositories"
)

// heartbeats keeps the lease of every run this worker is executing fresh.
// When a beat finds the lease gone, the run's execution is cancelled.
type heartbeats struct {
	repo     repositories.WorkflowRunRepository
	scopes   database.ScopeProvider
	ownerID  uuid.UUID
	interval time.Duration
	logger   *zap.Logger

	stops sync.Map // runID -> chan struct{}
}

// start launches a goroutine that refreshes runID's heartbeat every interval
// until stop is called. lost is called with repositories.ErrLeaseLost if
// another worker has claimed the run.
func (h *heartbeats) start(runID uuid.UUID, lost context.CancelCauseFunc) {
	stop := make(chan struct{})
	h.stops.Store(runID, stop)

	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !h.beat(runID) {
					lost(repositories.ErrLeaseLost)
					return
				}
			}
		}
	}()
}

// beat refreshes the lease. It returns false only when the lease is known to
// be held by someone else; a failed write keeps the run going until the next beat.
func (h *heartbeats) beat(runID uuid.UUID) bool {
	ctx, cancel := context.WithTimeout(context.Background(), h.interval)
	defer cancel()

	ctx, cleanup, err := h.scopes.WithSystemScope(ctx)
	if err != nil {
		h.logger.Error("Failed to acquire DB connection for heartbeat",
			zap.String("run_id", runID.String()),
			zap.Error(err))
		return true
	}
	defer cleanup()

	held, err := h.repo.Heartbeat(ctx, runID, h.ownerID)
	if err != nil {
		h.logger.Error("Failed to update heartbeat",
			zap.String("run_id", runID.String()),
			zap.Error(err))
		return true
	}
	if !held {
		h.logger.Warn("Lost lease on workflow run, cancelling execution", zap.String("run_id", runID.String()))
	}
	return held
}

func (h *heartbeats) stop(runID uuid.UUID) {
	if v, ok := h.stops.LoadAndDelete(runID); ok {
		close(v.(chan struct{}))
	}
}
