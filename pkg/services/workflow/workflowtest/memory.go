// Package workflowtest provides an in-memory workflow run store for tests.
package workflowtest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/repositories"
)

// MemoryRunRepository is an in-memory WorkflowRunRepository. Lease timeouts
// are ignored: only pending and sleeping runs whose wake time has passed are
// due. Owner guards behave as in Postgres.
type MemoryRunRepository struct {
	mu    sync.Mutex
	runs  map[uuid.UUID]*models.WorkflowRun
	steps map[uuid.UUID]map[string]*models.WorkflowStep
	now   func() time.Time

	SaveStepFunc func(step *models.WorkflowStep) error
}

var _ repositories.WorkflowRunRepository = (*MemoryRunRepository)(nil)

func NewMemoryRunRepository(now func() time.Time) *MemoryRunRepository {
	return &MemoryRunRepository{
		runs:  make(map[uuid.UUID]*models.WorkflowRun),
		steps: make(map[uuid.UUID]map[string]*models.WorkflowStep),
		now:   now,
	}
}

func (m *MemoryRunRepository) Create(_ context.Context, run *models.WorkflowRun) (*models.WorkflowRun, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.runs {
		if existing.Kind == run.Kind && existing.InstanceKey == run.InstanceKey {
			cp := *existing
			return &cp, false, nil
		}
	}
	now := m.now()
	stored := *run
	stored.ID = uuid.New()
	stored.Status = models.WorkflowRunPending
	stored.WakeAt = now
	stored.StartedAt = now
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.runs[stored.ID] = &stored
	cp := stored
	return &cp, true, nil
}

func (m *MemoryRunRepository) GetByID(_ context.Context, id uuid.UUID) (*models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryRunRepository) ClaimDue(_ context.Context, ownerID uuid.UUID, limit int, _ time.Duration) ([]*models.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed []*models.WorkflowRun
	for _, run := range m.runs {
		if len(claimed) == limit {
			break
		}
		due := (run.Status == models.WorkflowRunPending || run.Status == models.WorkflowRunSleeping) &&
			!run.WakeAt.After(m.now())
		if !due {
			continue
		}
		run.Status = models.WorkflowRunRunning
		run.OwnerID = &ownerID
		cp := *run
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *MemoryRunRepository) Heartbeat(_ context.Context, id, ownerID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	return ok && run.OwnerID != nil && *run.OwnerID == ownerID, nil
}

func (m *MemoryRunRepository) update(id, ownerID uuid.UUID, fn func(run *models.WorkflowRun)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.OwnerID == nil || *run.OwnerID != ownerID {
		return repositories.ErrLeaseLost
	}
	fn(run)
	run.OwnerID = nil
	return nil
}

func (m *MemoryRunRepository) MarkSleeping(_ context.Context, id, ownerID uuid.UUID, wakeAt time.Time) error {
	return m.update(id, ownerID, func(run *models.WorkflowRun) {
		run.Status = models.WorkflowRunSleeping
		run.WakeAt = wakeAt
	})
}

func (m *MemoryRunRepository) MarkRetry(_ context.Context, id, ownerID uuid.UUID, wakeAt time.Time, errMsg string) error {
	return m.update(id, ownerID, func(run *models.WorkflowRun) {
		run.Status = models.WorkflowRunPending
		run.WakeAt = wakeAt
		run.ErrorMessage = &errMsg
		run.Attempts++
	})
}

func (m *MemoryRunRepository) MarkCompleted(_ context.Context, id, ownerID uuid.UUID, status models.WorkflowRunStatus, result json.RawMessage, errMsg *string) error {
	return m.update(id, ownerID, func(run *models.WorkflowRun) {
		run.Status = status
		run.Result = result
		run.ErrorMessage = errMsg
	})
}

func (m *MemoryRunRepository) MarkFailed(_ context.Context, id, ownerID uuid.UUID, errMsg string) error {
	return m.update(id, ownerID, func(run *models.WorkflowRun) {
		run.Status = models.WorkflowRunFailed
		run.ErrorMessage = &errMsg
		run.Attempts++
	})
}

func (m *MemoryRunRepository) GetStep(_ context.Context, runID uuid.UUID, key string) (*models.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if step, ok := m.steps[runID][key]; ok {
		cp := *step
		return &cp, nil
	}
	return nil, nil
}

func (m *MemoryRunRepository) SaveStep(_ context.Context, ownerID uuid.UUID, step *models.WorkflowStep) error {
	if m.SaveStepFunc != nil {
		if err := m.SaveStepFunc(step); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[step.RunID]
	if !ok || run.OwnerID == nil || *run.OwnerID != ownerID {
		return repositories.ErrLeaseLost
	}
	if saved, ok := m.steps[step.RunID][step.StepKey]; ok && saved.Status == models.WorkflowStepCompleted {
		return repositories.ErrLeaseLost
	}
	if m.steps[step.RunID] == nil {
		m.steps[step.RunID] = make(map[string]*models.WorkflowStep)
	}
	cp := *step
	m.steps[step.RunID][step.StepKey] = &cp
	return nil
}

func (m *MemoryRunRepository) ListSteps(_ context.Context, runID uuid.UUID) ([]*models.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var steps []*models.WorkflowStep
	for _, step := range m.steps[runID] {
		cp := *step
		steps = append(steps, &cp)
	}
	// Same order as Postgres: completion time, unfinished last, then key.
	sort.Slice(steps, func(i, j int) bool {
		a, b := steps[i], steps[j]
		switch {
		case a.CompletedAt == nil || b.CompletedAt == nil:
			if (a.CompletedAt == nil) != (b.CompletedAt == nil) {
				return b.CompletedAt == nil
			}
		case !a.CompletedAt.Equal(*b.CompletedAt):
			return a.CompletedAt.Before(*b.CompletedAt)
		}
		return a.StepKey < b.StepKey
	})
	return steps, nil
}

// Find returns the run for (kind, instanceKey), or nil.
func (m *MemoryRunRepository) Find(kind, instanceKey string) *models.WorkflowRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.Kind == kind && run.InstanceKey == instanceKey {
			cp := *run
			return &cp
		}
	}
	return nil
}

// ClaimOne leases run id to a new owner and returns a copy, as ClaimDue
// would. Claiming a run that is still running models a lease takeover.
func (m *MemoryRunRepository) ClaimOne(id uuid.UUID) *models.WorkflowRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := m.runs[id]
	owner := uuid.New()
	run.Status = models.WorkflowRunRunning
	run.OwnerID = &owner
	cp := *run
	return &cp
}

// Clock is a settable time source safe for concurrent use.
type Clock struct {
	t atomic.Pointer[time.Time]
}

func NewClock(start time.Time) *Clock {
	c := &Clock{}
	c.Set(start)
	return c
}

func (c *Clock) Now() time.Time { return *c.t.Load() }
func (c *Clock) Set(t time.Time) { c.t.Store(&t) }
