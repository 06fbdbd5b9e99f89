package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/apperrors"
	"github.com/grantgenie/genie-engine/pkg/config"
	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/repositories"
	"github.com/grantgenie/genie-engine/pkg/services/workflow"
	"github.com/grantgenie/genie-engine/pkg/services/workflow/workflowtest"
	"github.com/grantgenie/genie-engine/pkg/testhelpers"
)

// ============================================================================
// Workflow harness
// ============================================================================

type workflowHarness struct {
	clock  *workflowtest.Clock
	runs   *workflowtest.MemoryRunRepository
	engine *workflow.Engine
	db     *testhelpers.TxCounter
}

func newWorkflowHarness(t *testing.T, start time.Time) *workflowHarness {
	t.Helper()
	clock := workflowtest.NewClock(start)
	runs := workflowtest.NewMemoryRunRepository(clock.Now)
	engine := workflow.NewEngine(runs, database.StaticScopeProvider{}, config.WorkflowConfig{
		MaxRunAttempts:   3,
		StepRetries:      0,
		StepInitialDelay: time.Millisecond,
		StepMaxDelay:     time.Millisecond,
	}, zap.NewNop())
	engine.SetClock(clock.Now)
	return &workflowHarness{clock: clock, runs: runs, engine: engine, db: &testhelpers.TxCounter{}}
}

// drive executes a run pass after pass, jumping the clock to each wake time,
// until the run reaches a terminal status.
func (h *workflowHarness) drive(t *testing.T, runID uuid.UUID) *models.WorkflowRun {
	t.Helper()
	ctx := h.db.Context(context.Background())

	for pass := 0; pass < 20; pass++ {
		status, err := h.engine.Execute(ctx, h.runs.ClaimOne(runID))
		require.NoError(t, err)

		run, err := h.runs.GetByID(ctx, runID)
		require.NoError(t, err)
		if status.IsTerminal() {
			return run
		}
		if run.WakeAt.After(h.clock.Now()) {
			h.clock.Set(run.WakeAt)
		}
	}
	t.Fatalf("run %s did not finish", runID)
	return nil
}

// ============================================================================
// Repository fakes
// ============================================================================

type fakeNotificationRepo struct {
	mu         sync.Mutex
	created    []*models.Notification
	CreateFunc func(n *models.Notification) error
}

var _ repositories.NotificationRepository = (*fakeNotificationRepo)(nil)

// Create keeps the notification only if the surrounding transaction commits.
func (r *fakeNotificationRepo) Create(ctx context.Context, n *models.Notification) error {
	if r.CreateFunc != nil {
		if err := r.CreateFunc(n); err != nil {
			return err
		}
	}
	testhelpers.AfterCommit(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		n.ID = int64(len(r.created) + 1)
		r.created = append(r.created, n)
	})
	return nil
}

func (r *fakeNotificationRepo) all() []*models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Notification(nil), r.created...)
}

type fakeComplianceRepo struct {
	items []*models.ComplianceItem
}

var _ repositories.ComplianceItemRepository = (*fakeComplianceRepo)(nil)

func (r *fakeComplianceRepo) FindUpcoming(_ context.Context, from, to time.Time) ([]*models.ComplianceItem, error) {
	var out []*models.ComplianceItem
	for _, item := range r.items {
		if item.Status == models.ComplianceStatusUpcoming && !item.DueDate.Before(from) && !item.DueDate.After(to) {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

type fakeActivityRepo struct {
	mu         sync.Mutex
	entries    []*models.ActivityLog
	CreateFunc func(e *models.ActivityLog) error
}

var _ repositories.ActivityLogRepository = (*fakeActivityRepo)(nil)

func (r *fakeActivityRepo) Create(_ context.Context, e *models.ActivityLog) error {
	if r.CreateFunc != nil {
		if err := r.CreateFunc(e); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

// fakeGrantRepo keeps grant applications in memory, keyed by ID.
type fakeGrantRepo struct {
	mu               sync.Mutex
	grants           map[int64]*models.GrantApplication
	saveCalls        int
	SaveProposalFunc func(id int64, content string) error
}

var _ repositories.GrantApplicationRepository = (*fakeGrantRepo)(nil)

func (r *fakeGrantRepo) GetByID(_ context.Context, id int64) (*models.GrantApplication, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grants[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (r *fakeGrantRepo) add(g *models.GrantApplication) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.grants == nil {
		r.grants = make(map[int64]*models.GrantApplication)
	}
	if g.ID == 0 {
		g.ID = int64(len(r.grants) + 1)
	}
	if g.Status == "" {
		g.Status = models.GrantStatusDraft
	}
	cp := *g
	r.grants[g.ID] = &cp
}

func (r *fakeGrantRepo) SaveProposal(_ context.Context, id int64, userID, content string) error {
	r.mu.Lock()
	r.saveCalls++
	r.mu.Unlock()
	if r.SaveProposalFunc != nil {
		if err := r.SaveProposalFunc(id, content); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grants[id]
	if !ok || g.UserID != userID {
		return fmt.Errorf("grant application %d: %w", id, apperrors.ErrNotFound)
	}
	g.ProposalContent = &content
	g.Status = models.GrantStatusDraft
	return nil
}

// fakeGenieSessionRepo keeps sessions in memory; the Func fields override behaviour.
type fakeGenieSessionRepo struct {
	mu         sync.Mutex
	sessions   map[int64]*models.GenieSession
	executions []*models.GenieExecution
	nextID     int64

	LockForUserFunc func(id int64, userID string) (*models.GenieSession, error)
}

var _ repositories.GenieSessionRepository = (*fakeGenieSessionRepo)(nil)

func newFakeGenieSessionRepo() *fakeGenieSessionRepo {
	return &fakeGenieSessionRepo{sessions: make(map[int64]*models.GenieSession)}
}

func (r *fakeGenieSessionRepo) Create(_ context.Context, s *models.GenieSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s.ID = r.nextID
	if s.Config == nil {
		s.Config = []byte("{}")
	}
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *fakeGenieSessionRepo) owned(id int64, userID string) *models.GenieSession {
	s, ok := r.sessions[id]
	if !ok || s.UserID != userID {
		return nil
	}
	return s
}

func (r *fakeGenieSessionRepo) GetByIDForUser(_ context.Context, id int64, userID string) (*models.GenieSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.owned(id, userID); s != nil {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (r *fakeGenieSessionRepo) List(_ context.Context, f models.GenieSessionFilter) ([]*models.GenieSession, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []*models.GenieSession
	for _, s := range r.sessions {
		if s.UserID != f.UserID {
			continue
		}
		if f.GenieType != nil && s.GenieType != *f.GenieType {
			continue
		}
		if f.Status != nil && s.Status != *f.Status {
			continue
		}
		matched = append(matched, s)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := min(f.Offset+f.Limit, total)
	return matched[f.Offset:end], total, nil
}

func (r *fakeGenieSessionRepo) LockForUser(ctx context.Context, id int64, userID string) (*models.GenieSession, error) {
	if r.LockForUserFunc != nil {
		return r.LockForUserFunc(id, userID)
	}
	return r.GetByIDForUser(ctx, id, userID)
}

func (r *fakeGenieSessionRepo) Update(_ context.Context, id int64, userID string, p *models.UpdateGenieSession) (*models.GenieSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.owned(id, userID)
	if s == nil {
		return nil, nil
	}
	if p.Name != nil {
		s.Name = *p.Name
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.InputData != nil {
		s.InputData = p.InputData
	}
	if p.OutputContent != nil {
		s.OutputContent = p.OutputContent
	}
	if p.ConversationHistory != nil {
		s.ConversationHistory = p.ConversationHistory
	}
	cp := *s
	return &cp, nil
}

func (r *fakeGenieSessionRepo) IncrementExecutionCount(_ context.Context, id int64, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return 0, apperrors.ErrNotFound
	}
	s.ExecutionCount++
	s.LastExecutedAt = &at
	return s.ExecutionCount, nil
}

func (r *fakeGenieSessionRepo) InsertExecution(_ context.Context, e *models.GenieExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = int64(len(r.executions) + 1)
	r.executions = append(r.executions, e)
	return nil
}

func (r *fakeGenieSessionRepo) ListExecutions(_ context.Context, sessionID int64) ([]*models.GenieExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.GenieExecution
	for i := len(r.executions) - 1; i >= 0; i-- {
		if r.executions[i].SessionID == sessionID {
			out = append(out, r.executions[i])
		}
	}
	return out, nil
}

func (r *fakeGenieSessionRepo) Delete(_ context.Context, id int64, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.owned(id, userID) == nil {
		return false, nil
	}
	delete(r.sessions, id)
	return true, nil
}

func (r *fakeGenieSessionRepo) Archive(_ context.Context, id int64, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.owned(id, userID)
	if s == nil {
		return false, nil
	}
	s.Status = models.GenieSessionStatusArchived
	return true, nil
}
