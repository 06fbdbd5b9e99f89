package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/config"
	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/repositories"
	"github.com/grantgenie/genie-engine/pkg/services/workflow"
)

// Workflow kinds owned by the reminder service.
const (
	WorkflowDailyComplianceCheck = "daily-compliance-check"
	WorkflowItemReminder         = "item-reminder"
)

// reminderThresholds are the days-before-due marks of an item reminder, largest first.
var reminderThresholds = []int{7, 3, 1}

const oneDay = 24 * time.Hour

// DailyCheckInput is the workflow input of a daily compliance check.
type DailyCheckInput struct {
	// UserID is the user who triggered the check manually; empty for scheduled runs.
	UserID string `json:"userId,omitempty"`
}

// DailyCheckResult is the workflow result of a daily compliance check.
type DailyCheckResult struct {
	Success      bool          `json:"success"`
	RemindersSet int           `json:"remindersSet"`
	Items        []*EmitResult `json:"items"`
}

// ItemReminderInput is the workflow input of an item reminder.
type ItemReminderInput struct {
	UserID          string    `json:"userId"`
	ItemID          int64     `json:"itemId"`
	ItemRequirement string    `json:"itemRequirement"`
	DueDate         time.Time `json:"dueDate"`
}

// ItemReminderResult is the workflow result of an item reminder.
// RemindersSent is true even when every threshold had already passed.
type ItemReminderResult struct {
	Success       bool  `json:"success"`
	ItemID        int64 `json:"itemId"`
	RemindersSent bool  `json:"remindersSent"`
	Emitted       int   `json:"emitted"`
}

// ReminderService schedules compliance deadline reminders.
type ReminderService interface {
	// FindUpcomingDeadlines returns Upcoming items due within daysAhead days from now.
	FindUpcomingDeadlines(ctx context.Context, daysAhead int) ([]*models.ComplianceItem, error)
	// StartDailyCheck starts the check for the UTC calendar day of at.
	// A second start on the same day returns the existing run.
	StartDailyCheck(ctx context.Context, at time.Time, userID string) (*models.WorkflowRun, error)
	// StartItemReminder starts the 7/3/1-day reminder schedule for one item.
	// Starting it again for the same item and due date returns the existing run.
	StartItemReminder(ctx context.Context, in ItemReminderInput) (*models.WorkflowRun, error)
	// RunScheduler triggers the daily check at the configured UTC hour until ctx ends.
	RunScheduler(ctx context.Context) error
}

type reminderService struct {
	items   repositories.ComplianceItemRepository
	emitter NotificationEmitter
	engine  WorkflowEngine
	cfg     config.RemindersConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewReminderService creates the service and registers its workflows on engine.
func NewReminderService(
	items repositories.ComplianceItemRepository,
	emitter NotificationEmitter,
	engine WorkflowEngine,
	cfg config.RemindersConfig,
	logger *zap.Logger,
) ReminderService {
	s := &reminderService{
		items:   items,
		emitter: emitter,
		engine:  engine,
		cfg:     cfg,
		logger:  logger.Named("reminder-service"),
		now:     time.Now,
	}
	engine.Register(workflow.Definition{Kind: WorkflowDailyComplianceCheck, Run: s.dailyCheck})
	engine.Register(workflow.Definition{Kind: WorkflowItemReminder, Run: s.itemReminder})
	return s
}

var _ ReminderService = (*reminderService)(nil)

func (s *reminderService) FindUpcomingDeadlines(ctx context.Context, daysAhead int) ([]*models.ComplianceItem, error) {
	return s.findUpcoming(ctx, s.now(), daysAhead)
}

func (s *reminderService) findUpcoming(ctx context.Context, now time.Time, daysAhead int) ([]*models.ComplianceItem, error) {
	items, err := s.items.FindUpcoming(ctx, now, now.Add(time.Duration(daysAhead)*oneDay))
	if err != nil {
		return nil, fmt.Errorf("find upcoming deadlines: %w", err)
	}
	return items, nil
}

func (s *reminderService) StartDailyCheck(ctx context.Context, at time.Time, userID string) (*models.WorkflowRun, error) {
	key := at.UTC().Format(time.DateOnly)
	run, _, err := s.engine.Start(ctx, WorkflowDailyComplianceCheck, key, DailyCheckInput{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("start daily compliance check: %w", err)
	}
	return run, nil
}

func (s *reminderService) StartItemReminder(ctx context.Context, in ItemReminderInput) (*models.WorkflowRun, error) {
	key := fmt.Sprintf("%d:%s", in.ItemID, in.DueDate.UTC().Format(time.RFC3339))
	run, _, err := s.engine.Start(ctx, WorkflowItemReminder, key, in)
	if err != nil {
		return nil, fmt.Errorf("start item reminder: %w", err)
	}
	return run, nil
}

// dailyCheck emits one reminder per upcoming item. Each emission is its own
// checkpointed step, so one failing item neither blocks the others nor causes
// duplicates when the run is retried.
func (s *reminderService) dailyCheck(wctx *workflow.Context, _ json.RawMessage) (any, error) {
	var items []*models.ComplianceItem
	err := wctx.Step("find-upcoming", func(ctx context.Context) (any, error) {
		return s.findUpcoming(ctx, wctx.Now(), s.cfg.DaysAhead)
	}, &items)
	if err != nil {
		return nil, err
	}

	result := &DailyCheckResult{Success: true, Items: []*EmitResult{}}
	var failures []error

	for _, item := range items {
		var emitted EmitResult
		err := wctx.StepTx(fmt.Sprintf("emit-%d", item.ID), func(ctx context.Context) (any, error) {
			return s.emitter.EmitComplianceReminder(ctx, item.UserID, item.Requirement, item.DueDate, item.ID)
		}, &emitted)
		if errors.Is(err, repositories.ErrLeaseLost) {
			return nil, err
		}
		if err != nil {
			wctx.Logger().Warn("Reminder emission failed, continuing with remaining items",
				zap.Int64("item_id", item.ID),
				zap.Error(err))
			failures = append(failures, err)
			continue
		}
		result.Items = append(result.Items, &emitted)
	}

	if len(failures) > 0 {
		return nil, fmt.Errorf("%d of %d reminders failed: %w", len(failures), len(items), errors.Join(failures...))
	}

	result.RemindersSet = len(result.Items)
	return result, nil
}

// itemReminder sleeps until each threshold and emits a reminder there.
// Thresholds are chosen from the time left when the run started, so a replay
// makes the same choices. If the item was already past due nothing is emitted.
func (s *reminderService) itemReminder(wctx *workflow.Context, raw json.RawMessage) (any, error) {
	var in ItemReminderInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, workflow.Permanent(fmt.Errorf("decode item reminder input: %w", err))
	}

	untilDue := in.DueDate.Sub(wctx.StartedAt())
	emitted := 0

	for _, days := range reminderThresholds {
		if untilDue <= time.Duration(days)*oneDay {
			continue
		}

		if err := wctx.SleepUntil(fmt.Sprintf("wait-%dd", days), in.DueDate.Add(-time.Duration(days)*oneDay)); err != nil {
			return nil, err
		}

		err := wctx.StepTx(fmt.Sprintf("remind-%dd", days), func(ctx context.Context) (any, error) {
			return s.emitter.EmitComplianceReminder(ctx, in.UserID, in.ItemRequirement, in.DueDate, in.ItemID)
		}, nil)
		if err != nil {
			return nil, err
		}
		emitted++
	}

	return &ItemReminderResult{
		Success:       true,
		ItemID:        in.ItemID,
		RemindersSent: true,
		Emitted:       emitted,
	}, nil
}

func (s *reminderService) RunScheduler(ctx context.Context) error {
	if !s.cfg.SchedulerEnabled {
		s.logger.Info("Daily compliance scheduler disabled")
		return nil
	}

	// Catch up if the process starts after today's check time.
	now := s.now()
	if now.UTC().Hour() >= s.cfg.DailyCheckHourUTC {
		s.triggerDailyCheck(ctx, now)
	}

	for {
		next := NextDailyCheck(s.now(), s.cfg.DailyCheckHourUTC)
		s.logger.Debug("Next daily compliance check scheduled", zap.Time("at", next))

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			s.triggerDailyCheck(ctx, s.now())
		}
	}
}

func (s *reminderService) triggerDailyCheck(ctx context.Context, at time.Time) {
	run, err := s.StartDailyCheck(ctx, at, "")
	if err != nil {
		s.logger.Error("Failed to start scheduled daily compliance check", zap.Error(err))
		return
	}
	s.logger.Info("Scheduled daily compliance check",
		zap.String("run_id", run.ID.String()),
		zap.String("status", string(run.Status)))
}

// NextDailyCheck returns the first instant strictly after now at hour:00 UTC.
func NextDailyCheck(now time.Time, hour int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(oneDay)
	}
	return next
}
