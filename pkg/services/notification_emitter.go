package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/repositories"
)

const (
	reminderTitle      = "Compliance Deadline Approaching"
	proposalReadyTitle = "Grant Proposal Generated"
)

// EmitResult is returned for every compliance reminder written.
type EmitResult struct {
	Success bool  `json:"success"`
	ItemID  int64 `json:"itemId"`
}

// NotificationEmitter writes user-facing notifications.
// Callers are responsible for not invoking it twice for one logical reminder;
// the workflow layer does this by checkpointing each emission.
type NotificationEmitter interface {
	EmitComplianceReminder(ctx context.Context, userID, requirement string, dueDate time.Time, itemID int64) (*EmitResult, error)
	EmitProposalReady(ctx context.Context, userID, grantTitle string) error
}

type notificationEmitter struct {
	repo   repositories.NotificationRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewNotificationEmitter(repo repositories.NotificationRepository, logger *zap.Logger) NotificationEmitter {
	return &notificationEmitter{
		repo:   repo,
		logger: logger.Named("notification-emitter"),
		now:    time.Now,
	}
}

var _ NotificationEmitter = (*notificationEmitter)(nil)

func (e *notificationEmitter) EmitComplianceReminder(ctx context.Context, userID, requirement string, dueDate time.Time, itemID int64) (*EmitResult, error) {
	days := DaysUntilDue(dueDate, e.now())
	actionURL := ComplianceItemURL(itemID)

	n := &models.Notification{
		UserID:    userID,
		Type:      models.NotificationTypeReminder,
		Title:     reminderTitle,
		Message:   ReminderMessage(requirement, days),
		ActionURL: &actionURL,
	}
	if err := e.repo.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("create reminder notification: %w", err)
	}

	e.logger.Info("Compliance reminder emitted",
		zap.String("user_id", userID),
		zap.Int64("item_id", itemID),
		zap.Int("days_until_due", days))

	return &EmitResult{Success: true, ItemID: itemID}, nil
}

func (e *notificationEmitter) EmitProposalReady(ctx context.Context, userID, grantTitle string) error {
	n := &models.Notification{
		UserID:  userID,
		Type:    models.NotificationTypeSystem,
		Title:   proposalReadyTitle,
		Message: fmt.Sprintf("Your grant proposal \"%s\" has been generated successfully.", grantTitle),
	}
	if err := e.repo.Create(ctx, n); err != nil {
		return fmt.Errorf("create proposal notification: %w", err)
	}
	return nil
}

// DaysUntilDue rounds the time left up to whole days, so 2.1 days reads as 3.
// Past due dates yield zero or negative values.
func DaysUntilDue(dueDate, now time.Time) int {
	return int(math.Ceil(dueDate.Sub(now).Hours() / 24))
}

// ReminderMessage renders the reminder body, e.g. `"Form 990" is due in 5 days.`
func ReminderMessage(requirement string, days int) string {
	unit := "day"
	if days != 1 {
		unit = inflection.Plural(unit)
	}
	return fmt.Sprintf("\"%s\" is due in %d %s. Don't forget to complete it!", requirement, days, unit)
}

// ComplianceItemURL deep links to an item in the compliance tracker.
func ComplianceItemURL(itemID int64) string {
	return fmt.Sprintf("/compliance-tracker?highlight=%d", itemID)
}
