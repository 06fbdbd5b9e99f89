package repositories

import (
	"context"
	"fmt"

	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
)

// ActivityLogRepository provides data access for the user activity trail.
type ActivityLogRepository interface {
	// Create inserts a new activity log entry.
	Create(ctx context.Context, entry *models.ActivityLog) error
}

type activityLogRepository struct{}

// NewActivityLogRepository creates a new ActivityLogRepository.
func NewActivityLogRepository() ActivityLogRepository {
	return &activityLogRepository{}
}

var _ ActivityLogRepository = (*activityLogRepository)(nil)

func (r *activityLogRepository) Create(ctx context.Context, entry *models.ActivityLog) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return database.ErrNoScope
	}

	err := scope.Conn.QueryRow(ctx, `
		INSERT INTO activity_log (user_id, action, entity_type, entity_id, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		entry.UserID, entry.Action, entry.EntityType, entry.EntityID, entry.Details,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create activity log entry: %w", err)
	}
	return nil
}
