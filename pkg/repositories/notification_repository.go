package repositories

import (
	"context"
	"fmt"

	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
)

// NotificationRepository provides data access for user notifications.
// Notifications are append-only from the engine's perspective.
type NotificationRepository interface {
	Create(ctx context.Context, n *models.Notification) error
}

type notificationRepository struct{}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository() NotificationRepository {
	return &notificationRepository{}
}

var _ NotificationRepository = (*notificationRepository)(nil)

func (r *notificationRepository) Create(ctx context.Context, n *models.Notification) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return database.ErrNoScope
	}

	err := scope.Conn.QueryRow(ctx, `
		INSERT INTO notifications (user_id, type, title, message, read, action_url)
		VALUES ($1, $2, $3, $4, false, $5)
		RETURNING id, created_at`,
		n.UserID, n.Type, n.Title, n.Message, n.ActionURL,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	n.Read = false
	return nil
}
