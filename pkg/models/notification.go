package models

import "time"

// NotificationType categorises an in-app notification.
type NotificationType string

const (
	NotificationTypeReminder NotificationType = "reminder"
	NotificationTypeSystem   NotificationType = "system"
	NotificationTypeCritical NotificationType = "critical"
	NotificationTypeUpdate   NotificationType = "update"
)

// Notification is a message shown to a user in the app.
type Notification struct {
	ID        int64            `db:"id" json:"id"`
	UserID    string           `db:"user_id" json:"userId"`
	Type      NotificationType `db:"type" json:"type"`
	Title     string           `db:"title" json:"title"`
	Message   string           `db:"message" json:"message"`
	Read      bool             `db:"read" json:"read"`
	ActionURL *string          `db:"action_url" json:"actionUrl,omitempty"`
	CreatedAt time.Time        `db:"created_at" json:"createdAt"`
}
