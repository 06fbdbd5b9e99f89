package models

import "time"

// Entity types recorded in the activity log.
const (
	EntityTypeGrant        = "grant"
	EntityTypeGenieSession = "genie_session"
)

// ActivityLog is one entry of a user's audit trail.
type ActivityLog struct {
	ID         int64     `db:"id" json:"id"`
	UserID     string    `db:"user_id" json:"userId"`
	Action     string    `db:"action" json:"action"`
	EntityType string    `db:"entity_type" json:"entityType"`
	EntityID   *int64    `db:"entity_id" json:"entityId,omitempty"`
	Details    *string   `db:"details" json:"details,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}
