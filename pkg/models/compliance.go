// Package models contains domain types for genie-engine.
package models

import "time"

// ComplianceStatus is the lifecycle state of a compliance item.
type ComplianceStatus string

const (
	ComplianceStatusUpcoming   ComplianceStatus = "Upcoming"
	ComplianceStatusInProgress ComplianceStatus = "InProgress"
	ComplianceStatusCompleted  ComplianceStatus = "Completed"
	ComplianceStatusOverdue    ComplianceStatus = "Overdue"
)

// ComplianceItem is a dated obligation (filing, report) owned by a user.
type ComplianceItem struct {
	ID          int64            `db:"id" json:"id"`
	UserID      string           `db:"user_id" json:"userId"`
	Requirement string           `db:"requirement" json:"requirement"`
	DueDate     time.Time        `db:"due_date" json:"dueDate"`
	Status      ComplianceStatus `db:"status" json:"status"`
	CreatedAt   time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updatedAt"`
}
