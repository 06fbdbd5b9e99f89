package models

import (
	"encoding/json"
	"strings"
	"time"
)

// GenieType identifies which AI assistant a session belongs to.
type GenieType string

const (
	GenieTypeGrantWriting    GenieType = "grant_writing"
	GenieTypeDonorMeeting    GenieType = "donor_meeting"
	GenieTypeNewsletter      GenieType = "newsletter"
	GenieTypeEmailManagement GenieType = "email_management"
)

// ValidGenieTypes contains all valid genie type values.
var ValidGenieTypes = []GenieType{
	GenieTypeGrantWriting,
	GenieTypeDonorMeeting,
	GenieTypeNewsletter,
	GenieTypeEmailManagement,
}

// IsValid reports whether t is a known genie type.
func (t GenieType) IsValid() bool {
	for _, v := range ValidGenieTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Label is the human form used in activity messages ("grant writing").
// Only the first underscore is replaced.
func (t GenieType) Label() string {
	return strings.Replace(string(t), "_", " ", 1)
}

// GenieSessionStatus is the lifecycle state of a genie session.
type GenieSessionStatus string

const (
	GenieSessionStatusDraft      GenieSessionStatus = "draft"
	GenieSessionStatusInProgress GenieSessionStatus = "in_progress"
	GenieSessionStatusCompleted  GenieSessionStatus = "completed"
	GenieSessionStatusArchived   GenieSessionStatus = "archived"
)

// IsValid reports whether s is a known session status.
func (s GenieSessionStatus) IsValid() bool {
	switch s {
	case GenieSessionStatusDraft, GenieSessionStatusInProgress,
		GenieSessionStatusCompleted, GenieSessionStatusArchived:
		return true
	}
	return false
}

// GenieSession is a persisted assistant workspace.
type GenieSession struct {
	ID                  int64              `db:"id" json:"id"`
	UserID              string             `db:"user_id" json:"userId"`
	Name                string             `db:"name" json:"name"`
	GenieType           GenieType          `db:"genie_type" json:"genieType"`
	Status              GenieSessionStatus `db:"status" json:"status"`
	Config              json.RawMessage    `db:"config" json:"config"`
	InputData           json.RawMessage    `db:"input_data" json:"inputData"`
	OutputContent       *string            `db:"output_content" json:"outputContent"`
	OutputMetadata      json.RawMessage    `db:"output_metadata" json:"outputMetadata"`
	ConversationHistory json.RawMessage    `db:"conversation_history" json:"conversationHistory"`
	GrantApplicationID  *int64             `db:"grant_application_id" json:"grantApplicationId"`
	DonorID             *int64             `db:"donor_id" json:"donorId"`
	ExecutionCount      int                `db:"execution_count" json:"executionCount"`
	LastExecutedAt      *time.Time         `db:"last_executed_at" json:"lastExecutedAt"`
	CreatedAt           time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time          `db:"updated_at" json:"updatedAt"`
}

// GenieExecution records one logged run of a session.
type GenieExecution struct {
	ID              int64           `db:"id" json:"id"`
	SessionID       int64           `db:"session_id" json:"sessionId"`
	ExecutionNumber int             `db:"execution_number" json:"executionNumber"`
	InputSnapshot   json.RawMessage `db:"input_snapshot" json:"inputSnapshot"`
	OutputSnapshot  *string         `db:"output_snapshot" json:"outputSnapshot"`
	Status          string          `db:"status" json:"status"`
	StartedAt       time.Time       `db:"started_at" json:"startedAt"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completedAt"`
}

// GenieSessionWithExecutions is the detail view of a session.
type GenieSessionWithExecutions struct {
	GenieSession
	Executions []*GenieExecution `json:"executions"`
}

// CreateGenieSession is the payload for creating a session.
type CreateGenieSession struct {
	Name                string          `json:"name"`
	GenieType           GenieType       `json:"genieType"`
	Config              json.RawMessage `json:"config,omitempty"`
	InputData           json.RawMessage `json:"inputData,omitempty"`
	GrantApplicationID  *int64          `json:"grantApplicationId,omitempty"`
	DonorID             *int64          `json:"donorId,omitempty"`
	ConversationHistory json.RawMessage `json:"conversationHistory,omitempty"`
}

// UpdateGenieSession is a partial update. Nil fields are left unchanged.
type UpdateGenieSession struct {
	Name                *string             `json:"name,omitempty"`
	Status              *GenieSessionStatus `json:"status,omitempty"`
	Config              json.RawMessage     `json:"config,omitempty"`
	InputData           json.RawMessage     `json:"inputData,omitempty"`
	OutputContent       *string             `json:"outputContent,omitempty"`
	OutputMetadata      json.RawMessage     `json:"outputMetadata,omitempty"`
	ConversationHistory json.RawMessage     `json:"conversationHistory,omitempty"`
	GrantApplicationID  *int64              `json:"grantApplicationId,omitempty"`
	DonorID             *int64              `json:"donorId,omitempty"`
}

// IsEmpty reports whether the update changes nothing.
func (u *UpdateGenieSession) IsEmpty() bool {
	return u.Name == nil && u.Status == nil && u.Config == nil && u.InputData == nil &&
		u.OutputContent == nil && u.OutputMetadata == nil && u.ConversationHistory == nil &&
		u.GrantApplicationID == nil && u.DonorID == nil
}

// GenieSessionFilter narrows a session listing.
type GenieSessionFilter struct {
	UserID    string
	GenieType *GenieType
	Status    *GenieSessionStatus
	Limit     int
	Offset    int
}
