package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkflowRunStatus is the persisted state of a durable workflow run.
type WorkflowRunStatus string

const (
	WorkflowRunPending   WorkflowRunStatus = "pending"
	WorkflowRunRunning   WorkflowRunStatus = "running"
	WorkflowRunSleeping  WorkflowRunStatus = "sleeping"
	WorkflowRunCompleted WorkflowRunStatus = "completed"
	WorkflowRunDegraded  WorkflowRunStatus = "degraded" // completed, but a non-fatal side effect failed
	WorkflowRunFailed    WorkflowRunStatus = "failed"
)

// IsTerminal returns true if the run will not execute again.
func (s WorkflowRunStatus) IsTerminal() bool {
	return s == WorkflowRunCompleted || s == WorkflowRunDegraded || s == WorkflowRunFailed
}

// WorkflowRun is one instance of a registered workflow definition.
// (Kind, InstanceKey) is unique; starting the same pair twice yields the same run.
type WorkflowRun struct {
	ID            uuid.UUID         `db:"id" json:"id"`
	Kind          string            `db:"kind" json:"kind"`
	InstanceKey   string            `db:"instance_key" json:"instanceKey"`
	Input         json.RawMessage   `db:"input" json:"input"`
	Status        WorkflowRunStatus `db:"status" json:"status"`
	Result        json.RawMessage   `db:"result" json:"result,omitempty"`
	ErrorMessage  *string           `db:"error_message" json:"errorMessage,omitempty"`
	Attempts      int               `db:"attempts" json:"attempts"`
	WakeAt        time.Time         `db:"wake_at" json:"wakeAt"`
	OwnerID       *uuid.UUID        `db:"owner_id" json:"-"`
	LastHeartbeat *time.Time        `db:"last_heartbeat" json:"-"`
	StartedAt     time.Time         `db:"started_at" json:"startedAt"`
	CompletedAt   *time.Time        `db:"completed_at" json:"completedAt,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time         `db:"updated_at" json:"updatedAt"`
}

// WorkflowStepStatus is the outcome recorded for a step checkpoint.
type WorkflowStepStatus string

const (
	WorkflowStepCompleted WorkflowStepStatus = "completed"
	WorkflowStepFailed    WorkflowStepStatus = "failed"
)

// WorkflowStep is the checkpoint of one named step within a run.
type WorkflowStep struct {
	RunID        uuid.UUID          `db:"run_id" json:"runId"`
	StepKey      string             `db:"step_key" json:"stepKey"`
	Status       WorkflowStepStatus `db:"status" json:"status"`
	Output       json.RawMessage    `db:"output" json:"output,omitempty"`
	Attempts     int                `db:"attempts" json:"attempts"`
	ErrorMessage *string            `db:"error_message" json:"errorMessage,omitempty"`
	CompletedAt  *time.Time         `db:"completed_at" json:"completedAt,omitempty"`
}

// WorkflowStepSummary is a step checkpoint without its output.
type WorkflowStepSummary struct {
	StepKey      string             `json:"stepKey"`
	Status       WorkflowStepStatus `json:"status"`
	Attempts     int                `json:"attempts"`
	ErrorMessage *string            `json:"errorMessage,omitempty"`
	CompletedAt  *time.Time         `json:"completedAt,omitempty"`
}

// WorkflowRunWithSteps is a run together with the step checkpoints recorded so far.
type WorkflowRunWithSteps struct {
	WorkflowRun
	Steps []*WorkflowStepSummary `json:"steps"`
}
