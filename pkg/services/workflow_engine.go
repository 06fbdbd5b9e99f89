package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/services/workflow"
)

// WorkflowEngine is the part of *workflow.Engine the domain services use.
type WorkflowEngine interface {
	Register(def workflow.Definition)
	Start(ctx context.Context, kind, instanceKey string, input any) (*models.WorkflowRun, bool, error)
	GetRun(ctx context.Context, id uuid.UUID) (*models.WorkflowRun, error)
	ListSteps(ctx context.Context, runID uuid.UUID) ([]*models.WorkflowStep, error)
}

var _ WorkflowEngine = (*workflow.Engine)(nil)
