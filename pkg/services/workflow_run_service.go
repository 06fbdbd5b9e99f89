package services

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/grantgenie/genie-engine/pkg/apperrors"
	"github.com/grantgenie/genie-engine/pkg/models"
)

// WorkflowRunService exposes run status to the users who started the runs.
type WorkflowRunService interface {
	// GetRun returns the run and its step checkpoints if the run's input names
	// userID; otherwise ErrNotFound. Scheduled runs carry no user and are
	// visible to nobody here.
	GetRun(ctx context.Context, userID string, id uuid.UUID) (*models.WorkflowRunWithSteps, error)
}

type workflowRunService struct {
	engine WorkflowEngine
}

func NewWorkflowRunService(engine WorkflowEngine) WorkflowRunService {
	return &workflowRunService{engine: engine}
}

var _ WorkflowRunService = (*workflowRunService)(nil)

func (s *workflowRunService) GetRun(ctx context.Context, userID string, id uuid.UUID) (*models.WorkflowRunWithSteps, error) {
	run, err := s.engine.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apperrors.ErrNotFound
	}

	if !RunStartedBy(run, userID) {
		return nil, apperrors.ErrNotFound
	}

	steps, err := s.engine.ListSteps(ctx, id)
	if err != nil {
		return nil, err
	}

	out := &models.WorkflowRunWithSteps{WorkflowRun: *run, Steps: make([]*models.WorkflowStepSummary, 0, len(steps))}
	for _, step := range steps {
		out.Steps = append(out.Steps, &models.WorkflowStepSummary{
			StepKey:      step.StepKey,
			Status:       step.Status,
			Attempts:     step.Attempts,
			ErrorMessage: step.ErrorMessage,
			CompletedAt:  step.CompletedAt,
		})
	}
	return out, nil
}

// RunStartedBy reports whether run's input names userID as the user who
// started it. Only such runs are visible through GetRun.
func RunStartedBy(run *models.WorkflowRun, userID string) bool {
	var owner struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(run.Input, &owner); err != nil {
		return false
	}
	return owner.UserID != "" && owner.UserID == userID
}
