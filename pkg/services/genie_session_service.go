package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/apperrors"
	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/repositories"
)

const (
	DefaultSessionPageSize = 20
	MaxSessionPageSize     = 100
	maxSessionNameLength   = 255

	executionStatusSuccess = "success"
)

// SessionListQuery selects one page of a user's sessions.
type SessionListQuery struct {
	Page      int
	Limit     int
	GenieType string
	Status    string
}

// SessionPage is one page of sessions plus pagination metadata.
type SessionPage struct {
	Sessions   []*models.GenieSession
	Page       int
	Limit      int
	Total      int
	TotalPages int
}

// GenieSessionService manages genie sessions. Every operation is scoped to
// the calling user; a session owned by someone else is reported as not found.
type GenieSessionService interface {
	Create(ctx context.Context, userID string, req *models.CreateGenieSession) (*models.GenieSession, error)
	Get(ctx context.Context, userID string, id int64) (*models.GenieSessionWithExecutions, error)
	List(ctx context.Context, userID string, q SessionListQuery) (*SessionPage, error)
	// Update applies patch. With logExecution the execution counter is bumped
	// and an execution row recorded in the same transaction.
	Update(ctx context.Context, userID string, id int64, patch *models.UpdateGenieSession, logExecution bool) (*models.GenieSession, error)
	// Delete archives the session, or removes it when permanent is set.
	Delete(ctx context.Context, userID string, id int64, permanent bool) error
}

type genieSessionService struct {
	sessions repositories.GenieSessionRepository
	activity repositories.ActivityLogRepository
	logger   *zap.Logger
	now      func() time.Time
}

func NewGenieSessionService(
	sessions repositories.GenieSessionRepository,
	activity repositories.ActivityLogRepository,
	logger *zap.Logger,
) GenieSessionService {
	return &genieSessionService{
		sessions: sessions,
		activity: activity,
		logger:   logger.Named("genie-session-service"),
		now:      time.Now,
	}
}

var _ GenieSessionService = (*genieSessionService)(nil)

func (s *genieSessionService) Create(ctx context.Context, userID string, req *models.CreateGenieSession) (*models.GenieSession, error) {
	verr := &apperrors.ValidationError{}
	name := validateSessionName(verr, &req.Name)
	if !req.GenieType.IsValid() {
		verr.Add("genieType", "must be one of grant_writing, donor_meeting, newsletter, email_management")
	}
	validateJSONObject(verr, "config", req.Config)
	validateConversation(verr, req.ConversationHistory)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	session := &models.GenieSession{
		UserID:              userID,
		Name:                name,
		GenieType:           req.GenieType,
		Status:              models.GenieSessionStatusDraft,
		Config:              req.Config,
		InputData:           req.InputData,
		ConversationHistory: req.ConversationHistory,
		GrantApplicationID:  req.GrantApplicationID,
		DonorID:             req.DonorID,
	}

	err := database.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.sessions.Create(ctx, session); err != nil {
			return err
		}
		return s.logActivity(ctx, userID, session.ID,
			fmt.Sprintf("Created new %s session: %s", session.GenieType.Label(), session.Name),
			"Genie type: "+string(session.GenieType))
	})
	if err != nil {
		s.logger.Error("Failed to create genie session",
			zap.String("user_id", userID),
			zap.String("genie_type", string(req.GenieType)),
			zap.Error(err))
		return nil, err
	}
	return session, nil
}

func (s *genieSessionService) Get(ctx context.Context, userID string, id int64) (*models.GenieSessionWithExecutions, error) {
	session, err := s.sessions.GetByIDForUser(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, apperrors.ErrNotFound
	}

	executions, err := s.sessions.ListExecutions(ctx, id)
	if err != nil {
		return nil, err
	}
	if executions == nil {
		executions = []*models.GenieExecution{}
	}
	return &models.GenieSessionWithExecutions{GenieSession: *session, Executions: executions}, nil
}

func (s *genieSessionService) List(ctx context.Context, userID string, q SessionListQuery) (*SessionPage, error) {
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Limit == 0 {
		q.Limit = DefaultSessionPageSize
	}

	verr := &apperrors.ValidationError{}
	if q.Page < 1 {
		verr.Add("page", "must be a positive integer")
	}
	if q.Limit < 1 || q.Limit > MaxSessionPageSize {
		verr.Add("limit", "must be between 1 and %d", MaxSessionPageSize)
	}

	filter := models.GenieSessionFilter{
		UserID: userID,
		Limit:  q.Limit,
		Offset: (q.Page - 1) * q.Limit,
	}
	if q.GenieType != "" {
		t := models.GenieType(q.GenieType)
		if !t.IsValid() {
			verr.Add("genieType", "unknown genie type %q", q.GenieType)
		}
		filter.GenieType = &t
	}
	if q.Status != "" {
		st := models.GenieSessionStatus(q.Status)
		if !st.IsValid() {
			verr.Add("status", "unknown status %q", q.Status)
		}
		filter.Status = &st
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	sessions, total, err := s.sessions.List(ctx, filter)
	if err != nil {
		s.logger.Error("Failed to list genie sessions", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	if sessions == nil {
		sessions = []*models.GenieSession{}
	}

	return &SessionPage{
		Sessions:   sessions,
		Page:       q.Page,
		Limit:      q.Limit,
		Total:      total,
		TotalPages: (total + q.Limit - 1) / q.Limit,
	}, nil
}

func (s *genieSessionService) Update(ctx context.Context, userID string, id int64, patch *models.UpdateGenieSession, logExecution bool) (*models.GenieSession, error) {
	verr := &apperrors.ValidationError{}
	if patch.Name != nil {
		name := validateSessionName(verr, patch.Name)
		patch.Name = &name
	}
	if patch.Status != nil && !patch.Status.IsValid() {
		verr.Add("status", "must be one of draft, in_progress, completed, archived")
	}
	validateJSONObject(verr, "config", patch.Config)
	validateConversation(verr, patch.ConversationHistory)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	var updated *models.GenieSession
	err := database.RunInTx(ctx, func(ctx context.Context) error {
		// The row lock serialises concurrent logged saves so each one sees
		// the previous increment.
		existing, err := s.sessions.LockForUser(ctx, id, userID)
		if err != nil {
			return err
		}
		if existing == nil {
			return apperrors.ErrNotFound
		}

		if logExecution {
			now := s.now()
			number, err := s.sessions.IncrementExecutionCount(ctx, id, now)
			if err != nil {
				return err
			}

			input := existing.InputData
			if patch.InputData != nil {
				input = patch.InputData
			}
			output := existing.OutputContent
			if patch.OutputContent != nil && *patch.OutputContent != "" {
				output = patch.OutputContent
			}

			if err := s.sessions.InsertExecution(ctx, &models.GenieExecution{
				SessionID:       id,
				ExecutionNumber: number,
				InputSnapshot:   input,
				OutputSnapshot:  output,
				Status:          executionStatusSuccess,
				StartedAt:       now,
				CompletedAt:     &now,
			}); err != nil {
				return err
			}
		}

		updated, err = s.sessions.Update(ctx, id, userID, patch)
		if err != nil {
			return err
		}
		if updated == nil {
			return apperrors.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Genie session updated",
		zap.Int64("session_id", id),
		zap.Bool("log_execution", logExecution),
		zap.Int("execution_count", updated.ExecutionCount))
	return updated, nil
}

func (s *genieSessionService) Delete(ctx context.Context, userID string, id int64, permanent bool) error {
	return database.RunInTx(ctx, func(ctx context.Context) error {
		existing, err := s.sessions.LockForUser(ctx, id, userID)
		if err != nil {
			return err
		}
		if existing == nil {
			return apperrors.ErrNotFound
		}

		verb, details := "Archived", "Archived"
		if permanent {
			verb, details = "Permanently deleted", "Permanently deleted"
			_, err = s.sessions.Delete(ctx, id, userID)
		} else {
			_, err = s.sessions.Archive(ctx, id, userID)
		}
		if err != nil {
			return err
		}

		return s.logActivity(ctx, userID, id,
			fmt.Sprintf("%s %s session: %s", verb, existing.GenieType.Label(), existing.Name),
			details)
	})
}

func (s *genieSessionService) logActivity(ctx context.Context, userID string, sessionID int64, action, details string) error {
	return s.activity.Create(ctx, &models.ActivityLog{
		UserID:     userID,
		Action:     action,
		EntityType: models.EntityTypeGenieSession,
		EntityID:   &sessionID,
		Details:    &details,
	})
}

// validateSessionName trims name and records an issue if it is empty or too long.
func validateSessionName(verr *apperrors.ValidationError, name *string) string {
	trimmed := strings.TrimSpace(*name)
	switch {
	case trimmed == "":
		verr.Add("name", "is required")
	case len([]rune(trimmed)) > maxSessionNameLength:
		verr.Add("name", "must be at most %d characters", maxSessionNameLength)
	}
	return trimmed
}

func validateJSONObject(verr *apperrors.ValidationError, field string, raw json.RawMessage) {
	if raw == nil {
		return
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		verr.Add(field, "must be a JSON object")
	}
}

// validateConversation checks that history is a list of {role, content, timestamp} turns.
func validateConversation(verr *apperrors.ValidationError, raw json.RawMessage) {
	if raw == nil {
		return
	}
	var turns []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &turns); err != nil {
		verr.Add("conversationHistory", "must be an array of messages")
		return
	}
	for i, turn := range turns {
		if turn.Role == "" {
			verr.Add("conversationHistory", "message %d is missing a role", i)
		}
	}
}
