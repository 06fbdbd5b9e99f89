package tools

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/apperrors"
	"github.com/grantgenie/genie-engine/pkg/auth"
	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/services"
)

const (
	defaultDaysAhead = 7
	maxDaysAhead     = 90
)

// WorkflowToolDeps contains dependencies for the compliance and proposal tools.
type WorkflowToolDeps struct {
	Scopes    database.ScopeProvider
	Reminders services.ReminderService
	Proposals services.ProposalService
	Runs      services.WorkflowRunService
	Logger    *zap.Logger
}

// RegisterWorkflowTools registers the deadline, reminder, proposal and run tools.
func RegisterWorkflowTools(s *server.MCPServer, deps *WorkflowToolDeps) {
	registerListUpcomingDeadlinesTool(s, deps)
	registerScheduleItemReminderTool(s, deps)
	registerGenerateGrantProposalTool(s, deps)
	registerGetWorkflowRunTool(s, deps)
}

var errAuthRequired = errors.New("authentication required")

func callerID(ctx context.Context) (string, error) {
	userID := auth.GetUserIDFromContext(ctx)
	if userID == "" {
		return "", errAuthRequired
	}
	return userID, nil
}

type deadlineResponse struct {
	ID          int64     `json:"id"`
	Requirement string    `json:"requirement"`
	DueDate     time.Time `json:"dueDate"`
	DaysLeft    int       `json:"daysLeft"`
}

func registerListUpcomingDeadlinesTool(s *server.MCPServer, deps *WorkflowToolDeps) {
	tool := mcp.NewTool(
		"list_upcoming_deadlines",
		mcp.WithDescription(
			"List the caller's upcoming compliance items due within the next days_ahead days. "+
				"Use schedule_item_reminder to set reminders for one of them.",
		),
		mcp.WithNumber(
			"days_ahead",
			mcp.Description(fmt.Sprintf("Window in days (default: %d, max: %d)", defaultDaysAhead, maxDaysAhead)),
		),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := callerID(ctx)
		if err != nil {
			return nil, err
		}

		days := defaultDaysAhead
		if v, ok := getOptionalFloat(req, "days_ahead"); ok {
			if v < 1 || v > maxDaysAhead {
				return NewErrorResult("invalid_arguments", fmt.Sprintf("days_ahead must be between 1 and %d", maxDaysAhead)), nil
			}
			days = int(v)
		}

		scopedCtx, cleanup, err := deps.Scopes.WithUserScope(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire database connection: %w", err)
		}
		defer cleanup()

		items, err := deps.Reminders.FindUpcomingDeadlines(scopedCtx, days)
		if err != nil {
			deps.Logger.Error("Failed to list upcoming deadlines", zap.String("user_id", userID), zap.Error(err))
			return nil, err
		}

		now := time.Now()
		out := make([]deadlineResponse, 0, len(items))
		for _, item := range items {
			out = append(out, deadlineResponse{
				ID:          item.ID,
				Requirement: item.Requirement,
				DueDate:     item.DueDate,
				DaysLeft:    int(item.DueDate.Sub(now).Hours() / 24),
			})
		}
		return jsonResult(struct {
			Deadlines []deadlineResponse `json:"deadlines"`
			Count     int                `json:"count"`
		}{out, len(out)})
	})
}

// startedResponse omits runId when the caller joined a run someone else started.
type startedResponse struct {
	RunID  *uuid.UUID               `json:"runId,omitempty"`
	Status models.WorkflowRunStatus `json:"status"`
}

func newStartedResponse(run *models.WorkflowRun, userID string) startedResponse {
	resp := startedResponse{Status: run.Status}
	if services.RunStartedBy(run, userID) {
		resp.RunID = &run.ID
	}
	return resp
}

func registerScheduleItemReminderTool(s *server.MCPServer, deps *WorkflowToolDeps) {
	tool := mcp.NewTool(
		"schedule_item_reminder",
		mcp.WithDescription(
			"Schedule 7-day, 3-day and 1-day reminders for a compliance item. "+
				"Scheduling the same item and due date twice returns the existing run.",
		),
		mcp.WithNumber("item_id", mcp.Required(), mcp.Description("Compliance item ID")),
		mcp.WithString("item_requirement", mcp.Required(), mcp.Description("Requirement text shown in reminders (max 500 characters)")),
		mcp.WithString("due_date", mcp.Required(), mcp.Description("Due date as an RFC 3339 timestamp")),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := callerID(ctx)
		if err != nil {
			return nil, err
		}

		verr := &apperrors.ValidationError{}
		itemID, ok := requirePositiveInt(req, "item_id")
		if !ok {
			verr.Add("item_id", "must be a positive integer")
		}
		requirement := getOptionalString(req, "item_requirement")
		checkLength(verr, "item_requirement", requirement, 500)
		dueDate, err := time.Parse(time.RFC3339, getOptionalString(req, "due_date"))
		if err != nil {
			verr.Add("due_date", "must be an RFC 3339 datetime")
		}
		if err := verr.OrNil(); err != nil {
			result, _ := serviceErrorResult(err)
			return result, nil
		}

		run, err := deps.Reminders.StartItemReminder(ctx, services.ItemReminderInput{
			UserID:          userID,
			ItemID:          itemID,
			ItemRequirement: requirement,
			DueDate:         dueDate.UTC(),
		})
		if err != nil {
			deps.Logger.Error("Failed to schedule item reminder", zap.Int64("item_id", itemID), zap.Error(err))
			return nil, err
		}
		return jsonResult(newStartedResponse(run, userID))
	})
}

func registerGenerateGrantProposalTool(s *server.MCPServer, deps *WorkflowToolDeps) {
	tool := mcp.NewTool(
		"generate_grant_proposal",
		mcp.WithDescription(
			"Generate a grant proposal draft for a grant application and save it. "+
				"Returns a run ID; poll get_workflow_run until the status is completed.",
		),
		mcp.WithNumber("grant_id", mcp.Required(), mcp.Description("Grant application ID")),
		mcp.WithString("project_name", mcp.Required(), mcp.Description("Project name (max 500 characters)")),
		mcp.WithString("funder_name", mcp.Required(), mcp.Description("Funder name (max 300 characters)")),
		mcp.WithString("funding_amount", mcp.Description("Requested amount, free text")),
		mcp.WithString("deadline", mcp.Description("Application deadline, free text")),
		mcp.WithString("rfp_text", mcp.Description("Text of the request for proposals")),
		mcp.WithString("teaching_materials", mcp.Description("Organization background or sample proposals")),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(false),
		mcp.WithOpenWorldHintAnnotation(true),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := callerID(ctx)
		if err != nil {
			return nil, err
		}

		verr := &apperrors.ValidationError{}
		grantID, ok := requirePositiveInt(req, "grant_id")
		if !ok {
			verr.Add("grant_id", "must be a positive integer")
		}
		projectName := getOptionalString(req, "project_name")
		checkLength(verr, "project_name", projectName, 500)
		funderName := getOptionalString(req, "funder_name")
		checkLength(verr, "funder_name", funderName, 300)
		if err := verr.OrNil(); err != nil {
			result, _ := serviceErrorResult(err)
			return result, nil
		}

		run, err := deps.Proposals.StartGeneration(ctx, services.GrantGenerationInput{
			GrantID:           grantID,
			UserID:            userID,
			ProjectName:       projectName,
			FunderName:        funderName,
			FundingAmount:     getOptionalString(req, "funding_amount"),
			Deadline:          getOptionalString(req, "deadline"),
			RFPText:           getOptionalString(req, "rfp_text"),
			TeachingMaterials: getOptionalString(req, "teaching_materials"),
		})
		if err != nil {
			if result, ok := serviceErrorResult(err); ok {
				return result, nil
			}
			deps.Logger.Error("Failed to start grant generation", zap.Int64("grant_id", grantID), zap.Error(err))
			return nil, err
		}
		return jsonResult(newStartedResponse(run, userID))
	})
}

func registerGetWorkflowRunTool(s *server.MCPServer, deps *WorkflowToolDeps) {
	tool := mcp.NewTool(
		"get_workflow_run",
		mcp.WithDescription("Get the status and result of a workflow run started by the caller."),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("Run ID returned when the workflow was started")),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithIdempotentHintAnnotation(true),
		mcp.WithOpenWorldHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := callerID(ctx)
		if err != nil {
			return nil, err
		}

		runIDStr, err := req.RequireString("run_id")
		if err != nil {
			return nil, err
		}
		runID, err := uuid.Parse(runIDStr)
		if err != nil {
			return NewErrorResult("invalid_arguments", "run_id must be a UUID"), nil
		}

		run, err := deps.Runs.GetRun(ctx, userID, runID)
		if err != nil {
			if result, ok := serviceErrorResult(err); ok {
				return result, nil
			}
			return nil, err
		}
		return jsonResult(run)
	})
}

func checkLength(verr *apperrors.ValidationError, field, value string, limit int) {
	switch n := utf8.RuneCountInString(value); {
	case n == 0:
		verr.Add(field, "is required")
	case n > limit:
		verr.Add(field, "must be at most %d characters", limit)
	}
}
