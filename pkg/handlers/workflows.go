package handlers

import (
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/apperrors"
	"github.com/grantgenie/genie-engine/pkg/auth"
	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/services"
)

// Chain wraps a handler with middleware such as authentication or rate limiting.
type Chain func(http.HandlerFunc) http.HandlerFunc

// ============================================================================
// Request/Response Types
// ============================================================================

// WorkflowStartedResponse is the 202 payload of a workflow trigger.
// RunID is omitted when the trigger joined a run the caller did not start,
// such as today's scheduled daily check, since GetRun would not show it.
type WorkflowStartedResponse struct {
	Message string `json:"message"`
	ItemID  *int64 `json:"itemId,omitempty"`
	GrantID *int64 `json:"grantId,omitempty"`
	RunID   string `json:"runId,omitempty"`
}

// itemReminderRequest mirrors the body of an item reminder trigger. Fields
// are loosely typed so type mismatches become validation issues.
type itemReminderRequest struct {
	ItemID          any `json:"itemId"`
	ItemRequirement any `json:"itemRequirement"`
	DueDate         any `json:"dueDate"`
}

type grantGenerationRequest struct {
	GrantID           any `json:"grantId"`
	ProjectName       any `json:"projectName"`
	FunderName        any `json:"funderName"`
	FundingAmount     any `json:"fundingAmount"`
	Deadline          any `json:"deadline"`
	RFPText           any `json:"rfpText"`
	TeachingMaterials any `json:"teachingMaterials"`
}

// ============================================================================
// Handler
// ============================================================================

// WorkflowHandler starts durable workflows and reports their status.
type WorkflowHandler struct {
	reminders services.ReminderService
	proposals services.ProposalService
	runs      services.WorkflowRunService
	logger    *zap.Logger
	now       func() time.Time
}

func NewWorkflowHandler(
	reminders services.ReminderService,
	proposals services.ProposalService,
	runs services.WorkflowRunService,
	logger *zap.Logger,
) *WorkflowHandler {
	return &WorkflowHandler{
		reminders: reminders,
		proposals: proposals,
		runs:      runs,
		logger:    logger,
		now:       time.Now,
	}
}

// RegisterRoutes registers the workflow routes; protect must authenticate.
func (h *WorkflowHandler) RegisterRoutes(mux *http.ServeMux, protect Chain) {
	mux.HandleFunc("POST /api/workflows/compliance-reminders", protect(h.StartComplianceReminders))
	mux.HandleFunc("POST /api/workflows/grant-generation", protect(h.StartGrantGeneration))
	mux.HandleFunc("GET /api/workflows/runs/{id}", protect(h.GetRun))
}

// StartComplianceReminders handles POST /api/workflows/compliance-reminders.
// An empty body (or one without itemId) starts today's daily check; otherwise
// an item reminder is scheduled. When the run already existed and was started
// by the scheduler or another user, the response carries no runId.
func (h *WorkflowHandler) StartComplianceReminders(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserIDFromContext(r.Context())

	var req itemReminderRequest
	if _, err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "Invalid JSON in request body", nil)
		return
	}

	if !truthy(req.ItemID) {
		run, err := h.reminders.StartDailyCheck(r.Context(), h.now(), userID)
		if err != nil {
			writeServiceError(w, h.logger, err, "", "Failed to start compliance reminders workflow")
			return
		}
		writeData(w, h.logger, http.StatusAccepted, WorkflowStartedResponse{
			Message: "Daily compliance check workflow started",
			RunID:   visibleRunID(run, userID),
		}, nil)
		return
	}

	in, err := req.validate(userID)
	if err != nil {
		writeServiceError(w, h.logger, err, "", "Failed to start compliance reminders workflow")
		return
	}

	run, err := h.reminders.StartItemReminder(r.Context(), in)
	if err != nil {
		writeServiceError(w, h.logger, err, "", "Failed to start compliance reminders workflow")
		return
	}
	writeData(w, h.logger, http.StatusAccepted, WorkflowStartedResponse{
		Message: "Item reminder workflow started",
		ItemID:  &in.ItemID,
		RunID:   visibleRunID(run, userID),
	}, nil)
}

func (req itemReminderRequest) validate(userID string) (services.ItemReminderInput, error) {
	verr := &apperrors.ValidationError{}
	in := services.ItemReminderInput{UserID: userID}

	in.ItemID = positiveInt(verr, "itemId", req.ItemID)
	in.ItemRequirement = boundedString(verr, "itemRequirement", req.ItemRequirement, 500, true)

	switch due := req.DueDate.(type) {
	case string:
		t, err := time.Parse(time.RFC3339, due)
		if err != nil {
			verr.Add("dueDate", "must be an ISO-8601 datetime")
		}
		in.DueDate = t.UTC()
	default:
		verr.Add("dueDate", "must be an ISO-8601 datetime")
	}

	return in, verr.OrNil()
}

// StartGrantGeneration handles POST /api/workflows/grant-generation.
func (h *WorkflowHandler) StartGrantGeneration(w http.ResponseWriter, r *http.Request) {
	userID := auth.GetUserIDFromContext(r.Context())

	var req grantGenerationRequest
	if empty, err := decodeBody(w, r, &req); err != nil || empty {
		writeError(w, h.logger, http.StatusBadRequest, "Invalid JSON in request body", nil)
		return
	}

	in, err := req.validate(userID)
	if err != nil {
		writeServiceError(w, h.logger, err, "", "Failed to start grant generation workflow")
		return
	}

	run, err := h.proposals.StartGeneration(r.Context(), in)
	if err != nil {
		writeServiceError(w, h.logger, err, "Grant application not found", "Failed to start grant generation workflow")
		return
	}

	h.logger.Info("Grant generation started",
		zap.String("user_id", userID),
		zap.Int64("grant_id", in.GrantID),
		zap.String("run_id", run.ID.String()))

	writeData(w, h.logger, http.StatusAccepted, WorkflowStartedResponse{
		Message: "Grant generation workflow started",
		GrantID: &in.GrantID,
		RunID:   visibleRunID(run, userID),
	}, nil)
}

func (req grantGenerationRequest) validate(userID string) (services.GrantGenerationInput, error) {
	verr := &apperrors.ValidationError{}
	in := services.GrantGenerationInput{
		UserID:            userID,
		GrantID:           positiveInt(verr, "grantId", req.GrantID),
		ProjectName:       boundedString(verr, "projectName", req.ProjectName, 500, true),
		FunderName:        boundedString(verr, "funderName", req.FunderName, 300, true),
		FundingAmount:     boundedString(verr, "fundingAmount", req.FundingAmount, 0, false),
		Deadline:          boundedString(verr, "deadline", req.Deadline, 0, false),
		RFPText:           boundedString(verr, "rfpText", req.RFPText, 0, false),
		TeachingMaterials: boundedString(verr, "teachingMaterials", req.TeachingMaterials, 0, false),
	}
	return in, verr.OrNil()
}

// GetRun handles GET /api/workflows/runs/{id}.
func (h *WorkflowHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id", "Invalid run ID", h.logger)
	if !ok {
		return
	}

	run, err := h.runs.GetRun(r.Context(), auth.GetUserIDFromContext(r.Context()), id)
	if err != nil {
		writeServiceError(w, h.logger, err, "Workflow run not found", "Failed to load workflow run")
		return
	}
	writeData(w, h.logger, http.StatusOK, run, nil)
}

// visibleRunID returns the run's ID if userID can look the run up, else "".
func visibleRunID(run *models.WorkflowRun, userID string) string {
	if !services.RunStartedBy(run, userID) {
		return ""
	}
	return run.ID.String()
}

// truthy reports whether a decoded JSON value would count as set: not null,
// false, zero or the empty string.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

func positiveInt(verr *apperrors.ValidationError, field string, v any) int64 {
	n, ok := v.(float64)
	if !ok || n <= 0 || n != math.Trunc(n) || n > math.MaxInt64 {
		verr.Add(field, "must be a positive integer")
		return 0
	}
	return int64(n)
}

// boundedString validates an optional or required string of at most max
// characters (max 0 means unbounded).
func boundedString(verr *apperrors.ValidationError, field string, v any, max int, required bool) string {
	if v == nil {
		if required {
			verr.Add(field, "is required")
		}
		return ""
	}
	s, ok := v.(string)
	if !ok {
		verr.Add(field, "must be a string")
		return ""
	}
	n := utf8.RuneCountInString(s)
	switch {
	case required && strings.TrimSpace(s) == "":
		verr.Add(field, "must not be empty")
	case max > 0 && n > max:
		verr.Add(field, "must be at most %d characters", max)
	}
	return s
}
