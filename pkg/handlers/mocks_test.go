package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/grantgenie/genie-engine/pkg/auth"
	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/services"
)

type mockReminderService struct {
	StartDailyCheckFunc   func(at time.Time, userID string) (*models.WorkflowRun, error)
	StartItemReminderFunc func(in services.ItemReminderInput) (*models.WorkflowRun, error)
}

var _ services.ReminderService = (*mockReminderService)(nil)

func (m *mockReminderService) FindUpcomingDeadlines(context.Context, int) ([]*models.ComplianceItem, error) {
	return nil, nil
}

func (m *mockReminderService) StartDailyCheck(_ context.Context, at time.Time, userID string) (*models.WorkflowRun, error) {
	return m.StartDailyCheckFunc(at, userID)
}

func (m *mockReminderService) StartItemReminder(_ context.Context, in services.ItemReminderInput) (*models.WorkflowRun, error) {
	return m.StartItemReminderFunc(in)
}

func (m *mockReminderService) RunScheduler(context.Context) error { return nil }

type mockProposalService struct {
	StartGenerationFunc func(in services.GrantGenerationInput) (*models.WorkflowRun, error)
}

func (m *mockProposalService) StartGeneration(_ context.Context, in services.GrantGenerationInput) (*models.WorkflowRun, error) {
	return m.StartGenerationFunc(in)
}

type mockRunService struct {
	GetRunFunc func(userID string, id uuid.UUID) (*models.WorkflowRunWithSteps, error)
}

func (m *mockRunService) GetRun(_ context.Context, userID string, id uuid.UUID) (*models.WorkflowRunWithSteps, error) {
	return m.GetRunFunc(userID, id)
}

type mockSessionService struct {
	CreateFunc func(userID string, req *models.CreateGenieSession) (*models.GenieSession, error)
	GetFunc    func(userID string, id int64) (*models.GenieSessionWithExecutions, error)
	ListFunc   func(userID string, q services.SessionListQuery) (*services.SessionPage, error)
	UpdateFunc func(userID string, id int64, patch *models.UpdateGenieSession, logExecution bool) (*models.GenieSession, error)
	DeleteFunc func(userID string, id int64, permanent bool) error
}

var _ services.GenieSessionService = (*mockSessionService)(nil)

func (m *mockSessionService) Create(_ context.Context, userID string, req *models.CreateGenieSession) (*models.GenieSession, error) {
	return m.CreateFunc(userID, req)
}

func (m *mockSessionService) Get(_ context.Context, userID string, id int64) (*models.GenieSessionWithExecutions, error) {
	return m.GetFunc(userID, id)
}

func (m *mockSessionService) List(_ context.Context, userID string, q services.SessionListQuery) (*services.SessionPage, error) {
	return m.ListFunc(userID, q)
}

func (m *mockSessionService) Update(_ context.Context, userID string, id int64, patch *models.UpdateGenieSession, logExecution bool) (*models.GenieSession, error) {
	return m.UpdateFunc(userID, id, patch, logExecution)
}

func (m *mockSessionService) Delete(_ context.Context, userID string, id int64, permanent bool) error {
	return m.DeleteFunc(userID, id, permanent)
}

// asUser is a Chain that authenticates every request as userID.
func asUser(userID string) Chain {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: userID}}
			next(w, r.WithContext(auth.WithClaims(r.Context(), claims, "test-token")))
		}
	}
}

func passthrough(next http.HandlerFunc) http.HandlerFunc { return next }

func serve(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (ApiResponse, map[string]any) {
	t.Helper()
	var resp ApiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data, _ := resp.Data.(map[string]any)
	return resp, data
}

func testRun() *models.WorkflowRun {
	return &models.WorkflowRun{
		ID:     uuid.MustParse("0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b"),
		Input:  json.RawMessage(`{"userId":"user-1"}`),
		Status: models.WorkflowRunPending,
	}
}
