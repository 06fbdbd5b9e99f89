package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/auth"
	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/services"
)

type mockReminderService struct {
	FindUpcomingDeadlinesFunc func(ctx context.Context, daysAhead int) ([]*models.ComplianceItem, error)
	StartItemReminderFunc     func(in services.ItemReminderInput) (*models.WorkflowRun, error)
}

var _ services.ReminderService = (*mockReminderService)(nil)

func (m *mockReminderService) FindUpcomingDeadlines(ctx context.Context, daysAhead int) ([]*models.ComplianceItem, error) {
	return m.FindUpcomingDeadlinesFunc(ctx, daysAhead)
}

func (m *mockReminderService) StartDailyCheck(context.Context, time.Time, string) (*models.WorkflowRun, error) {
	return nil, nil
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

var testRunID = uuid.MustParse("0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b")

func newToolServer(deps *WorkflowToolDeps) *server.MCPServer {
	if deps.Scopes == nil {
		deps.Scopes = database.StaticScopeProvider{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	s := server.NewMCPServer("test", "1.0.0", server.WithToolCapabilities(true))
	RegisterWorkflowTools(s, deps)
	return s
}

func userContext(userID string) context.Context {
	claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: userID}}
	return auth.WithClaims(context.Background(), claims, "test-token")
}

type toolResponse struct {
	Text     string
	IsError  bool
	RPCError string
}

// callTool invokes a tool through the JSON-RPC entry point.
func callTool(t *testing.T, s *server.MCPServer, ctx context.Context, name string, args map[string]any) toolResponse {
	t.Helper()
	req, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	})
	require.NoError(t, err)

	raw, err := json.Marshal(s.HandleMessage(ctx, req))
	require.NoError(t, err)

	var response struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(raw, &response))

	out := toolResponse{IsError: response.Result.IsError}
	if response.Error != nil {
		out.RPCError = response.Error.Message
	}
	if len(response.Result.Content) > 0 {
		out.Text = response.Result.Content[0].Text
	}
	return out
}
