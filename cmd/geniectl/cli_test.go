package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/config"
	"github.com/grantgenie/genie-engine/pkg/genie"
	"github.com/grantgenie/genie-engine/pkg/models"
)

type fakeSessionAPI struct {
	created []*models.CreateGenieSession
	updated []*models.UpdateGenieSession
	logged  []bool
	deleted map[int64]bool
	stored  map[int64]*models.GenieSessionWithExecutions
	listed  genie.ListOptions
	failAll bool
}

func newFakeSessionAPI() *fakeSessionAPI {
	return &fakeSessionAPI{
		deleted: map[int64]bool{},
		stored:  map[int64]*models.GenieSessionWithExecutions{},
	}
}

func (f *fakeSessionAPI) Create(_ context.Context, req *models.CreateGenieSession) (*models.GenieSession, error) {
	if f.failAll {
		return nil, errors.New("unavailable")
	}
	f.created = append(f.created, req)
	return &models.GenieSession{ID: int64(len(f.created)), Name: req.Name, GenieType: req.GenieType}, nil
}

func (f *fakeSessionAPI) Get(_ context.Context, id int64) (*models.GenieSessionWithExecutions, error) {
	s, ok := f.stored[id]
	if !ok {
		return nil, &genie.APIError{StatusCode: 404, Message: "Session not found"}
	}
	return s, nil
}

func (f *fakeSessionAPI) List(_ context.Context, opts genie.ListOptions) ([]*models.GenieSession, *genie.Page, error) {
	f.listed = opts
	return []*models.GenieSession{{ID: 7, Name: "Clinic"}}, &genie.Page{Page: 1, Limit: 20, Total: 1, TotalPages: 1}, nil
}

func (f *fakeSessionAPI) Update(_ context.Context, id int64, patch *models.UpdateGenieSession, logExecution bool) (*models.GenieSession, error) {
	if f.failAll {
		return nil, errors.New("unavailable")
	}
	f.updated = append(f.updated, patch)
	f.logged = append(f.logged, logExecution)
	return &models.GenieSession{ID: id}, nil
}

func (f *fakeSessionAPI) Delete(_ context.Context, id int64, permanent bool) error {
	f.deleted[id] = permanent
	return nil
}

type cliHarness struct {
	api       *fakeSessionAPI
	stateFile string
	stdin     string
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	return &cliHarness{
		api:       newFakeSessionAPI(),
		stateFile: filepath.Join(t.TempDir(), "state.yaml"),
	}
}

// run executes one geniectl invocation against the shared fake API and
// state file, returning stdout.
func (h *cliHarness) run(args ...string) (string, error) {
	var out bytes.Buffer
	e := &environment{
		cfg:    &config.ClientConfig{APIURL: "http://localhost:3443", StateFile: h.stateFile},
		out:    &out,
		in:     strings.NewReader(h.stdin),
		logger: zap.NewNop(),
		newAPI: func(string, string) genie.SessionAPI { return h.api },
	}
	err := newCLIApp(e).Run(append([]string{"geniectl"}, args...))
	return out.String(), err
}

func TestGrantCommands_SetSaveAndResume(t *testing.T) {
	h := newCLIHarness(t)

	_, err := h.run("grant", "set", "projectName=Clinic Expansion", "funderName=Acme Foundation")
	require.NoError(t, err)

	out, err := h.run("grant", "save")
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessionId":1}`, out)
	require.Len(t, h.api.created, 1)
	assert.Equal(t, "Clinic Expansion", h.api.created[0].Name)
	assert.Equal(t, models.GenieTypeGrantWriting, h.api.created[0].GenieType)

	h.stdin = "# Proposal\n\nWe will expand."
	_, err = h.run("grant", "set", "--content-file", "-", "sessionName=Spring round")
	require.NoError(t, err)

	_, err = h.run("grant", "save")
	require.NoError(t, err)
	require.Len(t, h.api.updated, 1)
	assert.Equal(t, "Spring round", *h.api.updated[0].Name)
	assert.Equal(t, models.GenieSessionStatusCompleted, *h.api.updated[0].Status)
	assert.Equal(t, []bool{true}, h.api.logged)

	out, err = h.run("grant", "show")
	require.NoError(t, err)
	var draft genie.GrantDraft
	require.NoError(t, json.Unmarshal([]byte(out), &draft))
	require.NotNil(t, draft.SessionID)
	assert.Equal(t, int64(1), *draft.SessionID)
	assert.Equal(t, "Acme Foundation", draft.FormData.FunderName)
}

func TestGrantCommands_RejectUnknownField(t *testing.T) {
	h := newCLIHarness(t)

	_, err := h.run("grant", "set", "budget=100")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown grant form field")

	_, err = h.run("grant", "set", "projectName")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected key=value")
}

func TestGrantCommands_SaveFailure(t *testing.T) {
	h := newCLIHarness(t)
	h.api.failAll = true

	_, err := h.run("grant", "save")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save grant session")
}

func TestGrantCommands_LoadAndExport(t *testing.T) {
	h := newCLIHarness(t)
	content := "## Summary\n\nFunding **matters**."
	h.api.stored[9] = &models.GenieSessionWithExecutions{GenieSession: models.GenieSession{
		ID:            9,
		Name:          "Loaded",
		InputData:     json.RawMessage(`{"projectName":"Library"}`),
		OutputContent: &content,
	}}

	_, err := h.run("grant", "load", "9")
	require.NoError(t, err)

	out, err := h.run("grant", "export")
	require.NoError(t, err)
	assert.Equal(t, content, out)

	htmlPath := filepath.Join(t.TempDir(), "proposal.html")
	_, err = h.run("grant", "export", "--html", "--out", htmlPath)
	require.NoError(t, err)
	html, err := os.ReadFile(htmlPath)
	require.NoError(t, err)
	assert.Contains(t, string(html), "<strong>matters</strong>")
	assert.Contains(t, string(html), "Loaded")

	_, err = h.run("grant", "load", "10")
	require.Error(t, err)

	_, err = h.run("grant", "load", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid session id")
}

func TestDonorCommands_PracticeFlow(t *testing.T) {
	h := newCLIHarness(t)

	_, err := h.run("donor", "set", "donorType=Foundation", "anticipatedObjections=budget,timing")
	require.NoError(t, err)
	_, err = h.run("donor", "message", "Thank", "you", "for", "meeting")
	require.NoError(t, err)
	_, err = h.run("donor", "message", "--role", "assistant", "Tell me more")
	require.NoError(t, err)

	out, err := h.run("donor", "save", "--active")
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessionId":1}`, out)
	require.Len(t, h.api.created, 1)
	assert.Equal(t, "Donor Practice - Foundation", h.api.created[0].Name)

	_, err = h.run("donor", "tip", "Lead with impact")
	require.NoError(t, err)
	_, err = h.run("donor", "score", "8.5")
	require.NoError(t, err)
	_, err = h.run("donor", "save")
	require.NoError(t, err)

	require.Len(t, h.api.updated, 1)
	assert.Equal(t, models.GenieSessionStatusCompleted, *h.api.updated[0].Status)
	assert.JSONEq(t, `{"coachingTips":["Lead with impact"],"score":8.5}`, string(h.api.updated[0].OutputMetadata))
	assert.Equal(t, []bool{true}, h.api.logged)

	out, err = h.run("donor", "show")
	require.NoError(t, err)
	var draft genie.DonorDraft
	require.NoError(t, json.Unmarshal([]byte(out), &draft))
	assert.Len(t, draft.ConversationHistory, 2)
	assert.Equal(t, []string{"budget", "timing"}, draft.SessionConfig.AnticipatedObjections)

	_, err = h.run("donor", "reset")
	require.NoError(t, err)
	out, err = h.run("donor", "show")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &draft))
	assert.Nil(t, draft.SessionID)
	assert.Equal(t, "Individual", draft.SessionConfig.DonorType)
}

func TestDonorCommands_Validation(t *testing.T) {
	h := newCLIHarness(t)

	_, err := h.run("donor", "message", "--role", "narrator", "hello")
	require.Error(t, err)

	_, err = h.run("donor", "message")
	require.Error(t, err)

	_, err = h.run("donor", "score", "high")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "score must be a number")
}

func TestSessionsCommands(t *testing.T) {
	h := newCLIHarness(t)

	out, err := h.run("sessions", "list", "--type", "grant_writing", "--status", "draft", "--page", "2", "--limit", "5")
	require.NoError(t, err)
	assert.Equal(t, genie.ListOptions{Page: 2, Limit: 5, GenieType: models.GenieTypeGrantWriting, Status: models.GenieSessionStatusDraft}, h.api.listed)
	assert.Contains(t, out, `"totalPages": 1`)

	_, err = h.run("sessions", "delete", "--permanent", "7")
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{7: true}, h.api.deleted)
}

func TestGlobalFlagsOverrideConfig(t *testing.T) {
	h := newCLIHarness(t)
	other := filepath.Join(t.TempDir(), "other.yaml")

	var gotURL, gotToken string
	e := &environment{
		cfg:    &config.ClientConfig{APIURL: "http://localhost:3443", StateFile: h.stateFile},
		out:    &bytes.Buffer{},
		in:     strings.NewReader(""),
		logger: zap.NewNop(),
		newAPI: func(url, token string) genie.SessionAPI {
			gotURL, gotToken = url, token
			return h.api
		},
	}
	err := newCLIApp(e).Run([]string{"geniectl", "--api-url", "https://genie.example.org", "--token", "tok", "--state", other, "grant", "reset"})
	require.NoError(t, err)

	assert.Equal(t, "https://genie.example.org", gotURL)
	assert.Equal(t, "tok", gotToken)
	assert.FileExists(t, other)
	assert.NoFileExists(t, h.stateFile)
}

func TestParseAssignments(t *testing.T) {
	got, err := parseAssignments([]string{"rfpText=a=b", "deadline="})
	require.NoError(t, err)
	assert.Equal(t, []assignment{{key: "rfpText", value: "a=b"}, {key: "deadline", value: ""}}, got)

	_, err = parseAssignments(nil)
	assert.Error(t, err)
	_, err = parseAssignments([]string{"=x"})
	assert.Error(t, err)
}
