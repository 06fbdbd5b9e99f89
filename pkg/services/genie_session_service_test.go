package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/apperrors"
	"github.com/grantgenie/genie-engine/pkg/models"
	"github.com/grantgenie/genie-engine/pkg/testhelpers"
)

type sessionFixture struct {
	repo     *fakeGenieSessionRepo
	activity *fakeActivityRepo
	db       *testhelpers.TxCounter
	ctx      context.Context
	service  *genieSessionService
}

func newSessionFixture() *sessionFixture {
	f := &sessionFixture{
		repo:     newFakeGenieSessionRepo(),
		activity: &fakeActivityRepo{},
		db:       &testhelpers.TxCounter{},
	}
	f.ctx = f.db.Context(context.Background())
	f.service = NewGenieSessionService(f.repo, f.activity, zap.NewNop()).(*genieSessionService)
	f.service.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return f
}

func (f *sessionFixture) create(t *testing.T, userID, name string) *models.GenieSession {
	t.Helper()
	s, err := f.service.Create(f.ctx, userID, &models.CreateGenieSession{
		Name:      name,
		GenieType: models.GenieTypeGrantWriting,
		InputData: json.RawMessage(`{"funder":"City Trust"}`),
	})
	require.NoError(t, err)
	return s
}

func strPtr(s string) *string { return &s }

func TestGenieSessionService_CreateLogsActivity(t *testing.T) {
	f := newSessionFixture()

	s := f.create(t, "user-1", "  Spring appeal  ")

	assert.Equal(t, "Spring appeal", s.Name)
	assert.Equal(t, models.GenieSessionStatusDraft, s.Status)
	require.Len(t, f.activity.entries, 1)
	entry := f.activity.entries[0]
	assert.Equal(t, "Created new grant writing session: Spring appeal", entry.Action)
	assert.Equal(t, "Genie type: grant_writing", *entry.Details)
	assert.Equal(t, models.EntityTypeGenieSession, entry.EntityType)
	assert.Equal(t, s.ID, *entry.EntityID)
	assert.Equal(t, 1, f.db.Commits())
}

func TestGenieSessionService_CreateValidation(t *testing.T) {
	tests := []struct {
		name  string
		req   models.CreateGenieSession
		field string
	}{
		{"blank name", models.CreateGenieSession{Name: "   ", GenieType: models.GenieTypeNewsletter}, "name"},
		{"long name", models.CreateGenieSession{Name: strings.Repeat("a", 256), GenieType: models.GenieTypeNewsletter}, "name"},
		{"unknown type", models.CreateGenieSession{Name: "x", GenieType: "poetry"}, "genieType"},
		{"config not object", models.CreateGenieSession{Name: "x", GenieType: models.GenieTypeNewsletter, Config: json.RawMessage(`[1]`)}, "config"},
		{"turn without role", models.CreateGenieSession{Name: "x", GenieType: models.GenieTypeNewsletter, ConversationHistory: json.RawMessage(`[{"content":"hi"}]`)}, "conversationHistory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSessionFixture()
			_, err := f.service.Create(f.ctx, "user-1", &tt.req)

			require.ErrorIs(t, err, apperrors.ErrValidation)
			var verr *apperrors.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Issues[0].Field)
			assert.Empty(t, f.activity.entries)
		})
	}
}

func TestGenieSessionService_GetScopedToOwner(t *testing.T) {
	f := newSessionFixture()
	s := f.create(t, "user-1", "Mine")

	got, err := f.service.Get(f.ctx, "user-1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, "Mine", got.Name)
	assert.NotNil(t, got.Executions)

	_, err = f.service.Get(f.ctx, "user-2", s.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGenieSessionService_UpdateWithLoggedExecutions(t *testing.T) {
	f := newSessionFixture()
	s := f.create(t, "user-1", "Board letter")

	first, err := f.service.Update(f.ctx, "user-1", s.ID, &models.UpdateGenieSession{
		OutputContent: strPtr("Dear board"),
	}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ExecutionCount)
	assert.Equal(t, "Dear board", *first.OutputContent)

	// An empty output falls back to the stored output in the snapshot.
	second, err := f.service.Update(f.ctx, "user-1", s.ID, &models.UpdateGenieSession{
		InputData:     json.RawMessage(`{"funder":"State Fund"}`),
		OutputContent: strPtr(""),
	}, true)
	require.NoError(t, err)
	assert.Equal(t, 2, second.ExecutionCount)

	got, err := f.service.Get(f.ctx, "user-1", s.ID)
	require.NoError(t, err)
	require.Len(t, got.Executions, 2)

	latest, earliest := got.Executions[0], got.Executions[1]
	assert.Equal(t, 2, latest.ExecutionNumber)
	assert.JSONEq(t, `{"funder":"State Fund"}`, string(latest.InputSnapshot))
	assert.Equal(t, "Dear board", *latest.OutputSnapshot)
	assert.Equal(t, "success", latest.Status)

	assert.Equal(t, 1, earliest.ExecutionNumber)
	assert.JSONEq(t, `{"funder":"City Trust"}`, string(earliest.InputSnapshot))
}

func TestGenieSessionService_UpdateWithoutLogging(t *testing.T) {
	f := newSessionFixture()
	s := f.create(t, "user-1", "Notes")

	status := models.GenieSessionStatusInProgress
	updated, err := f.service.Update(f.ctx, "user-1", s.ID, &models.UpdateGenieSession{
		Name:   strPtr(" Renamed "),
		Status: &status,
	}, false)
	require.NoError(t, err)

	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, status, updated.Status)
	assert.Zero(t, updated.ExecutionCount)
	assert.Empty(t, f.repo.executions)
}

func TestGenieSessionService_UpdateNotFoundRollsBack(t *testing.T) {
	f := newSessionFixture()
	s := f.create(t, "user-1", "Notes")
	commits := f.db.Commits()

	_, err := f.service.Update(f.ctx, "user-2", s.ID, &models.UpdateGenieSession{Name: strPtr("stolen")}, true)

	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, commits, f.db.Commits())
	assert.Equal(t, 1, f.db.Rollbacks())
	assert.Empty(t, f.repo.executions)
}

func TestGenieSessionService_UpdateRejectsInvalidStatus(t *testing.T) {
	f := newSessionFixture()
	s := f.create(t, "user-1", "Notes")

	bogus := models.GenieSessionStatus("paused")
	_, err := f.service.Update(f.ctx, "user-1", s.ID, &models.UpdateGenieSession{Status: &bogus}, false)

	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestGenieSessionService_DeleteArchivesByDefault(t *testing.T) {
	f := newSessionFixture()
	s := f.create(t, "user-1", "Gala")

	require.NoError(t, f.service.Delete(f.ctx, "user-1", s.ID, false))

	got, err := f.service.Get(f.ctx, "user-1", s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.GenieSessionStatusArchived, got.Status)
	assert.Equal(t, "Archived grant writing session: Gala", f.activity.entries[1].Action)
}

func TestGenieSessionService_DeletePermanent(t *testing.T) {
	f := newSessionFixture()
	s := f.create(t, "user-1", "Gala")

	require.NoError(t, f.service.Delete(f.ctx, "user-1", s.ID, true))

	_, err := f.service.Get(f.ctx, "user-1", s.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, "Permanently deleted grant writing session: Gala", f.activity.entries[1].Action)

	assert.ErrorIs(t, f.service.Delete(f.ctx, "user-1", s.ID, true), apperrors.ErrNotFound)
}

func TestGenieSessionService_ListPagination(t *testing.T) {
	f := newSessionFixture()
	for i := 0; i < 25; i++ {
		f.create(t, "user-1", "Session")
	}
	f.create(t, "user-2", "Other")

	page, err := f.service.List(f.ctx, "user-1", SessionListQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, DefaultSessionPageSize, page.Limit)
	assert.Equal(t, 25, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Sessions, 20)

	page, err = f.service.List(f.ctx, "user-1", SessionListQuery{Page: 2})
	require.NoError(t, err)
	assert.Len(t, page.Sessions, 5)

	_, err = f.service.List(f.ctx, "user-1", SessionListQuery{Limit: 101})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.service.List(f.ctx, "user-1", SessionListQuery{GenieType: "poetry"})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestGenieSessionService_ListFilters(t *testing.T) {
	f := newSessionFixture()
	f.create(t, "user-1", "Grant")
	_, err := f.service.Create(f.ctx, "user-1", &models.CreateGenieSession{Name: "News", GenieType: models.GenieTypeNewsletter})
	require.NoError(t, err)

	page, err := f.service.List(f.ctx, "user-1", SessionListQuery{GenieType: "newsletter"})
	require.NoError(t, err)
	require.Len(t, page.Sessions, 1)
	assert.Equal(t, "News", page.Sessions[0].Name)

	page, err = f.service.List(f.ctx, "user-1", SessionListQuery{Status: "archived"})
	require.NoError(t, err)
	assert.Empty(t, page.Sessions)
	assert.Zero(t, page.TotalPages)
}
