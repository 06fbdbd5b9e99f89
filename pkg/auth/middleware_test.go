package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockAuthService struct {
	claims *Claims
	token  string
	err    error
}

func (m *mockAuthService) ValidateRequest(*http.Request) (*Claims, string, error) {
	return m.claims, m.token, m.err
}

func TestMiddleware_RequireAuth_SetsContext(t *testing.T) {
	mw := NewMiddleware(&mockAuthService{claims: userClaims("user-9"), token: "tok"}, zap.NewNop())

	var userID, token string
	handler := mw.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		userID = GetUserIDFromContext(r.Context())
		token, _ = GetToken(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-9", userID)
	assert.Equal(t, "tok", token)
}

func TestMiddleware_RequireAuth_Unauthorized(t *testing.T) {
	mw := NewMiddleware(&mockAuthService{err: ErrMissingAuthorization}, zap.NewNop())

	called := false
	handler := mw.RequireAuthHandler(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.False(t, called)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"success":false,"error":"Unauthorized","message":"Authentication required"}`, rec.Body.String())
}

func TestRequireUserIDFromContext(t *testing.T) {
	_, err := RequireUserIDFromContext(context.Background())
	assert.ErrorIs(t, err, ErrNoUser)

	ctx := WithClaims(context.Background(), userClaims("user-3"), "tok")
	id, err := RequireUserIDFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-3", id)
}
