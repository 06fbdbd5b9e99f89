package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/apperrors"
)

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"validation", apperrors.NewValidationError("limit", "must be at most 100"), http.StatusBadRequest, "Invalid request data"},
		{"wrapped not found", fmt.Errorf("load session: %w", apperrors.ErrNotFound), http.StatusNotFound, "Thing not found"},
		{"conflict", apperrors.ErrConflict, http.StatusConflict, apperrors.ErrConflict.Error()},
		{"unexpected", errors.New("connection reset"), http.StatusInternalServerError, "Something broke"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, zap.NewNop(), tt.err, "Thing not found", "Something broke")

			assert.Equal(t, tt.status, rec.Code)
			resp, _ := decodeEnvelope(t, rec)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.message, resp.Error)
			assert.NotContains(t, rec.Body.String(), "connection reset")
		})
	}
}

func TestDecodeBody(t *testing.T) {
	var dst map[string]any

	empty, err := decodeBody(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("")), &dst)
	require.NoError(t, err)
	assert.True(t, empty)

	empty, err = decodeBody(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`)), &dst)
	require.NoError(t, err)
	assert.False(t, empty)
	assert.Equal(t, float64(1), dst["a"])

	_, err = decodeBody(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1} {"b":2}`)), &dst)
	assert.Error(t, err)

	_, err = decodeBody(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":`)), &dst)
	assert.Error(t, err)
}
