package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/grantgenie/genie-engine/pkg/auth"
)

func serveMCP(t *testing.T, logger *zap.Logger, reqBody, respBody string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seenBody string
	handler := MCPRequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		seenBody = buf.String()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(respBody))
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(reqBody))
	claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"}}
	req = req.WithContext(auth.WithClaims(req.Context(), claims, "tok"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seenBody
}

func TestMCPRequestLogger(t *testing.T) {
	t.Run("logs tool call and success", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		reqBody := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"list_upcoming_deadlines","arguments":{"days_ahead":7}}}`

		rec, seen := serveMCP(t, zap.New(core), reqBody, `{"jsonrpc":"2.0","id":1,"result":{"content":[]}}`)

		assert.Equal(t, reqBody, seen, "handler must still see the full body")
		assert.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, 2, logs.Len())

		req := logs.All()[0]
		assert.Equal(t, "MCP request", req.Message)
		assert.Equal(t, "tools/call", req.ContextMap()["method"])
		assert.Equal(t, "list_upcoming_deadlines", req.ContextMap()["tool"])
		assert.Equal(t, "user-1", req.ContextMap()["user_id"])

		done := logs.All()[1]
		assert.Equal(t, "MCP call completed", done.Message)
		assert.NotNil(t, done.ContextMap()["duration"])
	})

	t.Run("protocol error logs at warn", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		reqBody := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_workflow_run","arguments":{}}}`

		serveMCP(t, zap.New(core), reqBody, `{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"missing run_id"}}`)

		require.Equal(t, 2, logs.Len())
		entry := logs.All()[1]
		assert.Equal(t, zapcore.WarnLevel, entry.Level)
		assert.Equal(t, int64(-32602), entry.ContextMap()["error_code"])
		assert.Equal(t, "missing run_id", entry.ContextMap()["error_message"])
	})

	t.Run("in-band tool error is reported", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		reqBody := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_workflow_run","arguments":{"run_id":"x"}}}`

		serveMCP(t, zap.New(core), reqBody, `{"jsonrpc":"2.0","id":1,"result":{"isError":true,"content":[]}}`)

		require.Equal(t, 2, logs.Len())
		assert.Equal(t, "MCP tool returned error", logs.All()[1].Message)
	})

	t.Run("sanitizes arguments", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)
		long := strings.Repeat("a", 250)
		reqBody := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"generate_grant_proposal","arguments":{"api_key":"abc","rfp_text":"` + long + `","project_name":"Clinic"}}}`

		serveMCP(t, zap.New(core), reqBody, `{"jsonrpc":"2.0","id":1,"result":{}}`)

		args, ok := logs.All()[0].ContextMap()["arguments"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "[REDACTED]", args["api_key"])
		assert.Equal(t, "Clinic", args["project_name"])
		assert.Len(t, args["rfp_text"], 203)
	})

	t.Run("malformed request still reaches handler", func(t *testing.T) {
		core, logs := observer.New(zapcore.DebugLevel)

		rec, seen := serveMCP(t, zap.New(core), `{invalid`, `not json`)

		assert.Equal(t, `{invalid`, seen)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, logs.Len())
	})

	t.Run("nil logger passes through", func(t *testing.T) {
		rec, seen := serveMCP(t, nil, `{}`, `{}`)
		assert.Equal(t, `{}`, seen)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
