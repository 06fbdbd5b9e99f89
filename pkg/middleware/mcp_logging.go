package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/grantgenie/genie-engine/pkg/auth"
	"github.com/grantgenie/genie-engine/pkg/logging"
)

// maxMCPBodyBytes caps how much of a request body is buffered for logging.
const maxMCPBodyBytes = 1 << 20

// MCPRequestLogger logs JSON-RPC calls to the MCP endpoint: the method, the
// tool name with sanitized arguments, and whether the call failed. Tool
// failures reported in-band (isError results) are logged as well as
// protocol errors. Pass nil logger to disable logging.
func MCPRequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logger == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxMCPBodyBytes+1))
			if err != nil {
				logger.Error("Failed to read MCP request body", zap.Error(err))
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))

			var call rpcCall
			if len(body) <= maxMCPBodyBytes {
				_ = json.Unmarshal(body, &call)
			}

			fields := []zap.Field{
				zap.String("method", call.Method),
				zap.String("request_id", RequestIDFromContext(r.Context())),
				zap.String("user_id", auth.GetUserIDFromContext(r.Context())),
			}
			if call.Params.Name != "" {
				fields = append(fields,
					zap.String("tool", call.Params.Name),
					zap.Any("arguments", logging.SanitizeArguments(call.Params.Arguments)))
			}
			logger.Debug("MCP request", fields...)

			rec := &bodyRecorder{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			var reply rpcReply
			if err := json.Unmarshal(rec.body.Bytes(), &reply); err != nil {
				// Streamed (SSE) or empty responses are not JSON documents.
				return
			}

			done := []zap.Field{
				zap.String("method", call.Method),
				zap.String("tool", call.Params.Name),
				zap.Duration("duration", elapsed),
			}
			switch {
			case reply.Error != nil:
				logger.Warn("MCP call failed", append(done,
					zap.Int("error_code", reply.Error.Code),
					zap.String("error_message", reply.Error.Message))...)
			case reply.Result.IsError:
				logger.Info("MCP tool returned error", done...)
			default:
				logger.Debug("MCP call completed", done...)
			}
		})
	}
}

type rpcCall struct {
	Method string `json:"method"`
	Params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"params"`
}

type rpcReply struct {
	Result struct {
		IsError bool `json:"isError"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// bodyRecorder tees the response body so the outcome can be logged.
type bodyRecorder struct {
	http.ResponseWriter
	body bytes.Buffer
}

func (r *bodyRecorder) Write(b []byte) (int, error) {
	if r.body.Len() < maxMCPBodyBytes {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}

// Flush keeps streaming responses working through the recorder.
func (r *bodyRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
