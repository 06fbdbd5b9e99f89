// Package tools provides the MCP tool implementations of genie-engine.
package tools

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/grantgenie/genie-engine/pkg/apperrors"
)

// ErrorResponse is a structured error returned as a tool result so the
// calling model sees what went wrong and can correct its arguments.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewErrorResult creates a tool result containing a structured error.
// Use it for actionable problems (bad arguments, unknown ids). Infrastructure
// failures are returned as Go errors instead.
func NewErrorResult(code, message string) *mcp.CallToolResult {
	return NewErrorResultWithDetails(code, message, nil)
}

// NewErrorResultWithDetails creates an error result with additional context.
func NewErrorResultWithDetails(code, message string, details any) *mcp.CallToolResult {
	jsonBytes, _ := json.Marshal(ErrorResponse{
		Error:   true,
		Code:    code,
		Message: message,
		Details: details,
	})
	result := mcp.NewToolResultText(string(jsonBytes))
	result.IsError = true
	return result
}

// serviceErrorResult turns actionable service errors into tool results.
// ok is false for anything that should surface as a protocol error.
func serviceErrorResult(err error) (result *mcp.CallToolResult, ok bool) {
	var verr *apperrors.ValidationError
	switch {
	case errors.As(err, &verr):
		return NewErrorResultWithDetails("invalid_arguments", "Invalid request data", verr.Issues), true
	case errors.Is(err, apperrors.ErrNotFound):
		return NewErrorResult("not_found", "the requested resource was not found"), true
	}
	return nil, false
}

// jsonResult marshals v as the text content of a successful result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}
