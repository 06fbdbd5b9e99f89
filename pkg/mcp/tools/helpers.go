package tools

import (
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// getOptionalString extracts an optional string argument, trimmed.
func getOptionalString(req mcp.CallToolRequest, key string) string {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// getOptionalFloat extracts an optional numeric argument.
func getOptionalFloat(req mcp.CallToolRequest, key string) (float64, bool) {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok {
		return 0, false
	}
	v, ok := args[key].(float64)
	return v, ok
}

// requirePositiveInt reads a required whole-number argument greater than zero.
func requirePositiveInt(req mcp.CallToolRequest, key string) (int64, bool) {
	v, ok := getOptionalFloat(req, key)
	if !ok || v <= 0 || v != float64(int64(v)) {
		return 0, false
	}
	return int64(v), true
}
