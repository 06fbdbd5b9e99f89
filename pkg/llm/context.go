package llm

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type contextKey struct{}

// WithContext attaches request attributes that the provider clients add to
// their log lines. Values are merged over any already present.
func WithContext(ctx context.Context, values map[string]any) context.Context {
	merged := GetContext(ctx)
	if merged == nil {
		merged = make(map[string]any, len(values))
	}
	for k, v := range values {
		merged[k] = v
	}
	return context.WithValue(ctx, contextKey{}, merged)
}

// GetContext returns a copy of the attributes attached by WithContext, or nil.
func GetContext(ctx context.Context) map[string]any {
	values, ok := ctx.Value(contextKey{}).(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

// WithRunContext tags generation requests made on behalf of a workflow run.
func WithRunContext(ctx context.Context, runID uuid.UUID, kind string) context.Context {
	return WithContext(ctx, map[string]any{
		"run_id":        runID.String(),
		"workflow_kind": kind,
	})
}

// contextFields renders the attached attributes as zap fields in key order.
func contextFields(ctx context.Context) []zap.Field {
	values := GetContext(ctx)
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, values[k]))
	}
	return fields
}
