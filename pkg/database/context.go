package database

import (
	"context"
	"errors"
)

type contextKey string

const (
	// ScopeKey is the context key for storing the scoped database connection.
	ScopeKey contextKey = "dbScope"
)

// ErrNoScope is returned by repositories called without a scope in context.
var ErrNoScope = errors.New("no database scope in context")

// GetScope retrieves the scoped database connection from context.
// Returns nil and false if not present.
func GetScope(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(ScopeKey).(*Scope)
	return scope, ok && scope != nil && scope.Conn != nil
}

// SetScope stores the scoped database connection in context.
func SetScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, ScopeKey, scope)
}

// ScopeProvider creates scoped contexts for database operations outside HTTP
// requests (workers, schedulers, MCP tools).
type ScopeProvider interface {
	WithUserScope(ctx context.Context, userID string) (context.Context, func(), error)
	WithSystemScope(ctx context.Context) (context.Context, func(), error)
}

type dbScopeProvider struct {
	db *DB
}

// NewScopeProvider creates a ScopeProvider backed by the pool.
func NewScopeProvider(db *DB) ScopeProvider {
	return &dbScopeProvider{db: db}
}

// WithUserScope returns a context with a connection scoped to userID.
// The cleanup function must be called when the scope is no longer needed.
func (p *dbScopeProvider) WithUserScope(ctx context.Context, userID string) (context.Context, func(), error) {
	scope, err := p.db.WithUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return SetScope(ctx, scope), scope.Close, nil
}

// WithSystemScope returns a context with an unscoped connection.
func (p *dbScopeProvider) WithSystemScope(ctx context.Context) (context.Context, func(), error) {
	scope, err := p.db.WithoutUser(ctx)
	if err != nil {
		return nil, nil, err
	}
	return SetScope(ctx, scope), scope.Close, nil
}

// StaticScopeProvider hands out one fixed Querier. Used in tests.
type StaticScopeProvider struct {
	Conn Querier
}

func (p StaticScopeProvider) WithUserScope(ctx context.Context, _ string) (context.Context, func(), error) {
	return SetScope(ctx, NewScope(p.Conn)), func() {}, nil
}

func (p StaticScopeProvider) WithSystemScope(ctx context.Context) (context.Context, func(), error) {
	return SetScope(ctx, NewScope(p.Conn)), func() {}, nil
}
