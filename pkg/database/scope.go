package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Scope wraps a connection carrying the caller's identity and ensures cleanup.
// When acquired with WithUser the connection has app.current_user_id set for
// RLS policy evaluation.
type Scope struct {
	Conn    Querier
	release func()
}

// NewScope wraps an arbitrary Querier, e.g. a transaction or a mock.
// Close on the returned scope is a no-op.
func NewScope(q Querier) *Scope {
	return &Scope{Conn: q}
}

// Close resets the user context and releases the connection to the pool.
// This MUST be called to prevent user context from leaking to the next request.
func (s *Scope) Close() {
	if s == nil || s.release == nil {
		return
	}
	s.release()
	s.release = nil
}

// WithUser acquires a connection and sets the user context for RLS.
// The returned Scope MUST be closed with defer scope.Close().
func (db *DB) WithUser(ctx context.Context, userID string) (*Scope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	_, err = conn.Exec(ctx, "SELECT set_config('app.current_user_id', $1, false)", userID)
	if err != nil {
		conn.Release()
		return nil, err
	}

	return &Scope{Conn: conn, release: resetAndRelease(conn)}, nil
}

// WithoutUser acquires a connection without user context.
// Background workers use this to act on rows belonging to many users.
// The returned Scope MUST be closed with defer scope.Close().
func (db *DB) WithoutUser(ctx context.Context) (*Scope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Scope{Conn: conn, release: conn.Release}, nil
}

func resetAndRelease(conn *pgxpool.Conn) func() {
	return func() {
		_, _ = conn.Exec(context.Background(), "RESET app.current_user_id")
		conn.Release()
	}
}
