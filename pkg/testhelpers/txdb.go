package testhelpers

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/grantgenie/genie-engine/pkg/database"
)

// TxCounter is a database.Querier that only supports transactions. It lets
// services that call database.RunInTx run against in-memory repositories
// while counting commits and rollbacks. Any other query panics. Fakes can
// defer their writes with AfterCommit so rolled back work leaves no trace.
type TxCounter struct {
	database.Querier

	mu        sync.Mutex
	commits   int
	rollbacks int
}

func (c *TxCounter) Begin(context.Context) (pgx.Tx, error) {
	return &countingTx{db: c}, nil
}

// AfterCommit runs fn when the outermost transaction in ctx commits, and
// drops it on rollback. Outside a TxCounter transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	if scope, ok := database.GetScope(ctx); ok {
		if tx, ok := scope.Conn.(*countingTx); ok {
			tx.pending = append(tx.pending, fn)
			return
		}
	}
	fn()
}

// Commits returns the number of committed top-level transactions and savepoints.
func (c *TxCounter) Commits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commits
}

// Rollbacks returns the number of rolled back transactions and savepoints.
func (c *TxCounter) Rollbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbacks
}

// Context returns ctx carrying a scope backed by c.
func (c *TxCounter) Context(ctx context.Context) context.Context {
	return database.SetScope(ctx, database.NewScope(c))
}

type countingTx struct {
	pgx.Tx
	db      *TxCounter
	parent  *countingTx
	pending []func()
}

func (t *countingTx) Begin(context.Context) (pgx.Tx, error) {
	return &countingTx{db: t.db, parent: t}, nil
}

func (t *countingTx) Commit(context.Context) error {
	t.db.mu.Lock()
	t.db.commits++
	t.db.mu.Unlock()

	pending := t.pending
	t.pending = nil
	if t.parent != nil {
		t.parent.pending = append(t.parent.pending, pending...)
		return nil
	}
	for _, fn := range pending {
		fn()
	}
	return nil
}

func (t *countingTx) Rollback(context.Context) error {
	t.db.mu.Lock()
	t.db.rollbacks++
	t.db.mu.Unlock()
	t.pending = nil
	return nil
}
