package database

import (
	"context"
	"fmt"
)

// RunInTx executes fn inside a transaction opened on the scope in ctx.
// fn receives a context whose scope is the transaction, so repositories called
// with it join the transaction. Commits on success; rolls back on error or panic.
// Nested calls open a savepoint on the outer transaction.
func RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	scope, ok := GetScope(ctx)
	if !ok {
		return ErrNoScope
	}

	tx, err := scope.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if err := fn(SetScope(ctx, NewScope(tx))); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
