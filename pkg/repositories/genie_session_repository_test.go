package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
)

func mockScope(t *testing.T) (pgxmock.PgxPoolIface, context.Context) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, database.SetScope(context.Background(), database.NewScope(mock))
}

func TestGenieSessionRepository_IncrementExecutionCount(t *testing.T) {
	mock, ctx := mockScope(t)
	repo := NewGenieSessionRepository()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`UPDATE genie_sessions\s+SET execution_count = execution_count \+ 1`).
		WithArgs(int64(42), at).
		WillReturnRows(pgxmock.NewRows([]string{"execution_count"}).AddRow(3))

	count, err := repo.IncrementExecutionCount(ctx, 42, at)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenieSessionRepository_ArchiveOwnedByOtherUser(t *testing.T) {
	mock, ctx := mockScope(t)
	repo := NewGenieSessionRepository()

	mock.ExpectExec(`UPDATE genie_sessions SET status`).
		WithArgs(int64(7), "intruder", models.GenieSessionStatusArchived).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	archived, err := repo.Archive(ctx, 7, "intruder")
	require.NoError(t, err)
	assert.False(t, archived)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenieSessionRepository_Delete(t *testing.T) {
	mock, ctx := mockScope(t)
	repo := NewGenieSessionRepository()

	mock.ExpectExec(`DELETE FROM genie_sessions WHERE id = \$1 AND user_id = \$2`).
		WithArgs(int64(7), "user-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	deleted, err := repo.Delete(ctx, 7, "user-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenieSessionRepository_RequiresScope(t *testing.T) {
	repo := NewGenieSessionRepository()
	_, err := repo.GetByIDForUser(context.Background(), 1, "u")
	assert.ErrorIs(t, err, database.ErrNoScope)
}
