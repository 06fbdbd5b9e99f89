package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
)

// GenieSessionRepository provides data access for genie sessions and their executions.
// Every read and write is filtered by owner; a row owned by someone else looks absent.
type GenieSessionRepository interface {
	Create(ctx context.Context, s *models.GenieSession) error
	GetByIDForUser(ctx context.Context, id int64, userID string) (*models.GenieSession, error)
	// List returns one page of sessions ordered by updated_at desc plus the total match count.
	List(ctx context.Context, filter models.GenieSessionFilter) ([]*models.GenieSession, int, error)

	// LockForUser selects the session FOR UPDATE. Must run inside a transaction.
	LockForUser(ctx context.Context, id int64, userID string) (*models.GenieSession, error)
	// Update applies the non-nil fields of patch and bumps updated_at.
	Update(ctx context.Context, id int64, userID string, patch *models.UpdateGenieSession) (*models.GenieSession, error)
	// IncrementExecutionCount bumps execution_count by one and returns the new value.
	IncrementExecutionCount(ctx context.Context, id int64, at time.Time) (int, error)
	InsertExecution(ctx context.Context, e *models.GenieExecution) error
	// ListExecutions returns executions newest first.
	ListExecutions(ctx context.Context, sessionID int64) ([]*models.GenieExecution, error)

	Delete(ctx context.Context, id int64, userID string) (bool, error)
	Archive(ctx context.Context, id int64, userID string) (bool, error)
}

type genieSessionRepository struct{}

// NewGenieSessionRepository creates a new GenieSessionRepository.
func NewGenieSessionRepository() GenieSessionRepository {
	return &genieSessionRepository{}
}

var _ GenieSessionRepository = (*genieSessionRepository)(nil)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var genieSessionColumns = []string{
	"id", "user_id", "name", "genie_type", "status", "config", "input_data",
	"output_content", "output_metadata", "conversation_history",
	"grant_application_id", "donor_id", "execution_count", "last_executed_at",
	"created_at", "updated_at",
}

func (r *genieSessionRepository) Create(ctx context.Context, s *models.GenieSession) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return database.ErrNoScope
	}

	if s.Status == "" {
		s.Status = models.GenieSessionStatusDraft
	}
	if len(s.Config) == 0 {
		s.Config = []byte("{}")
	}

	err := scope.Conn.QueryRow(ctx, `
		INSERT INTO genie_sessions (
			user_id, name, genie_type, status, config, input_data,
			conversation_history, grant_application_id, donor_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, execution_count, created_at, updated_at`,
		s.UserID, s.Name, s.GenieType, s.Status, s.Config, s.InputData,
		s.ConversationHistory, s.GrantApplicationID, s.DonorID,
	).Scan(&s.ID, &s.ExecutionCount, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create genie session: %w", err)
	}
	return nil
}

func (r *genieSessionRepository) GetByIDForUser(ctx context.Context, id int64, userID string) (*models.GenieSession, error) {
	return r.getOne(ctx, id, userID, "")
}

func (r *genieSessionRepository) LockForUser(ctx context.Context, id int64, userID string) (*models.GenieSession, error) {
	return r.getOne(ctx, id, userID, "FOR UPDATE")
}

func (r *genieSessionRepository) getOne(ctx context.Context, id int64, userID, suffix string) (*models.GenieSession, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, database.ErrNoScope
	}

	b := psql.Select(genieSessionColumns...).
		From("genie_sessions").
		Where(sq.Eq{"id": id, "user_id": userID})
	if suffix != "" {
		b = b.Suffix(suffix)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build session query: %w", err)
	}

	var s models.GenieSession
	if err := pgxscan.Get(ctx, scope.Conn, &s, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get genie session: %w", err)
	}
	return &s, nil
}

func (r *genieSessionRepository) List(ctx context.Context, filter models.GenieSessionFilter) ([]*models.GenieSession, int, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, 0, database.ErrNoScope
	}

	where := sq.And{sq.Eq{"user_id": filter.UserID}}
	if filter.GenieType != nil {
		where = append(where, sq.Eq{"genie_type": *filter.GenieType})
	}
	if filter.Status != nil {
		where = append(where, sq.Eq{"status": *filter.Status})
	}

	countSQL, countArgs, err := psql.Select("count(*)").From("genie_sessions").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build count query: %w", err)
	}
	var total int
	if err := scope.Conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count genie sessions: %w", err)
	}

	listSQL, listArgs, err := psql.Select(genieSessionColumns...).
		From("genie_sessions").
		Where(where).
		OrderBy("updated_at DESC", "id DESC").
		Limit(uint64(filter.Limit)).
		Offset(uint64(filter.Offset)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build list query: %w", err)
	}

	var sessions []*models.GenieSession
	if err := pgxscan.Select(ctx, scope.Conn, &sessions, listSQL, listArgs...); err != nil {
		return nil, 0, fmt.Errorf("failed to list genie sessions: %w", err)
	}
	return sessions, total, nil
}

func (r *genieSessionRepository) Update(ctx context.Context, id int64, userID string, patch *models.UpdateGenieSession) (*models.GenieSession, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, database.ErrNoScope
	}

	b := psql.Update("genie_sessions").
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": id, "user_id": userID}).
		Suffix("RETURNING " + strings.Join(genieSessionColumns, ", "))

	if patch.Name != nil {
		b = b.Set("name", *patch.Name)
	}
	if patch.Status != nil {
		b = b.Set("status", *patch.Status)
	}
	if patch.Config != nil {
		b = b.Set("config", patch.Config)
	}
	if patch.InputData != nil {
		b = b.Set("input_data", patch.InputData)
	}
	if patch.OutputContent != nil {
		b = b.Set("output_content", *patch.OutputContent)
	}
	if patch.OutputMetadata != nil {
		b = b.Set("output_metadata", patch.OutputMetadata)
	}
	if patch.ConversationHistory != nil {
		b = b.Set("conversation_history", patch.ConversationHistory)
	}
	if patch.GrantApplicationID != nil {
		b = b.Set("grant_application_id", *patch.GrantApplicationID)
	}
	if patch.DonorID != nil {
		b = b.Set("donor_id", *patch.DonorID)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build session update: %w", err)
	}

	var s models.GenieSession
	if err := pgxscan.Get(ctx, scope.Conn, &s, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update genie session: %w", err)
	}
	return &s, nil
}

func (r *genieSessionRepository) IncrementExecutionCount(ctx context.Context, id int64, at time.Time) (int, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return 0, database.ErrNoScope
	}

	var count int
	err := scope.Conn.QueryRow(ctx, `
		UPDATE genie_sessions
		SET execution_count = execution_count + 1, last_executed_at = $2, updated_at = $2
		WHERE id = $1
		RETURNING execution_count`, id, at).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment execution count: %w", err)
	}
	return count, nil
}

func (r *genieSessionRepository) InsertExecution(ctx context.Context, e *models.GenieExecution) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return database.ErrNoScope
	}

	err := scope.Conn.QueryRow(ctx, `
		INSERT INTO genie_executions (
			session_id, execution_number, input_snapshot, output_snapshot,
			status, started_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.SessionID, e.ExecutionNumber, e.InputSnapshot, e.OutputSnapshot,
		e.Status, e.StartedAt, e.CompletedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert genie execution: %w", err)
	}
	return nil
}

func (r *genieSessionRepository) ListExecutions(ctx context.Context, sessionID int64) ([]*models.GenieExecution, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, database.ErrNoScope
	}

	var out []*models.GenieExecution
	err := pgxscan.Select(ctx, scope.Conn, &out, `
		SELECT id, session_id, execution_number, input_snapshot, output_snapshot,
		       status, started_at, completed_at
		FROM genie_executions
		WHERE session_id = $1
		ORDER BY execution_number DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list genie executions: %w", err)
	}
	return out, nil
}

func (r *genieSessionRepository) Delete(ctx context.Context, id int64, userID string) (bool, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return false, database.ErrNoScope
	}

	tag, err := scope.Conn.Exec(ctx, `DELETE FROM genie_sessions WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("failed to delete genie session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *genieSessionRepository) Archive(ctx context.Context, id int64, userID string) (bool, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return false, database.ErrNoScope
	}

	tag, err := scope.Conn.Exec(ctx, `
		UPDATE genie_sessions SET status = $3, updated_at = now()
		WHERE id = $1 AND user_id = $2`, id, userID, models.GenieSessionStatusArchived)
	if err != nil {
		return false, fmt.Errorf("failed to archive genie session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
