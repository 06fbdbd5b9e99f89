package repositories

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/grantgenie/genie-engine/pkg/apperrors"
	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
)

// GrantApplicationRepository provides data access for grant applications.
type GrantApplicationRepository interface {
	// GetByID returns the application, or nil when it does not exist.
	GetByID(ctx context.Context, id int64) (*models.GrantApplication, error)
	// SaveProposal stores generated proposal text on userID's application and
	// moves it to Draft. Returns apperrors.ErrNotFound when no row matches.
	SaveProposal(ctx context.Context, id int64, userID, content string) error
}

type grantApplicationRepository struct{}

// NewGrantApplicationRepository creates a new GrantApplicationRepository.
func NewGrantApplicationRepository() GrantApplicationRepository {
	return &grantApplicationRepository{}
}

var _ GrantApplicationRepository = (*grantApplicationRepository)(nil)

func (r *grantApplicationRepository) GetByID(ctx context.Context, id int64) (*models.GrantApplication, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, database.ErrNoScope
	}

	var g models.GrantApplication
	err := pgxscan.Get(ctx, scope.Conn, &g, `
		SELECT id, user_id, project_name, funder_name, funding_amount, deadline,
		       proposal_content, status, created_at, updated_at
		FROM grant_applications
		WHERE id = $1`, id)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get grant application: %w", err)
	}
	return &g, nil
}

func (r *grantApplicationRepository) SaveProposal(ctx context.Context, id int64, userID, content string) error {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return database.ErrNoScope
	}

	tag, err := scope.Conn.Exec(ctx, `
		UPDATE grant_applications
		SET proposal_content = $2, status = $3, updated_at = now()
		WHERE id = $1 AND user_id = $4`, id, content, models.GrantStatusDraft, userID)
	if err != nil {
		return fmt.Errorf("failed to save proposal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("grant application %d: %w", id, apperrors.ErrNotFound)
	}
	return nil
}
