package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/grantgenie/genie-engine/pkg/database"
	"github.com/grantgenie/genie-engine/pkg/models"
)

// ComplianceItemRepository provides data access for compliance items.
type ComplianceItemRepository interface {
	// FindUpcoming returns items with status Upcoming and a due date in [from, to],
	// soonest first.
	FindUpcoming(ctx context.Context, from, to time.Time) ([]*models.ComplianceItem, error)
}

type complianceItemRepository struct{}

// NewComplianceItemRepository creates a new ComplianceItemRepository.
func NewComplianceItemRepository() ComplianceItemRepository {
	return &complianceItemRepository{}
}

var _ ComplianceItemRepository = (*complianceItemRepository)(nil)

const complianceItemColumns = `id, user_id, requirement, due_date, status, created_at, updated_at`

func (r *complianceItemRepository) FindUpcoming(ctx context.Context, from, to time.Time) ([]*models.ComplianceItem, error) {
	scope, ok := database.GetScope(ctx)
	if !ok {
		return nil, database.ErrNoScope
	}

	query := `
		SELECT ` + complianceItemColumns + `
		FROM compliance_items
		WHERE status = $1
		  AND due_date >= $2
		  AND due_date <= $3
		ORDER BY due_date, id`

	var items []*models.ComplianceItem
	if err := pgxscan.Select(ctx, scope.Conn, &items, query, models.ComplianceStatusUpcoming, from, to); err != nil {
		return nil, fmt.Errorf("failed to find upcoming compliance items: %w", err)
	}
	return items, nil
}
