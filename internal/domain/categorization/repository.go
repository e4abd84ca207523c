package categorization

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// CategoryRule maps a description pattern to a tenant category
type CategoryRule struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	MatchPattern string
	CategoryID   uuid.UUID
	Priority     int
}

// TransactionText is the categorizable text of a stored transaction.
type TransactionText struct {
	ID          uuid.UUID
	Type        string
	Description string
}

// Assignment sets the category of one transaction.
type Assignment struct {
	TransactionID uuid.UUID
	CategoryID    uuid.UUID
}

// DBTX is the subset of pgxpool.Pool the repository needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository handles database operations for categorization
type Repository struct {
	db DBTX
}

// NewRepository creates a new categorization repository
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

// GetTenantRules fetches the tenant's rules, highest priority first
func (r *Repository) GetTenantRules(ctx context.Context, tenantID uuid.UUID) ([]CategoryRule, error) {
	query := `
		SELECT id, tenant_id, match_pattern, category_id, priority
		FROM category_rules
		WHERE tenant_id = $1
		ORDER BY priority DESC, created_at DESC
	`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []CategoryRule
	for rows.Next() {
		var rule CategoryRule
		if err := rows.Scan(
			&rule.ID,
			&rule.TenantID,
			&rule.MatchPattern,
			&rule.CategoryID,
			&rule.Priority,
		); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// GetUncategorized loads the text of the given transactions that have no category yet
func (r *Repository) GetUncategorized(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]TransactionText, error) {
	query := `
		SELECT id, transaction_type, description
		FROM marketplace_transactions
		WHERE tenant_id = $1 AND id = ANY($2) AND category_id IS NULL
	`

	rows, err := r.db.Query(ctx, query, tenantID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []TransactionText
	for rows.Next() {
		var tx TransactionText
		if err := rows.Scan(&tx.ID, &tx.Type, &tx.Description); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}

	return txs, rows.Err()
}

// AssignCategories writes all assignments in one statement
func (r *Repository) AssignCategories(ctx context.Context, tenantID uuid.UUID, assignments []Assignment) (int64, error) {
	if len(assignments) == 0 {
		return 0, nil
	}

	txIDs := make([]uuid.UUID, len(assignments))
	categoryIDs := make([]uuid.UUID, len(assignments))
	for i, a := range assignments {
		txIDs[i] = a.TransactionID
		categoryIDs[i] = a.CategoryID
	}

	query := `
		UPDATE marketplace_transactions AS t
		SET category_id = a.category_id
		FROM unnest($2::uuid[], $3::uuid[]) AS a(id, category_id)
		WHERE t.id = a.id AND t.tenant_id = $1
	`

	result, err := r.db.Exec(ctx, query, tenantID, txIDs, categoryIDs)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected(), nil
}
