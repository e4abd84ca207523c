package categorization

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Store is the persistence the service depends on
type Store interface {
	GetTenantRules(ctx context.Context, tenantID uuid.UUID) ([]CategoryRule, error)
	GetUncategorized(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]TransactionText, error)
	AssignCategories(ctx context.Context, tenantID uuid.UUID, assignments []Assignment) (int64, error)
}

// Service assigns categories to imported transactions
type Service struct {
	store          Store
	logger         *slog.Logger
	fuzzyThreshold int
}

// NewService creates a new categorization service
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:          store,
		logger:         logger,
		fuzzyThreshold: DefaultFuzzyThreshold,
	}
}

// Categorize picks a category for one text. The exact matcher runs first;
// the fuzzy matcher is consulted only when it finds nothing.
func Categorize(engine *Engine, fuzzyMatcher *FuzzyMatcher, text string, threshold int) (uuid.UUID, bool) {
	if m := engine.Match(text); m != nil {
		return m.CategoryID, true
	}
	if m := fuzzyMatcher.Match(text, threshold); m != nil {
		return m.CategoryID, true
	}
	return uuid.Nil, false
}

// CategorizeTransactions categorizes the given freshly inserted
// transactions with the tenant's rules and returns how many were updated.
func (s *Service) CategorizeTransactions(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	rules, err := s.store.GetTenantRules(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("load category rules: %w", err)
	}
	if len(rules) == 0 {
		return 0, nil
	}

	txs, err := s.store.GetUncategorized(ctx, tenantID, ids)
	if err != nil {
		return 0, fmt.Errorf("load transactions: %w", err)
	}

	engine := NewEngine(rules)
	fuzzyMatcher := NewFuzzyMatcher(rules)

	descriptions := make([]string, len(txs))
	for i, tx := range txs {
		descriptions[i] = tx.Description
	}
	exact := engine.MatchBatch(descriptions)

	assignments := make([]Assignment, 0, len(txs))
	for i, tx := range txs {
		var (
			categoryID uuid.UUID
			ok         bool
		)
		if exact[i] != nil {
			categoryID, ok = exact[i].CategoryID, true
		} else if m := fuzzyMatcher.Match(tx.Description, s.fuzzyThreshold); m != nil {
			categoryID, ok = m.CategoryID, true
		}
		if !ok && tx.Type != "" {
			categoryID, ok = Categorize(engine, fuzzyMatcher, tx.Type, s.fuzzyThreshold)
		}
		if ok {
			assignments = append(assignments, Assignment{TransactionID: tx.ID, CategoryID: categoryID})
		}
	}

	updated, err := s.store.AssignCategories(ctx, tenantID, assignments)
	if err != nil {
		return 0, fmt.Errorf("assign categories: %w", err)
	}

	s.logger.DebugContext(ctx, "transactions categorized",
		"tenant_id", tenantID,
		"candidates", len(txs),
		"categorized", updated,
	)
	return int(updated), nil
}
