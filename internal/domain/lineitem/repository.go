// Package lineitem persists the products sold inside imported marketplace
// transactions and resolves marketplace SKUs to catalog products.
package lineitem

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Item is one product line of a stored transaction.
type Item struct {
	TransactionID  uuid.UUID
	SKU            string
	Description    string
	Quantity       int
	UnitPriceCents int64
	ProductID      *uuid.UUID
}

// Store is the line item persistence used by the import hooks.
type Store interface {
	CreateBatch(ctx context.Context, items []Item, tenantID uuid.UUID, channel string) (int, error)
	FindProductIDsBySKU(ctx context.Context, tenantID uuid.UUID, channel string, skus []string) (map[string]uuid.UUID, error)
}

// DBTX is the subset of pgxpool.Pool the repository needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Repository stores line items in PostgreSQL
type Repository struct {
	db DBTX
}

// NewRepository creates a new line item repository
func NewRepository(db DBTX) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

// CreateBatch inserts all items in one statement
func (r *Repository) CreateBatch(ctx context.Context, items []Item, tenantID uuid.UUID, channel string) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	n := len(items)
	txIDs := make([]uuid.UUID, n)
	skus := make([]string, n)
	descs := make([]string, n)
	qtys := make([]int32, n)
	prices := make([]int64, n)
	products := make([]*uuid.UUID, n)
	for i, it := range items {
		txIDs[i] = it.TransactionID
		skus[i] = it.SKU
		descs[i] = it.Description
		qtys[i] = int32(it.Quantity)
		prices[i] = it.UnitPriceCents
		products[i] = it.ProductID
	}

	query := `
		INSERT INTO marketplace_line_items (tenant_id, channel, transaction_id, sku, description, quantity, unit_price_cents, product_id)
		SELECT $1, $2, t.transaction_id, t.sku, t.description, t.quantity, t.unit_price_cents, t.product_id
		FROM unnest($3::uuid[], $4::text[], $5::text[], $6::int[], $7::bigint[], $8::uuid[])
			AS t(transaction_id, sku, description, quantity, unit_price_cents, product_id)
	`

	tag, err := r.db.Exec(ctx, query, tenantID, channel, txIDs, skus, descs, qtys, prices, products)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// FindProductIDsBySKU returns the product mapped to each known SKU
func (r *Repository) FindProductIDsBySKU(ctx context.Context, tenantID uuid.UUID, channel string, skus []string) (map[string]uuid.UUID, error) {
	found := make(map[string]uuid.UUID)
	if len(skus) == 0 {
		return found, nil
	}

	query := `
		SELECT sku, product_id
		FROM marketplace_product_mappings
		WHERE tenant_id = $1 AND channel = $2 AND sku = ANY($3)
	`

	rows, err := r.db.Query(ctx, query, tenantID, channel, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sku       string
			productID uuid.UUID
		)
		if err := rows.Scan(&sku, &productID); err != nil {
			return nil, err
		}
		found[sku] = productID
	}
	return found, rows.Err()
}

// MemoryStore keeps line items and product mappings in memory
type MemoryStore struct {
	mu       sync.RWMutex
	items    map[uuid.UUID][]Item // by tenant
	mappings map[mappingKey]uuid.UUID
}

type mappingKey struct {
	tenant  uuid.UUID
	channel string
	sku     string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:    make(map[uuid.UUID][]Item),
		mappings: make(map[mappingKey]uuid.UUID),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateBatch(_ context.Context, items []Item, tenantID uuid.UUID, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[tenantID] = append(m.items[tenantID], items...)
	return len(items), nil
}

func (m *MemoryStore) FindProductIDsBySKU(_ context.Context, tenantID uuid.UUID, channel string, skus []string) (map[string]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := make(map[string]uuid.UUID)
	for _, sku := range skus {
		if id, ok := m.mappings[mappingKey{tenantID, channel, sku}]; ok {
			found[sku] = id
		}
	}
	return found, nil
}

// MapProduct registers a SKU to product mapping
func (m *MemoryStore) MapProduct(tenantID uuid.UUID, channel, sku string, productID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[mappingKey{tenantID, channel, sku}] = productID
}

// Items returns the stored items of a tenant
func (m *MemoryStore) Items(tenantID uuid.UUID) []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Item(nil), m.items[tenantID]...)
}
