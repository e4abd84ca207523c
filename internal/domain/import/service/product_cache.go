package service

import (
	"context"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/FACorreiaa/marketplace-ledger/internal/domain/lineitem"
)

// ProductCache resolves marketplace SKUs to catalog products for a single
// job. Each job creates its own cache; nothing is shared across jobs.
// SKUs without a mapping are remembered as misses so they are looked up once.
type ProductCache struct {
	store    lineitem.Store
	tenantID uuid.UUID
	channel  string
	cache    *gocache.Cache
	lookups  int
}

// NewProductCache creates an empty cache scoped to one tenant and channel.
func NewProductCache(store lineitem.Store, tenantID uuid.UUID, channel string) *ProductCache {
	return &ProductCache{
		store:    store,
		tenantID: tenantID,
		channel:  channel,
		cache:    gocache.New(gocache.NoExpiration, 0),
	}
}

// Resolve returns the product ids known for skus. Cache misses are fetched
// in one batched lookup.
func (c *ProductCache) Resolve(ctx context.Context, skus []string) (map[string]uuid.UUID, error) {
	out := make(map[string]uuid.UUID, len(skus))
	var missing []string
	seen := make(map[string]struct{}, len(skus))

	for _, sku := range skus {
		if sku == "" {
			continue
		}
		if _, dup := seen[sku]; dup {
			continue
		}
		seen[sku] = struct{}{}

		if v, ok := c.cache.Get(sku); ok {
			if id := v.(uuid.UUID); id != uuid.Nil {
				out[sku] = id
			}
			continue
		}
		missing = append(missing, sku)
	}

	if len(missing) == 0 {
		return out, nil
	}

	c.lookups++
	found, err := c.store.FindProductIDsBySKU(ctx, c.tenantID, c.channel, missing)
	if err != nil {
		return out, err
	}
	for _, sku := range missing {
		id, ok := found[sku]
		if !ok {
			id = uuid.Nil
		}
		c.cache.Set(sku, id, gocache.NoExpiration)
		if id != uuid.Nil {
			out[sku] = id
		}
	}
	return out, nil
}

// Len is the number of cached SKUs, misses included.
func (c *ProductCache) Len() int {
	return c.cache.ItemCount()
}
