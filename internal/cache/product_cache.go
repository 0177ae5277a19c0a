package cache

import (
	"strings"
	"time"

	appstoredomain "github.com/smallbiznis/iapsync/internal/appstore/domain"
)

const defaultProductTTL = 5 * time.Minute

// ProductCache stores product mapping lookups for reconciliation. Misses are
// not cached so a mapping added by an operator is picked up immediately.
type ProductCache interface {
	GetProduct(productID string) (appstoredomain.ProductMapping, bool)
	SetProduct(mapping appstoredomain.ProductMapping)
	InvalidateProduct(productID string)
}

type productCache struct {
	products Cache[string, appstoredomain.ProductMapping]
	ttl      time.Duration
}

func NewProductCache() ProductCache {
	return &productCache{
		products: NewTTLCache[string, appstoredomain.ProductMapping](),
		ttl:      defaultProductTTL,
	}
}

func (c *productCache) GetProduct(productID string) (appstoredomain.ProductMapping, bool) {
	return c.products.Get(strings.TrimSpace(productID))
}

func (c *productCache) SetProduct(mapping appstoredomain.ProductMapping) {
	if mapping.ID == 0 || mapping.ProductID == "" {
		return
	}
	c.products.Set(strings.TrimSpace(mapping.ProductID), mapping, c.ttl)
}

func (c *productCache) InvalidateProduct(productID string) {
	c.products.Delete(strings.TrimSpace(productID))
}
