package paywall

import (
	"context"
	"fmt"
	"sync"
)

// Catalog is an in-memory ProductLoader, used by the simulator and tests.
type Catalog struct {
	mu       sync.RWMutex
	products map[string]StoreProduct
}

// NewCatalog creates a catalog preloaded with products.
func NewCatalog(products ...StoreProduct) *Catalog {
	c := &Catalog{products: make(map[string]StoreProduct, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

// Put adds or replaces a product.
func (c *Catalog) Put(p StoreProduct) {
	c.mu.Lock()
	c.products[p.ID] = p
	c.mu.Unlock()
}

// LoadProducts returns every requested product or an error naming the first
// missing one.
func (c *Catalog) LoadProducts(_ context.Context, ids []string) (map[string]StoreProduct, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]StoreProduct, len(ids))
	for _, id := range ids {
		p, ok := c.products[id]
		if !ok {
			return nil, fmt.Errorf("product %q is not in the catalog", id)
		}
		out[id] = p
	}
	return out, nil
}
