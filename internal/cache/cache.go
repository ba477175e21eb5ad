package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"mealline/internal/domain"
)

// OrderCache is a read-through cache for orders. Entries expire on TTL and are
// evicted explicitly on every version write, resolution and archival so a
// cached document can never mask a newer version.
type OrderCache struct {
	lru *expirable.LRU[string, domain.MealOrder]
}

func New(size int, ttl time.Duration) *OrderCache {
	if size <= 0 {
		size = 1024
	}
	return &OrderCache{lru: expirable.NewLRU[string, domain.MealOrder](size, nil, ttl)}
}

func (c *OrderCache) Get(id string) (domain.MealOrder, bool) {
	if c == nil {
		return domain.MealOrder{}, false
	}
	return c.lru.Get(id)
}

func (c *OrderCache) Set(o domain.MealOrder) {
	if c == nil {
		return
	}
	c.lru.Add(o.ID, o)
}

func (c *OrderCache) Invalidate(id string) {
	if c == nil {
		return
	}
	c.lru.Remove(id)
}

func (c *OrderCache) Purge() {
	if c == nil {
		return
	}
	c.lru.Purge()
}
