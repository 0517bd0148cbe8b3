package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Just-Joe-Barnes/twitch-trading-cards/internal/domain"
)

// catalogTTL bounds staleness of cached definitions. The cache is advisory:
// mint decisions always read the store, so a stale entry can only mis-render
// a catalog page, never mint a duplicate.
const catalogTTL = 5 * time.Minute

// CatalogCache implements domain.CatalogCache over Redis string keys with
// JSON-encoded definitions. Serial pools are excluded from the encoding.
type CatalogCache struct {
	rdb *redis.Client
}

// NewCatalogCache creates a CatalogCache backed by the given Client.
func NewCatalogCache(c *Client) *CatalogCache {
	return &CatalogCache{rdb: c.Underlying()}
}

func catalogKey(name string) string {
	return "catalog:def:" + name
}

// Set stores a definition.
func (cc *CatalogCache) Set(ctx context.Context, def domain.CardDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("redis: marshal definition %s: %w", def.Name, err)
	}
	if err := cc.rdb.Set(ctx, catalogKey(def.Name), data, catalogTTL).Err(); err != nil {
		return fmt.Errorf("redis: cache definition %s: %w", def.Name, err)
	}
	return nil
}

// Get returns a cached definition or domain.ErrNotFound on a miss.
func (cc *CatalogCache) Get(ctx context.Context, name string) (domain.CardDefinition, error) {
	data, err := cc.rdb.Get(ctx, catalogKey(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.CardDefinition{}, domain.ErrNotFound
		}
		return domain.CardDefinition{}, fmt.Errorf("redis: get definition %s: %w", name, err)
	}
	var def domain.CardDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return domain.CardDefinition{}, fmt.Errorf("redis: decode definition %s: %w", name, err)
	}
	return def, nil
}

// Invalidate drops a cached definition.
func (cc *CatalogCache) Invalidate(ctx context.Context, name string) error {
	if err := cc.rdb.Del(ctx, catalogKey(name)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate definition %s: %w", name, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.CatalogCache = (*CatalogCache)(nil)
