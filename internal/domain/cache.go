package domain

import (
	"context"
	"time"
)

// CatalogCache provides fast card definition lookups for read-heavy catalog
// endpoints. The cache is advisory: mint decisions always read the store.
type CatalogCache interface {
	Set(ctx context.Context, def CardDefinition) error
	Get(ctx context.Context, name string) (CardDefinition, error)
	Invalidate(ctx context.Context, name string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub fan-out plus durable, ordered streams. The
// websocket hub bridges bus channels to connected clients and overlays.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
