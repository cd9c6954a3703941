package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	apperrors "github.com/Aidin1998/intentex/common/errors"
	"github.com/Aidin1998/intentex/internal/events"
	"github.com/redis/go-redis/v9"
)

// QuoteCache keeps the latest quote per venue.
type QuoteCache interface {
	Put(ctx context.Context, q events.Quote) error
	Get(ctx context.Context, chain string) (*events.Quote, error)
}

// MemoryQuoteCache is a process-local QuoteCache.
type MemoryQuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]events.Quote
}

func NewMemoryQuoteCache() *MemoryQuoteCache {
	return &MemoryQuoteCache{quotes: make(map[string]events.Quote)}
}

func (m *MemoryQuoteCache) Put(_ context.Context, q events.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.quotes[q.Chain]; ok && cur.TS.After(q.TS) {
		return nil
	}
	m.quotes[q.Chain] = q
	return nil
}

func (m *MemoryQuoteCache) Get(_ context.Context, chain string) (*events.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[chain]
	if !ok {
		return nil, apperrors.NewNotFound("no quote for %s", chain)
	}
	return &q, nil
}

// RedisQuoteCache stores quotes as JSON under "<prefix>:quote:<chain>" with a TTL.
type RedisQuoteCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisQuoteCache(client *redis.Client, prefix string, ttl time.Duration) *RedisQuoteCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisQuoteCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisQuoteCache) key(chain string) string {
	return r.prefix + ":quote:" + chain
}

func (r *RedisQuoteCache) Put(ctx context.Context, q events.Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key(q.Chain), data, r.ttl).Err(); err != nil {
		return apperrors.NewTransientIO(err, "cache quote for %s", q.Chain)
	}
	return nil
}

func (r *RedisQuoteCache) Get(ctx context.Context, chain string) (*events.Quote, error) {
	data, err := r.client.Get(ctx, r.key(chain)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NewNotFound("no quote for %s", chain)
	}
	if err != nil {
		return nil, apperrors.NewTransientIO(err, "load quote for %s", chain)
	}
	var q events.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, apperrors.NewInternal(err, "decode quote for %s", chain)
	}
	return &q, nil
}
