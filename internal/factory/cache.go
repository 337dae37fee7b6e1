package factory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const batchCachePrefix = "factory:batch:"

// CachedStore is a read-through Redis cache in front of the authoritative store.
// Every write invalidates the cached aggregate, whatever its outcome.
type CachedStore struct {
	store  Store
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewCachedStore wraps store. A nil client disables caching.
func NewCachedStore(store Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{store: store, client: client, ttl: ttl, logger: logger}
}

func batchCacheKey(id string) string {
	return batchCachePrefix + id
}

// ReadBatch serves the aggregate from Redis when present, loading it once per
// key on a miss.
func (c *CachedStore) ReadBatch(ctx context.Context, id string) (Workflow, error) {
	if c.client == nil {
		return c.store.ReadBatch(ctx, id)
	}
	key := batchCacheKey(id)
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var wf Workflow
		if err := json.Unmarshal(payload, &wf); err == nil {
			return wf, nil
		}
		c.logger.Warn("factory cache decode", slog.String("batch_id", id), slog.Any("error", err))
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("factory cache get", slog.String("batch_id", id), slog.Any("error", err))
	}
	value, err, _ := c.group.Do(key, func() (any, error) {
		wf, err := c.store.ReadBatch(ctx, id)
		if err != nil {
			return Workflow{}, err
		}
		raw, err := json.Marshal(wf)
		if err != nil {
			return wf, nil
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.Warn("factory cache set", slog.String("batch_id", id), slog.Any("error", err))
		}
		return wf, nil
	})
	if err != nil {
		return Workflow{}, err
	}
	return value.(Workflow), nil
}

// WriteBatchFields writes through to the store and drops the cached aggregate.
func (c *CachedStore) WriteBatchFields(ctx context.Context, id string, patch BatchPatch) (int64, error) {
	version, err := c.store.WriteBatchFields(ctx, id, patch)
	c.Invalidate(ctx, id)
	return version, err
}

// EnumerateAllOutputRecords always reads the store so lot numbers see every record.
func (c *CachedStore) EnumerateAllOutputRecords(ctx context.Context) ([]OutputRecord, error) {
	return c.store.EnumerateAllOutputRecords(ctx)
}

// Invalidate removes the cached aggregate for id.
func (c *CachedStore) Invalidate(ctx context.Context, id string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, batchCacheKey(id)).Err(); err != nil {
		c.logger.Warn("factory cache invalidate", slog.String("batch_id", id), slog.Any("error", err))
	}
}
