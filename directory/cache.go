package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/shovinmd/arcular-plus-backend-sub000/geo"
)

const cacheKeyPrefix = "arcular:directory:"

// CachedFinder decorates a geo.Finder with a short-TTL Redis cache. Directory
// reads during fan-out and retry hit the same queries repeatedly; a stale
// window of a few seconds is acceptable for responder eligibility. Every
// cache failure falls back to the underlying finder.
type CachedFinder struct {
	inner  geo.Finder
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func NewCachedFinder(inner geo.Finder, client *redis.Client, ttl time.Duration, log *zap.Logger) *CachedFinder {
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedFinder{inner: inner, client: client, ttl: ttl, log: log}
}

func (c *CachedFinder) ActiveNear(ctx context.Context, point geo.Point, radiusKm float64) ([]geo.Responder, error) {
	key := fmt.Sprintf("%snear:%.6f:%.6f:%.0f", cacheKeyPrefix, point.Longitude, point.Latitude, radiusKm)
	return c.through(ctx, key, func() ([]geo.Responder, error) {
		return c.inner.ActiveNear(ctx, point, radiusKm)
	})
}

func (c *CachedFinder) ActiveByCityOrPostalCode(ctx context.Context, city, postalCode string) ([]geo.Responder, error) {
	key := fmt.Sprintf("%sadmin:%s:%s", cacheKeyPrefix, city, postalCode)
	return c.through(ctx, key, func() ([]geo.Responder, error) {
		return c.inner.ActiveByCityOrPostalCode(ctx, city, postalCode)
	})
}

func (c *CachedFinder) AllActive(ctx context.Context, limit int) ([]geo.Responder, error) {
	key := fmt.Sprintf("%sall:%d", cacheKeyPrefix, limit)
	return c.through(ctx, key, func() ([]geo.Responder, error) {
		return c.inner.AllActive(ctx, limit)
	})
}

func (c *CachedFinder) through(ctx context.Context, key string, load func() ([]geo.Responder, error)) ([]geo.Responder, error) {
	if c.client != nil {
		raw, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			var cached []geo.Responder
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		} else if err != redis.Nil {
			c.log.Debug("directory cache read failed", zap.String("key", key), zap.Error(err))
		}
	}

	out, err := load()
	if err != nil {
		return nil, err
	}

	if c.client != nil {
		if raw, err := json.Marshal(out); err == nil {
			if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
				c.log.Debug("directory cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return out, nil
}
