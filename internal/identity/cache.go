package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "policygate:identity:"

// CachingResolver caches successful resolutions in Redis. Tokens are stored
// only as SHA-256 digests. An entry never outlives the token's own expiry.
// Failed resolutions are never cached, and a Redis outage degrades to
// calling the wrapped resolver directly.
type CachingResolver struct {
	next   Resolver
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewCachingResolver wraps next with a cache of the given ttl
func NewCachingResolver(next Resolver, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachingResolver {
	return &CachingResolver{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "identity_cache")),
		now:    time.Now,
	}
}

// Resolve implements Resolver
func (c *CachingResolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return c.next.Resolve(ctx, token)
	}
	key := cacheKey(token)

	cached, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var id Identity
		jsonErr := json.Unmarshal(cached, &id)
		switch {
		case jsonErr != nil:
			c.logger.Warn("Discarding unreadable cache entry")
		case id.Expired(c.now()):
			// the wrapped resolver reports the expiry
			c.client.Del(ctx, key)
		default:
			return id.Clone(), nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("Identity cache read failed", zap.Error(err))
	}

	id, err := c.next.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}

	ttl := c.ttl
	if !id.ExpiresAt.IsZero() {
		ttl = min(ttl, id.ExpiresAt.Sub(c.now()))
	}
	if ttl <= 0 {
		return id, nil
	}
	if data, err := json.Marshal(id); err == nil {
		if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
			c.logger.Warn("Identity cache write failed", zap.Error(err))
		}
	}
	return id, nil
}

// Unwrap returns the cached resolver
func (c *CachingResolver) Unwrap() Resolver {
	return c.next
}

// Invalidate drops the cached identity for token
func (c *CachingResolver) Invalidate(ctx context.Context, token string) error {
	return c.client.Del(ctx, cacheKey(token)).Err()
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}
