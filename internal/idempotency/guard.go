// Package idempotency guards property-creation retries: a client-supplied
// key is claimed in Redis before the workflow runs, so a retransmitted
// request cannot create a second listing with a second set of blobs.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 24 * time.Hour

// Guard claims idempotency keys with SET NX.
type Guard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewGuard creates a guard on an existing Redis client.
func NewGuard(client *redis.Client, prefix string, ttl time.Duration) (*Guard, error) {
	if client == nil {
		return nil, errors.New("idempotency guard requires a redis client")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "realtyhub:idem"
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Guard{client: client, prefix: prefix, ttl: ttl}, nil
}

// Claim attempts to own the key for the caller identified by scope (an
// opaque credential, hashed before use). It returns false when the key was
// already claimed by an earlier request. Redis failures fail open: losing
// duplicate protection is preferable to refusing every create.
func (g *Guard) Claim(ctx context.Context, scope, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return true, nil
	}
	ok, err := g.client.SetNX(ctx, g.redisKey(scope, key), 1, g.ttl).Result()
	if err != nil {
		return true, err
	}
	return ok, nil
}

// Release frees a claimed key so the client may retry after a failed run.
func (g *Guard) Release(ctx context.Context, scope, key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	_ = g.client.Del(ctx, g.redisKey(scope, key)).Err()
}

func (g *Guard) redisKey(scope, key string) string {
	sum := sha256.Sum256([]byte(scope))
	return g.prefix + ":" + hex.EncodeToString(sum[:8]) + ":" + key
}

