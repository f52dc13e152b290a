package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still carries the caller's owner id.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis shares locks between processes through SET NX PX.
type Redis struct {
	client redis.UniversalClient
	prefix string
	clock  func() time.Time
}

// NewRedis wraps an existing client. Keys are namespaced with prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, clock: time.Now}
}

// DialRedis connects to addr and verifies the connection before returning.
func DialRedis(ctx context.Context, addr, password string, db int, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lock: connect redis: %w", err)
	}
	return NewRedis(client, prefix), nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// Acquire sets the namespaced key if absent.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (*Token, error) {
	if err := validate(key, ttl); err != nil {
		return nil, err
	}
	owner := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Token{Key: key, Owner: owner, ExpiresAt: r.clock().Add(ttl)}, nil
}

// Release compares and deletes atomically.
func (r *Redis) Release(ctx context.Context, token *Token) error {
	if token == nil {
		return ErrNotHeld
	}
	deleted, err := releaseScript.Run(ctx, r.client, []string{r.prefix + token.Key}, token.Owner).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lock: release %s: %w", token.Key, err)
	}
	if deleted == 0 {
		return ErrNotHeld
	}
	return nil
}
