// Package lock provides time-bounded mutual exclusion keyed by resource name.
// At most one valid Token exists per key at any instant.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotAcquired indicates the key is already held by another owner.
	ErrNotAcquired = errors.New("lock: key already held")
	// ErrNotHeld indicates a release for a token that no longer owns the key.
	ErrNotHeld = errors.New("lock: token does not hold the key")
	// ErrInvalidKey indicates an empty key or non-positive ttl.
	ErrInvalidKey = errors.New("lock: invalid key or ttl")
)

// Token is proof of ownership of a key until ExpiresAt.
type Token struct {
	Key       string
	Owner     string
	ExpiresAt time.Time
}

// Service acquires and releases keyed locks. Acquire must be atomic: two
// callers can never both observe the key as free.
type Service interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Token, error)
	Release(ctx context.Context, token *Token) error
}

func validate(key string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" || ttl <= 0 {
		return ErrInvalidKey
	}
	return nil
}
