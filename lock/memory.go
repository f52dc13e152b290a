package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local lock service.
type Memory struct {
	mu    sync.Mutex
	held  map[string]Token
	clock func() time.Time
}

// NewMemory constructs an empty in-process lock table.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]Token), clock: time.Now}
}

// WithClock overrides the time source used for expiry.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	if clock != nil {
		m.clock = clock
	}
	return m
}

// Acquire claims key for ttl unless a live token already holds it.
func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (*Token, error) {
	if err := validate(key, ttl); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if current, ok := m.held[key]; ok && now.Before(current.ExpiresAt) {
		return nil, ErrNotAcquired
	}
	token := Token{Key: key, Owner: uuid.NewString(), ExpiresAt: now.Add(ttl)}
	m.held[key] = token
	out := token
	return &out, nil
}

// Release frees the key if token still owns it.
func (m *Memory) Release(_ context.Context, token *Token) error {
	if token == nil {
		return ErrNotHeld
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.held[token.Key]
	if !ok || current.Owner != token.Owner {
		return ErrNotHeld
	}
	delete(m.held, token.Key)
	return nil
}
