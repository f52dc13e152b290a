package quota

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// Store persists windows by key. Load returns ErrNotConfigured for unknown keys.
type Store interface {
	Load(ctx context.Context, key string) (Window, error)
	Save(ctx context.Context, key string, w Window) error
}

// Memory keeps windows in process memory.
type Memory struct {
	mu      sync.Mutex
	windows map[string]Window
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{windows: make(map[string]Window)}
}

// Ensure creates the window for key or updates its period and cap, keeping
// the accumulated total.
func (m *Memory) Ensure(_ context.Context, key string, period time.Duration, limit *big.Int) error {
	fresh, err := NewWindow(period, limit)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.windows[key]; ok {
		current.PeriodLength = period
		current.Cap = cloneInt(limit)
		m.windows[key] = current
		return nil
	}
	m.windows[key] = fresh
	return nil
}

// Load returns a copy of the stored window.
func (m *Memory) Load(_ context.Context, key string) (Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok {
		return Window{}, ErrNotConfigured
	}
	return w.Clone(), nil
}

// Save stores a copy of w.
func (m *Memory) Save(_ context.Context, key string, w Window) error {
	if err := w.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[key] = w.Clone()
	return nil
}
