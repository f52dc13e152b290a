package disburse

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryLedger is a process-local Ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]Entry)}
}

func (m *MemoryLedger) Record(_ context.Context, entry Entry) error {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return fmt.Errorf("%w: empty transaction id", ErrInvalidRequest)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, id)
	}
	m.entries[id] = entry.Clone()
	return nil
}

func (m *MemoryLedger) Transition(_ context.Context, id string, to State, detail string, at time.Time) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if err := ApplyTransition(&entry, to, detail, at); err != nil {
		return Entry{}, err
	}
	m.entries[id] = entry
	return entry.Clone(), nil
}

func (m *MemoryLedger) Acknowledge(_ context.Context, id, note string, at time.Time) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	AcknowledgeEntry(&entry, note, at)
	m.entries[id] = entry
	return entry.Clone(), nil
}

func (m *MemoryLedger) Get(_ context.Context, id string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return entry.Clone(), nil
}

func (m *MemoryLedger) Unresolved(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0)
	for _, entry := range m.entries {
		if entry.Unresolved() {
			out = append(out, entry.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}
