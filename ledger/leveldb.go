// Package ledger persists disbursement entries so transaction identifiers are
// never reused and unresolved payouts survive restarts.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"fundmgr/disburse"
)

const (
	entryKeyPrefix = "entry:"
	openKeyPrefix  = "open:"
)

// LevelDB stores entries as JSON with an ordered index of unresolved ids.
type LevelDB struct {
	mu sync.Mutex
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) a ledger at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: leveldb path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("ledger: resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: open leveldb: %w", err)
	}
	return &LevelDB{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (l *LevelDB) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func (l *LevelDB) Record(_ context.Context, entry disburse.Entry) error {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return fmt.Errorf("%w: empty transaction id", disburse.ErrInvalidRequest)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(entryKey(id), nil)
	if err != nil {
		return fmt.Errorf("ledger: lookup %s: %w", id, err)
	}
	if ok {
		return fmt.Errorf("%w: %s", disburse.ErrDuplicateTransaction, id)
	}
	batch := new(leveldb.Batch)
	if err := putEntry(batch, entry); err != nil {
		return err
	}
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("ledger: record %s: %w", id, err)
	}
	return nil
}

func (l *LevelDB) Transition(_ context.Context, id string, to disburse.State, detail string, at time.Time) (disburse.Entry, error) {
	return l.update(id, func(e *disburse.Entry) error {
		return disburse.ApplyTransition(e, to, detail, at)
	})
}

func (l *LevelDB) Acknowledge(_ context.Context, id, note string, at time.Time) (disburse.Entry, error) {
	return l.update(id, func(e *disburse.Entry) error {
		disburse.AcknowledgeEntry(e, note, at)
		return nil
	})
}

func (l *LevelDB) update(id string, mutate func(*disburse.Entry) error) (disburse.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, err := l.load(id)
	if err != nil {
		return disburse.Entry{}, err
	}
	wasOpen := entry.Unresolved()
	if err := mutate(&entry); err != nil {
		return disburse.Entry{}, err
	}
	batch := new(leveldb.Batch)
	if wasOpen && !entry.Unresolved() {
		batch.Delete(openKey(entry))
	}
	if err := putEntry(batch, entry); err != nil {
		return disburse.Entry{}, err
	}
	if err := l.db.Write(batch, nil); err != nil {
		return disburse.Entry{}, fmt.Errorf("ledger: update %s: %w", id, err)
	}
	return entry, nil
}

func (l *LevelDB) Get(_ context.Context, id string) (disburse.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(id)
}

func (l *LevelDB) Unresolved(ctx context.Context) ([]disburse.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	iter := l.db.NewIterator(util.BytesPrefix([]byte(openKeyPrefix)), nil)
	defer iter.Release()

	out := make([]disburse.Entry, 0)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		entry, err := l.load(string(iter.Value()))
		if err != nil {
			return nil, err
		}
		if entry.Unresolved() {
			out = append(out, entry)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("ledger: iterate unresolved: %w", err)
	}
	return out, nil
}

func (l *LevelDB) load(id string) (disburse.Entry, error) {
	raw, err := l.db.Get(entryKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return disburse.Entry{}, fmt.Errorf("%w: %s", disburse.ErrEntryNotFound, id)
	}
	if err != nil {
		return disburse.Entry{}, fmt.Errorf("ledger: load %s: %w", id, err)
	}
	var entry disburse.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return disburse.Entry{}, fmt.Errorf("ledger: decode %s: %w", id, err)
	}
	return entry, nil
}

func putEntry(batch *leveldb.Batch, entry disburse.Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger: encode %s: %w", entry.ID, err)
	}
	batch.Put(entryKey(entry.ID), raw)
	if entry.Unresolved() {
		batch.Put(openKey(entry), []byte(entry.ID))
	}
	return nil
}

func entryKey(id string) []byte {
	return []byte(entryKeyPrefix + id)
}

// openKey orders unresolved entries by submission time.
func openKey(entry disburse.Entry) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", openKeyPrefix, entry.SubmittedAt.UTC().UnixNano(), entry.ID))
}
