package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"gorm.io/gorm"

	"fundmgr/chain"
	"fundmgr/disburse"
)

// Disbursement is the SQL row for one ledger entry.
type Disbursement struct {
	ID          string    `gorm:"primaryKey;size:128"`
	Chain       string    `gorm:"size:64;index"`
	Kind        string    `gorm:"size:16"`
	State       string    `gorm:"size:16;index"`
	Escalated   bool      `gorm:"index"`
	Total       string    `gorm:"size:78"`
	Recipients  string    `gorm:"type:text"`
	Related     string    `gorm:"type:text"`
	Detail      string    `gorm:"type:text"`
	SubmittedAt time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

// Gorm stores entries in a SQL database (postgres in production, sqlite in tests).
type Gorm struct {
	db *gorm.DB
}

// NewGorm migrates the disbursements table and returns a ledger.
func NewGorm(db *gorm.DB) (*Gorm, error) {
	if db == nil {
		return nil, fmt.Errorf("ledger: database required")
	}
	if err := db.AutoMigrate(&Disbursement{}); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) Record(ctx context.Context, entry disburse.Entry) error {
	if strings.TrimSpace(entry.ID) == "" {
		return fmt.Errorf("%w: empty transaction id", disburse.ErrInvalidRequest)
	}
	row, err := toRow(entry)
	if err != nil {
		return err
	}
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Disbursement{}).Where("id = ?", entry.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("ledger: lookup %s: %w", entry.ID, err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", disburse.ErrDuplicateTransaction, entry.ID)
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("ledger: record %s: %w", entry.ID, err)
		}
		return nil
	})
}

func (g *Gorm) Transition(ctx context.Context, id string, to disburse.State, detail string, at time.Time) (disburse.Entry, error) {
	return g.update(ctx, id, func(e *disburse.Entry) error {
		return disburse.ApplyTransition(e, to, detail, at)
	})
}

func (g *Gorm) Acknowledge(ctx context.Context, id, note string, at time.Time) (disburse.Entry, error) {
	return g.update(ctx, id, func(e *disburse.Entry) error {
		disburse.AcknowledgeEntry(e, note, at)
		return nil
	})
}

func (g *Gorm) update(ctx context.Context, id string, mutate func(*disburse.Entry) error) (disburse.Entry, error) {
	var out disburse.Entry
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entry, err := load(tx, id)
		if err != nil {
			return err
		}
		if err := mutate(&entry); err != nil {
			return err
		}
		row, err := toRow(entry)
		if err != nil {
			return err
		}
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("ledger: update %s: %w", id, err)
		}
		out = entry
		return nil
	})
	if err != nil {
		return disburse.Entry{}, err
	}
	return out, nil
}

func (g *Gorm) Get(ctx context.Context, id string) (disburse.Entry, error) {
	return load(g.db.WithContext(ctx), id)
}

func (g *Gorm) Unresolved(ctx context.Context) ([]disburse.Entry, error) {
	open := []string{string(disburse.StateBuilt), string(disburse.StateSubmitted), string(disburse.StateTimedOut)}
	var rows []Disbursement
	err := g.db.WithContext(ctx).
		Where("state IN ? OR escalated = ?", open, true).
		Order("submitted_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list unresolved: %w", err)
	}
	out := make([]disburse.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func load(db *gorm.DB, id string) (disburse.Entry, error) {
	var row Disbursement
	err := db.Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return disburse.Entry{}, fmt.Errorf("%w: %s", disburse.ErrEntryNotFound, id)
	}
	if err != nil {
		return disburse.Entry{}, fmt.Errorf("ledger: load %s: %w", id, err)
	}
	return fromRow(row)
}

func toRow(entry disburse.Entry) (Disbursement, error) {
	recipients, err := json.Marshal(entry.Recipients)
	if err != nil {
		return Disbursement{}, fmt.Errorf("ledger: encode recipients: %w", err)
	}
	related, err := json.Marshal(entry.Related)
	if err != nil {
		return Disbursement{}, fmt.Errorf("ledger: encode related: %w", err)
	}
	total := "0"
	if entry.Total != nil {
		total = entry.Total.String()
	}
	return Disbursement{
		ID:          entry.ID,
		Chain:       entry.Chain,
		Kind:        string(entry.Kind),
		State:       string(entry.State),
		Escalated:   entry.Escalated,
		Total:       total,
		Recipients:  string(recipients),
		Related:     string(related),
		Detail:      entry.Detail,
		SubmittedAt: entry.SubmittedAt.UTC(),
		UpdatedAt:   entry.UpdatedAt.UTC(),
	}, nil
}

func fromRow(row Disbursement) (disburse.Entry, error) {
	total, ok := new(big.Int).SetString(row.Total, 10)
	if !ok {
		return disburse.Entry{}, fmt.Errorf("ledger: %s has invalid total %q", row.ID, row.Total)
	}
	entry := disburse.Entry{
		ID:          row.ID,
		Chain:       row.Chain,
		Kind:        chain.Kind(row.Kind),
		State:       disburse.State(row.State),
		Escalated:   row.Escalated,
		Total:       total,
		Detail:      row.Detail,
		SubmittedAt: row.SubmittedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.Recipients != "" {
		if err := json.Unmarshal([]byte(row.Recipients), &entry.Recipients); err != nil {
			return disburse.Entry{}, fmt.Errorf("ledger: decode recipients of %s: %w", row.ID, err)
		}
	}
	if row.Related != "" && row.Related != "null" {
		if err := json.Unmarshal([]byte(row.Related), &entry.Related); err != nil {
			return disburse.Entry{}, fmt.Errorf("ledger: decode related of %s: %w", row.ID, err)
		}
	}
	return entry, nil
}
