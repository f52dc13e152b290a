package quota

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"
)

// LightningConfig is the persisted form of a quota window.
type LightningConfig struct {
	Name          string `gorm:"primaryKey;size:64"`
	PeriodMillis  int64  `gorm:"not null"`
	PeriodMaxCap  string `gorm:"size:78;not null"`
	ClaimedAmount string `gorm:"size:78;not null"`
	CurrentRound  int64  `gorm:"not null"`
	UpdatedAt     time.Time
}

// GormStore persists windows in the lightning_configs table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the table and returns a store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("quota: database required")
	}
	if err := db.AutoMigrate(&LightningConfig{}); err != nil {
		return nil, fmt.Errorf("quota: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// Ensure creates the record for key or updates its period and cap.
func (s *GormStore) Ensure(ctx context.Context, key string, period time.Duration, limit *big.Int) error {
	if _, err := NewWindow(period, limit); err != nil {
		return err
	}
	var row LightningConfig
	err := s.db.WithContext(ctx).Where("name = ?", key).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = LightningConfig{
			Name:          key,
			PeriodMillis:  period.Milliseconds(),
			PeriodMaxCap:  limit.String(),
			ClaimedAmount: "0",
		}
		return s.db.WithContext(ctx).Create(&row).Error
	case err != nil:
		return fmt.Errorf("quota: load %s: %w", key, err)
	}
	row.PeriodMillis = period.Milliseconds()
	row.PeriodMaxCap = limit.String()
	return s.db.WithContext(ctx).Save(&row).Error
}

// Load reads the window for key.
func (s *GormStore) Load(ctx context.Context, key string) (Window, error) {
	var row LightningConfig
	err := s.db.WithContext(ctx).Where("name = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Window{}, ErrNotConfigured
	}
	if err != nil {
		return Window{}, fmt.Errorf("quota: load %s: %w", key, err)
	}
	capAmount, ok := new(big.Int).SetString(row.PeriodMaxCap, 10)
	if !ok {
		return Window{}, fmt.Errorf("%w: cap %q", ErrInvalidWindow, row.PeriodMaxCap)
	}
	claimed, ok := new(big.Int).SetString(row.ClaimedAmount, 10)
	if !ok {
		return Window{}, fmt.Errorf("%w: claimed %q", ErrInvalidWindow, row.ClaimedAmount)
	}
	return Window{
		PeriodLength: time.Duration(row.PeriodMillis) * time.Millisecond,
		Cap:          capAmount,
		Cumulative:   claimed,
		PeriodIndex:  row.CurrentRound,
	}, nil
}

// Save writes w under key.
func (s *GormStore) Save(ctx context.Context, key string, w Window) error {
	if err := w.Validate(); err != nil {
		return err
	}
	claimed := "0"
	if w.Cumulative != nil {
		claimed = w.Cumulative.String()
	}
	row := LightningConfig{
		Name:          key,
		PeriodMillis:  w.PeriodLength.Milliseconds(),
		PeriodMaxCap:  w.Cap.String(),
		ClaimedAmount: claimed,
		CurrentRound:  w.PeriodIndex,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("quota: save %s: %w", key, err)
	}
	return nil
}
