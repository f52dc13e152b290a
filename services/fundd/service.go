package fundd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fundmgr/backend/evm"
	"fundmgr/backend/lightning"
	"fundmgr/backend/solana"
	"fundmgr/chain"
	"fundmgr/disburse"
	"fundmgr/ledger"
	"fundmgr/lock"
	"fundmgr/observability"
	"fundmgr/observability/logging"
	"fundmgr/quota"
	"fundmgr/recon"
)

// Service bundles the wired components of a running fundd.
type Service struct {
	Chains      *chain.Registry
	Coordinator *disburse.Coordinator
	Reconciler  *recon.Reconciler
	Scheduler   *recon.Scheduler

	sql     map[string]*gorm.DB
	closers []func() error
}

// NewService builds every component named by cfg. The caller owns Close.
func NewService(ctx context.Context, cfg Config, log *slog.Logger) (_ *Service, err error) {
	if log == nil {
		log = slog.Default()
	}
	svc := &Service{}
	defer func() {
		if err != nil {
			_ = svc.Close()
		}
	}()

	specs := make([]chain.Spec, 0, len(cfg.Chains))
	for _, entry := range cfg.Chains {
		specs = append(specs, entry.Spec)
	}
	svc.Chains, err = chain.FromSpecs(specs)
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		log.Info("chain configured",
			slog.String("chain", spec.Name),
			slog.String("kind", spec.Kind),
			logging.Custody(spec.Custody),
			logging.MaskField("endpoint", spec.Endpoint))
	}

	locks, err := svc.openLocks(ctx, cfg.Lock)
	if err != nil {
		return nil, err
	}
	book, err := svc.openLedger(cfg.Storage)
	if err != nil {
		return nil, err
	}
	quotas, err := svc.openQuotas(ctx, cfg)
	if err != nil {
		return nil, err
	}

	evmBackend := evm.New(evm.WithLogger(log))
	solBackend := solana.New(solana.WithLogger(log))
	svc.closers = append(svc.closers,
		func() error { evmBackend.Close(); return nil },
		func() error { solBackend.Close(); return nil })

	svc.Coordinator = disburse.NewCoordinator(
		disburse.WithBackend(evmBackend),
		disburse.WithBackend(solBackend),
		disburse.WithBackend(lightning.New(lightning.WithLogger(log))),
		disburse.WithLedger(book),
		disburse.WithLocks(locks),
		disburse.WithQuotas(quotas),
		disburse.WithLockTTL(cfg.Lock.TTL.Duration),
		disburse.WithLogger(log),
	)
	if cfg.PauseOnStart {
		svc.Coordinator.Pause()
	}

	svc.Reconciler, err = recon.NewReconciler(recon.Config{
		Ledger:     book,
		Confirmer:  svc.Coordinator,
		Chains:     svc.Chains,
		OutputDir:  cfg.Recon.OutputDir,
		DryRun:     cfg.Recon.DryRun,
		StaleAfter: cfg.Recon.StaleAfter.Duration,
		Logger:     log,
		Metrics:    observability.Recon(),
		Alert: func(_ context.Context, anomaly recon.Anomaly) error {
			log.Warn("reconciliation anomaly",
				slog.String("type", anomaly.Type),
				slog.String("tx_id", anomaly.ID),
				slog.String("chain", anomaly.Chain),
				slog.String("details", anomaly.Details))
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if cfg.Recon.Enabled {
		svc.Scheduler = recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: svc.Reconciler,
			Interval:   cfg.Recon.Interval.Duration,
			Logger:     log,
		})
	}
	return svc, nil
}

func (s *Service) openLocks(ctx context.Context, cfg LockConfig) (lock.Service, error) {
	if cfg.Driver != "redis" {
		return lock.NewMemory(), nil
	}
	redisLock, err := lock.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("dial redis: %w", err)
	}
	s.closers = append(s.closers, redisLock.Close)
	return redisLock, nil
}

func (s *Service) openLedger(cfg StoreConfig) (disburse.Ledger, error) {
	switch cfg.Ledger {
	case "memory":
		return disburse.NewMemoryLedger(), nil
	case "leveldb":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := ledger.OpenLevelDB(filepath.Join(cfg.DataDir, "ledger"))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		return db, nil
	default:
		db, err := s.openSQL(cfg.Ledger, cfg)
		if err != nil {
			return nil, err
		}
		book, err := ledger.NewGorm(db)
		if err != nil {
			return nil, err
		}
		return book, nil
	}
}

func (s *Service) openQuotas(ctx context.Context, cfg Config) (quota.Store, error) {
	type ensurer interface {
		quota.Store
		Ensure(ctx context.Context, key string, period time.Duration, limit *big.Int) error
	}
	var store ensurer
	if cfg.Storage.Quota == "memory" {
		store = quota.NewMemory()
	} else {
		db, err := s.openSQL(cfg.Storage.Quota, cfg.Storage)
		if err != nil {
			return nil, err
		}
		gormStore, err := quota.NewGormStore(db)
		if err != nil {
			return nil, err
		}
		store = gormStore
	}
	for _, entry := range cfg.Chains {
		period, limit, ok, err := entry.Quota()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := store.Ensure(ctx, entry.Name, period, limit); err != nil {
			return nil, fmt.Errorf("quota %s: %w", entry.Name, err)
		}
	}
	return store, nil
}

// openSQL shares one handle per driver between the ledger and quota stores.
func (s *Service) openSQL(driver string, cfg StoreConfig) (*gorm.DB, error) {
	if db, ok := s.sql[driver]; ok {
		return db, nil
	}
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join(cfg.DataDir, "fundmgr.db")
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown sql driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	s.closers = append(s.closers, sqlDB.Close)
	if s.sql == nil {
		s.sql = make(map[string]*gorm.DB)
	}
	s.sql[driver] = db
	return db, nil
}

// Close releases backends, stores and lock connections in reverse order.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
