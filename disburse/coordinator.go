package disburse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fundmgr/chain"
	"fundmgr/lock"
	"fundmgr/observability"
	"fundmgr/quota"
)

const defaultLockTTL = 2 * time.Minute

// Coordinator is the single entry point for disbursements. It is safe for
// concurrent use; disbursements sharing a lock key are totally ordered.
type Coordinator struct {
	backends map[chain.Kind]Backend
	ledger   Ledger
	locks    lock.Service
	quotas   quota.Store
	lockTTL  time.Duration
	logger   *slog.Logger
	metrics  *observability.DisbursementMetrics
	tracer   trace.Tracer
	now      func() time.Time

	mu        sync.Mutex
	paused    bool
	inFlight  map[string]int
	submitted int
	escalated int
}

// Option customises the coordinator instance.
type Option func(*Coordinator)

// WithBackend registers a backend for its kind, replacing any previous one.
func WithBackend(b Backend) Option {
	return func(c *Coordinator) {
		if b != nil {
			c.backends[b.Kind()] = b
		}
	}
}

// WithLedger overrides the default in-memory ledger.
func WithLedger(l Ledger) Option {
	return func(c *Coordinator) { c.ledger = l }
}

// WithLocks supplies the lock service shared with other processes.
func WithLocks(s lock.Service) Option {
	return func(c *Coordinator) { c.locks = s }
}

// WithQuotas supplies the quota window store.
func WithQuotas(s quota.Store) Option {
	return func(c *Coordinator) { c.quotas = s }
}

// WithLockTTL bounds how long a crashed holder can block a lock key.
func WithLockTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.lockTTL = ttl }
}

// WithLogger overrides the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.DisbursementMetrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithTracer overrides the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = t }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.now = clock }
}

// NewCoordinator constructs a coordinator with in-memory locks and ledger
// unless overridden.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		backends: make(map[chain.Kind]Backend),
		ledger:   NewMemoryLedger(),
		locks:    lock.NewMemory(),
		lockTTL:  defaultLockTTL,
		logger:   slog.Default(),
		metrics:  observability.Disbursements(),
		tracer:   otel.Tracer("fundmgr/disburse"),
		now:      time.Now,
		inFlight: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ledger == nil {
		c.ledger = NewMemoryLedger()
	}
	if c.locks == nil {
		c.locks = lock.NewMemory()
	}
	if c.lockTTL <= 0 {
		c.lockTTL = defaultLockTTL
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Disburse pays the request on cfg and returns the pending handle. Steps:
// lock, quota, build, fee guard, sign and submit, record, release. Failures
// before submission spend nothing and roll back the quota; failures after
// a send may have moved funds and are escalated to the ledger instead.
func (c *Coordinator) Disburse(ctx context.Context, cfg chain.Config, req Request) (*PendingTransaction, error) {
	start := c.now()
	ctx, span := c.tracer.Start(ctx, "disburse.submit",
		trace.WithAttributes(
			attribute.String("chain", cfg.Name),
			attribute.String("kind", string(cfg.Kind)),
			attribute.Int("recipients", len(req.Recipients)),
		))
	defer span.End()

	pending, err := c.disburse(ctx, cfg, req.Clone())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordError(cfg.Name, errorReason(err))
		level := slog.LevelWarn
		if FundsMayHaveMoved(err) {
			level = slog.LevelError
		}
		c.logger.Log(ctx, level, "disbursement rejected",
			slog.String("chain", cfg.Name),
			slog.String("reason", errorReason(err)),
			slog.Any("error", err))
		return nil, err
	}
	span.SetAttributes(attribute.String("tx.id", pending.ID))
	c.metrics.ObserveLatency(cfg.Name, string(cfg.Kind), c.now().Sub(start))
	c.metrics.RecordOutcome(cfg.Name, string(StateSubmitted))
	c.logger.Info("disbursement submitted",
		slog.String("chain", cfg.Name),
		slog.String("tx_id", pending.ID),
		slog.Int("recipients", len(pending.Recipients)),
		slog.String("total", pending.Total.String()))
	return pending, nil
}

func (c *Coordinator) disburse(ctx context.Context, cfg chain.Config, req Request) (*PendingTransaction, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	backend, ok := c.backends[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Kind)
	}
	if limited, ok := backend.(BatchLimited); ok {
		if limit := limited.MaxRecipients(cfg); limit > 0 && len(req.Recipients) > limit {
			return nil, fmt.Errorf("%w: %s accepts at most %d recipients, got %d",
				ErrUnsupportedBatch, cfg.Kind, limit, len(req.Recipients))
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if c.isPaused() {
		return nil, ErrPaused
	}
	if err := backend.Validate(cfg, req); err != nil {
		return nil, err
	}

	c.enter(cfg.Name)
	defer c.leave(cfg.Name)

	lockKey := backend.LockKey(cfg)
	if lockKey != "" {
		token, err := c.locks.Acquire(ctx, lockKey, c.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrLockUnavailable, lockKey, err)
		}
		defer c.release(ctx, token)
	}

	res, err := c.reserve(ctx, backend, cfg, lockKey, req.Total(), c.now())
	if err != nil {
		return nil, err
	}

	op, err := backend.Build(ctx, cfg, req)
	if err != nil {
		c.refund(ctx, cfg, res)
		return nil, err
	}
	tooHigh, err := backend.FeeTooHigh(ctx, cfg, op)
	if err != nil {
		c.refund(ctx, cfg, res)
		return nil, err
	}
	if tooHigh {
		c.refund(ctx, cfg, res)
		return nil, fmt.Errorf("%w: chain %s", ErrFeeTooHigh, cfg.Name)
	}

	sub, err := backend.Submit(ctx, cfg, op)
	if err != nil {
		if FundsMayHaveMoved(err) {
			c.escalate(ctx, cfg, req, sub, err)
			return nil, err
		}
		c.refund(ctx, cfg, res)
		return nil, err
	}

	submittedAt := c.now()
	pending := &PendingTransaction{
		ID:          sub.ID,
		Related:     append([]string(nil), sub.Related...),
		Chain:       cfg.Name,
		Kind:        cfg.Kind,
		SubmittedAt: submittedAt,
		Recipients:  cloneRecipients(req.Recipients),
		Total:       req.Total(),
	}
	entry := Entry{
		ID:          pending.ID,
		Related:     pending.Related,
		Chain:       pending.Chain,
		Kind:        pending.Kind,
		State:       StateSubmitted,
		Recipients:  pending.Recipients,
		Total:       pending.Total,
		SubmittedAt: submittedAt,
		UpdatedAt:   submittedAt,
	}
	if err := c.ledger.Record(context.WithoutCancel(ctx), entry); err != nil {
		if errors.Is(err, ErrDuplicateTransaction) {
			// Funds left custody under an id the ledger already tracks.
			return nil, fmt.Errorf("%w: %s sent but not recorded: %w", ErrSubmissionFailed, pending.ID, err)
		}
		c.logger.Error("ledger record failed",
			slog.String("chain", cfg.Name),
			slog.String("tx_id", pending.ID),
			slog.Any("error", err))
	}
	c.mu.Lock()
	c.submitted++
	c.mu.Unlock()
	return pending, nil
}

type reservation struct {
	key    string
	amount *big.Int
	at     time.Time
}

func (c *Coordinator) reserve(ctx context.Context, backend Backend, cfg chain.Config, lockKey string, amount *big.Int, now time.Time) (*reservation, error) {
	limited, ok := backend.(QuotaLimited)
	if !ok || c.quotas == nil {
		return nil, nil
	}
	key := limited.QuotaKey(cfg)
	if key == "" {
		return nil, nil
	}
	if lockKey == "" {
		return nil, fmt.Errorf("%w: quota %s requires a lock key", ErrConfiguration, key)
	}
	window, err := c.quotas.Load(ctx, key)
	if errors.Is(err, quota.ErrNotConfigured) {
		return nil, fmt.Errorf("%w: quota %s not configured", ErrConfiguration, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load quota %s: %v", ErrConfiguration, key, err)
	}
	if !window.Reserve(amount, now) {
		c.metrics.RecordQuota(cfg.Name, window.Remaining(now), window.Cap)
		return nil, fmt.Errorf("%w: %s requested %s, remaining %s", ErrQuotaExceeded, key, amount, window.Remaining(now))
	}
	if err := c.quotas.Save(ctx, key, window); err != nil {
		return nil, fmt.Errorf("%w: save quota %s: %v", ErrConfiguration, key, err)
	}
	c.metrics.RecordQuota(cfg.Name, window.Remaining(now), window.Cap)
	return &reservation{key: key, amount: new(big.Int).Set(amount), at: now}, nil
}

// refund runs while the lock is still held.
func (c *Coordinator) refund(ctx context.Context, cfg chain.Config, res *reservation) {
	if res == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	window, err := c.quotas.Load(ctx, res.key)
	if err == nil {
		window.Refund(res.amount, res.at)
		err = c.quotas.Save(ctx, res.key, window)
	}
	if err != nil {
		c.logger.Error("quota refund failed",
			slog.String("chain", cfg.Name),
			slog.String("quota", res.key),
			slog.String("amount", res.amount.String()),
			slog.Any("error", err))
		return
	}
	c.metrics.RecordQuota(cfg.Name, window.Remaining(c.now()), window.Cap)
}

func (c *Coordinator) release(ctx context.Context, token *lock.Token) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.locks.Release(releaseCtx, token); err != nil {
		c.logger.Warn("lock release failed",
			slog.String("key", token.Key),
			slog.Any("error", err))
	}
}

// escalate records a submission whose outcome is unknown so an operator can
// reconcile it. Nothing is resubmitted.
func (c *Coordinator) escalate(ctx context.Context, cfg chain.Config, req Request, sub Submission, cause error) {
	now := c.now()
	entry := Entry{
		ID:          sub.ID,
		Related:     append([]string(nil), sub.Related...),
		Chain:       cfg.Name,
		Kind:        cfg.Kind,
		State:       StateSubmitted,
		Recipients:  cloneRecipients(req.Recipients),
		Total:       req.Total(),
		SubmittedAt: now,
		UpdatedAt:   now,
		Escalated:   true,
		Detail:      cause.Error(),
	}
	var partial *PartialPayoutError
	if errors.As(cause, &partial) {
		entry.State = StateFailed
		if entry.ID == "" && len(partial.Signatures) > 0 {
			entry.ID = partial.Signatures[0]
			entry.Related = append([]string(nil), partial.Signatures[1:]...)
		}
	}
	if entry.ID == "" {
		entry.ID = "unidentified-" + uuid.NewString()
		entry.State = StateFailed
	}
	if err := c.ledger.Record(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.Error("escalation record failed",
			slog.String("chain", cfg.Name),
			slog.String("tx_id", entry.ID),
			slog.Any("cause", cause),
			slog.Any("error", err))
	}
	c.mu.Lock()
	c.escalated++
	c.mu.Unlock()
	c.metrics.RecordOutcome(cfg.Name, "escalated")
}

// IsConfirmed polls the backend once, bounded by the chain's finality
// timeout, and records the result. Repeated calls are always legal.
func (c *Coordinator) IsConfirmed(ctx context.Context, cfg chain.Config, pending PendingTransaction) (Status, error) {
	ctx, span := c.tracer.Start(ctx, "disburse.confirm",
		trace.WithAttributes(
			attribute.String("chain", cfg.Name),
			attribute.String("tx.id", pending.ID),
		))
	defer span.End()

	if err := cfg.Validate(); err != nil {
		err = fmt.Errorf("%w: %v", ErrConfiguration, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	backend, ok := c.backends[cfg.Kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Kind)
	}
	status, err := backend.IsConfirmed(ctx, cfg, pending)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordError(cfg.Name, "confirm")
		return "", err
	}
	span.SetAttributes(attribute.String("status", string(status)))
	c.metrics.RecordOutcome(cfg.Name, string(status))

	_, err = c.ledger.Transition(context.WithoutCancel(ctx), pending.ID, StateFor(status), "", c.now())
	switch {
	case err == nil:
	case errors.Is(err, ErrEntryNotFound):
		c.logger.Debug("confirmation for unknown transaction", slog.String("tx_id", pending.ID))
	default:
		c.logger.Warn("ledger transition rejected",
			slog.String("chain", cfg.Name),
			slog.String("tx_id", pending.ID),
			slog.String("status", string(status)),
			slog.Any("error", err))
	}
	return status, nil
}

// Balance reports the custody balance when the backend supports it.
func (c *Coordinator) Balance(ctx context.Context, cfg chain.Config) (*big.Int, error) {
	backend, ok := c.backends[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, cfg.Kind)
	}
	reporter, ok := backend.(BalanceReporter)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not report balances", ErrUnknownBackend, cfg.Kind)
	}
	balance, err := reporter.Balance(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordBalance(cfg.Name, balance)
	return balance, nil
}

// QuotaRemaining reports the remaining allowance and cap for quota-limited
// chains. ok is false when cfg has no quota.
func (c *Coordinator) QuotaRemaining(ctx context.Context, cfg chain.Config) (remaining, limit *big.Int, ok bool, err error) {
	backend, found := c.backends[cfg.Kind]
	if !found || c.quotas == nil {
		return nil, nil, false, nil
	}
	limited, isLimited := backend.(QuotaLimited)
	if !isLimited || limited.QuotaKey(cfg) == "" {
		return nil, nil, false, nil
	}
	window, err := c.quotas.Load(ctx, limited.QuotaKey(cfg))
	if err != nil {
		return nil, nil, true, err
	}
	now := c.now()
	return window.Remaining(now), new(big.Int).Set(window.Cap), true, nil
}

// Ledger exposes the ledger for reconciliation and operator tooling.
func (c *Coordinator) Ledger() Ledger {
	return c.ledger
}

// Pause halts new disbursements. Confirmation queries keep working.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	c.metrics.SetPause(true)
}

// Resume re-enables disbursements.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.metrics.SetPause(false)
}

func (c *Coordinator) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Coordinator) enter(chainName string) {
	c.mu.Lock()
	c.inFlight[chainName]++
	n := c.inFlight[chainName]
	c.mu.Unlock()
	c.metrics.SetInFlight(chainName, n)
}

func (c *Coordinator) leave(chainName string) {
	c.mu.Lock()
	c.inFlight[chainName]--
	n := c.inFlight[chainName]
	if n <= 0 {
		delete(c.inFlight, chainName)
	}
	c.mu.Unlock()
	c.metrics.SetInFlight(chainName, n)
}

// CoordinatorStatus summarises coordinator state for administrative endpoints.
type CoordinatorStatus struct {
	Paused    bool           `json:"paused"`
	Submitted int            `json:"submitted"`
	Escalated int            `json:"escalated"`
	InFlight  map[string]int `json:"in_flight"`
	Backends  []string       `json:"backends"`
}

// Snapshot reports the current coordinator status.
func (c *Coordinator) Snapshot() CoordinatorStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := CoordinatorStatus{
		Paused:    c.paused,
		Submitted: c.submitted,
		Escalated: c.escalated,
		InFlight:  make(map[string]int, len(c.inFlight)),
		Backends:  make([]string, 0, len(c.backends)),
	}
	for name, n := range c.inFlight {
		status.InFlight[name] = n
	}
	for kind := range c.backends {
		status.Backends = append(status.Backends, string(kind))
	}
	sort.Strings(status.Backends)
	return status
}
