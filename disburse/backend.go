package disburse

import (
	"context"
	"math/big"

	"fundmgr/chain"
)

// Operation is the backend-specific description of a built, unsent payout.
// Only the backend that built it interprets it.
type Operation interface {
	// Recipients returns the payees covered by the operation.
	Recipients() []Recipient
}

// Backend is one settlement model. Build and FeeTooHigh must not move funds;
// Submit signs with a freshly loaded custody key and sends.
type Backend interface {
	Kind() chain.Kind
	// LockKey names the process-wide lock serialising disbursements for cfg.
	// An empty key means the backend serialises internally.
	LockKey(cfg chain.Config) string
	// Validate rejects requests the backend cannot serve, before any network call.
	Validate(cfg chain.Config, req Request) error
	Build(ctx context.Context, cfg chain.Config, req Request) (Operation, error)
	FeeTooHigh(ctx context.Context, cfg chain.Config, op Operation) (bool, error)
	// Submit returns the identifiers it managed to obtain even on error so
	// that failures after a send can be reconciled.
	Submit(ctx context.Context, cfg chain.Config, op Operation) (Submission, error)
	IsConfirmed(ctx context.Context, cfg chain.Config, pending PendingTransaction) (Status, error)
}

// BatchLimited is implemented by backends that cap how many recipients one
// request may carry. The cap is enforced before recipients are validated.
type BatchLimited interface {
	MaxRecipients(cfg chain.Config) int
}

// QuotaLimited is implemented by backends whose disbursements draw on a
// shared quota window. The window is reserved while the LockKey lock is held.
type QuotaLimited interface {
	QuotaKey(cfg chain.Config) string
}

// BalanceReporter is implemented by backends that can report the custody
// balance available for disbursement.
type BalanceReporter interface {
	Balance(ctx context.Context, cfg chain.Config) (*big.Int, error)
}
