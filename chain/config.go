package chain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"fundmgr/custody"
	"fundmgr/fees"
)

// ErrInvalidConfig indicates a chain record that cannot be used for disbursement.
var ErrInvalidConfig = errors.New("chain: invalid configuration")

// Kind identifies the settlement model of a chain.
type Kind string

const (
	KindEVM       Kind = "evm"
	KindSolana    Kind = "solana"
	KindLightning Kind = "lightning"
)

// ParseKind normalises a kind name.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindEVM:
		return KindEVM, nil
	case KindSolana:
		return KindSolana, nil
	case KindLightning:
		return KindLightning, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidConfig, raw)
	}
}

// Finality captures how a backend decides a submitted operation is final.
type Finality struct {
	// Confirmations is the block depth required on EVM chains.
	Confirmations uint64
	// Commitment is the Solana confirmation level ("confirmed" or "finalized").
	Commitment   string
	PollInterval time.Duration
	Timeout      time.Duration
}

// Config describes one settlement target. Values handed out by a Registry are
// copies; mutating them does not affect other callers.
type Config struct {
	Name     string
	Kind     Kind
	Endpoint string
	Custody  custody.Reference
	// Contract is the fund manager contract (EVM), the program id (Solana) or
	// the LNPay wallet access key (Lightning).
	Contract           string
	MaxFee             *big.Int
	FeeMultiplier      fees.Multiplier
	FeeEstimateFailure fees.Policy
	PoA                bool
	EVMChainID         *big.Int
	Finality           Finality
	// TransfersPerTx bounds the system transfers packed into one Solana
	// payout transaction.
	TransfersPerTx int
	// VerifyInvoiceAmount rejects Lightning invoices whose encoded amount
	// differs from the requested amount.
	VerifyInvoiceAmount bool
}

// Validate checks the invariants every backend relies on.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidConfig)
	}
	if _, err := ParseKind(string(c.Kind)); err != nil {
		return fmt.Errorf("%w: chain %s: kind %q", ErrInvalidConfig, c.Name, c.Kind)
	}
	if strings.TrimSpace(c.Endpoint) == "" {
		return fmt.Errorf("%w: chain %s: endpoint required", ErrInvalidConfig, c.Name)
	}
	if c.Custody.IsZero() {
		return fmt.Errorf("%w: chain %s: custody reference required", ErrInvalidConfig, c.Name)
	}
	if strings.TrimSpace(c.Contract) == "" {
		return fmt.Errorf("%w: chain %s: contract required", ErrInvalidConfig, c.Name)
	}
	if c.Kind != KindLightning {
		if c.MaxFee == nil || c.MaxFee.Sign() <= 0 {
			return fmt.Errorf("%w: chain %s: max fee must be positive", ErrInvalidConfig, c.Name)
		}
	}
	if c.Kind == KindSolana {
		switch c.Finality.Commitment {
		case "", "confirmed", "finalized":
		default:
			return fmt.Errorf("%w: chain %s: commitment %q", ErrInvalidConfig, c.Name, c.Finality.Commitment)
		}
	}
	if c.TransfersPerTx < 0 {
		return fmt.Errorf("%w: chain %s: transfers per tx must not be negative", ErrInvalidConfig, c.Name)
	}
	if c.Finality.Timeout < 0 || c.Finality.PollInterval < 0 {
		return fmt.Errorf("%w: chain %s: negative finality durations", ErrInvalidConfig, c.Name)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c Config) Clone() Config {
	out := c
	if c.MaxFee != nil {
		out.MaxFee = new(big.Int).Set(c.MaxFee)
	}
	if c.EVMChainID != nil {
		out.EVMChainID = new(big.Int).Set(c.EVMChainID)
	}
	return out
}

// PollInterval returns the confirmation polling cadence with a default.
func (c Config) PollInterval() time.Duration {
	if c.Finality.PollInterval > 0 {
		return c.Finality.PollInterval
	}
	return 3 * time.Second
}

// ConfirmTimeout bounds a single confirmation query.
func (c Config) ConfirmTimeout() time.Duration {
	if c.Finality.Timeout > 0 {
		return c.Finality.Timeout
	}
	return 2 * time.Minute
}

// RequiredConfirmations returns the EVM block depth for finality. Proof of
// authority chains finalise on inclusion.
func (c Config) RequiredConfirmations() uint64 {
	if c.PoA || c.Finality.Confirmations == 0 {
		return 1
	}
	return c.Finality.Confirmations
}

// TransferBatch returns the number of transfers per Solana payout transaction.
func (c Config) TransferBatch() int {
	if c.TransfersPerTx > 0 {
		return c.TransfersPerTx
	}
	return 10
}
