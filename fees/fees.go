package fees

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
)

// ErrInvalidMultiplier indicates a multiplier below one or an unparsable value.
var ErrInvalidMultiplier = errors.New("fees: multiplier must be a rational number >= 1")

// Multiplier scales an observed network fee to produce a competitive bid.
// The zero value behaves as 1.
type Multiplier struct {
	rat *big.Rat
}

// One returns the identity multiplier.
func One() Multiplier {
	return Multiplier{rat: big.NewRat(1, 1)}
}

// ParseMultiplier accepts decimal ("1.25") or fractional ("5/4") notation.
// An empty string yields the identity multiplier.
func ParseMultiplier(raw string) (Multiplier, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return One(), nil
	}
	value, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return Multiplier{}, fmt.Errorf("%w: %q", ErrInvalidMultiplier, raw)
	}
	if value.Cmp(big.NewRat(1, 1)) < 0 {
		return Multiplier{}, fmt.Errorf("%w: %q", ErrInvalidMultiplier, raw)
	}
	return Multiplier{rat: value}, nil
}

// Apply returns floor(value * multiplier). A nil value yields nil.
func (m Multiplier) Apply(value *big.Int) *big.Int {
	if value == nil {
		return nil
	}
	if m.rat == nil {
		return new(big.Int).Set(value)
	}
	scaled := new(big.Int).Mul(value, m.rat.Num())
	return scaled.Quo(scaled, m.rat.Denom())
}

// String renders the multiplier as a decimal with up to six fractional digits.
func (m Multiplier) String() string {
	if m.rat == nil {
		return "1"
	}
	out := strings.TrimRight(m.rat.FloatString(6), "0")
	return strings.TrimSuffix(out, ".")
}

// Exceeds reports whether the observed fee is strictly above the ceiling.
// A nil ceiling means no fee is acceptable.
func Exceeds(observed, ceiling *big.Int) bool {
	if observed == nil {
		return false
	}
	if ceiling == nil {
		return observed.Sign() > 0
	}
	return observed.Cmp(ceiling) > 0
}

// Policy decides how a failed fee estimate is treated.
type Policy string

const (
	// FailClosed treats an unknown fee as too high and blocks the disbursement.
	FailClosed Policy = "fail-closed"
	// FailOpen treats an unknown fee as zero and lets the disbursement proceed.
	FailOpen Policy = "fail-open"
)

// ParsePolicy normalises a policy name. Empty input selects FailClosed.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FailClosed:
		return FailClosed, nil
	case FailOpen:
		return FailOpen, nil
	default:
		return "", fmt.Errorf("fees: unknown estimate failure policy %q", raw)
	}
}

// Resolve applies the policy to a failed estimate and returns whether the fee
// must be treated as too high.
func (p Policy) Resolve(logger *slog.Logger, chainName string, err error) bool {
	if logger == nil {
		logger = slog.Default()
	}
	if p == FailOpen {
		logger.Warn("fee estimation failed, treating fee as zero",
			slog.String("chain", chainName),
			slog.String("policy", string(p)),
			slog.Any("error", err))
		return false
	}
	logger.Warn("fee estimation failed, rejecting disbursement",
		slog.String("chain", chainName),
		slog.String("policy", string(FailClosed)),
		slog.Any("error", err))
	return true
}
