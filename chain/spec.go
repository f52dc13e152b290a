package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"fundmgr/custody"
	"fundmgr/fees"
)

// Spec mirrors the on-disk representation of a chain record.
type Spec struct {
	Name                string `yaml:"name" toml:"name"`
	Kind                string `yaml:"kind" toml:"kind"`
	Endpoint            string `yaml:"endpoint" toml:"endpoint"`
	Custody             string `yaml:"custody" toml:"custody"`
	PassphraseEnv       string `yaml:"passphrase_env" toml:"passphrase_env"`
	Contract            string `yaml:"contract" toml:"contract"`
	MaxFee              string `yaml:"max_fee" toml:"max_fee"`
	FeeMultiplier       string `yaml:"fee_multiplier" toml:"fee_multiplier"`
	FeeEstimateFailure  string `yaml:"fee_estimate_failure" toml:"fee_estimate_failure"`
	PoA                 bool   `yaml:"poa" toml:"poa"`
	ChainID             string `yaml:"chain_id" toml:"chain_id"`
	Confirmations       uint64 `yaml:"confirmations" toml:"confirmations"`
	Commitment          string `yaml:"commitment" toml:"commitment"`
	PollInterval        string `yaml:"poll_interval" toml:"poll_interval"`
	ConfirmTimeout      string `yaml:"confirm_timeout" toml:"confirm_timeout"`
	TransfersPerTx      int    `yaml:"transfers_per_tx" toml:"transfers_per_tx"`
	VerifyInvoiceAmount bool   `yaml:"verify_invoice_amount" toml:"verify_invoice_amount"`
}

// Build converts the record into a validated Config.
func (s Spec) Build() (Config, error) {
	name := strings.TrimSpace(s.Name)
	kind, err := ParseKind(s.Kind)
	if err != nil {
		return Config{}, fmt.Errorf("chain %s: %w", name, err)
	}
	ref, err := custody.ParseReference(s.Custody, s.PassphraseEnv)
	if err != nil {
		return Config{}, fmt.Errorf("%w: chain %s: %v", ErrInvalidConfig, name, err)
	}
	multiplier, err := fees.ParseMultiplier(s.FeeMultiplier)
	if err != nil {
		return Config{}, fmt.Errorf("%w: chain %s: %v", ErrInvalidConfig, name, err)
	}
	policy, err := fees.ParsePolicy(s.FeeEstimateFailure)
	if err != nil {
		return Config{}, fmt.Errorf("%w: chain %s: %v", ErrInvalidConfig, name, err)
	}
	maxFee, err := parseAmount(s.MaxFee)
	if err != nil {
		return Config{}, fmt.Errorf("%w: chain %s max_fee: %v", ErrInvalidConfig, name, err)
	}
	chainID, err := parseAmount(s.ChainID)
	if err != nil {
		return Config{}, fmt.Errorf("%w: chain %s chain_id: %v", ErrInvalidConfig, name, err)
	}
	poll, err := parseDuration(s.PollInterval)
	if err != nil {
		return Config{}, fmt.Errorf("%w: chain %s poll_interval: %v", ErrInvalidConfig, name, err)
	}
	timeout, err := parseDuration(s.ConfirmTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("%w: chain %s confirm_timeout: %v", ErrInvalidConfig, name, err)
	}
	cfg := Config{
		Name:               name,
		Kind:               kind,
		Endpoint:           strings.TrimSpace(s.Endpoint),
		Custody:            ref,
		Contract:           strings.TrimSpace(s.Contract),
		MaxFee:             maxFee,
		FeeMultiplier:      multiplier,
		FeeEstimateFailure: policy,
		PoA:                s.PoA,
		EVMChainID:         chainID,
		Finality: Finality{
			Confirmations: s.Confirmations,
			Commitment:    strings.ToLower(strings.TrimSpace(s.Commitment)),
			PollInterval:  poll,
			Timeout:       timeout,
		},
		TransfersPerTx:      s.TransfersPerTx,
		VerifyInvoiceAmount: s.VerifyInvoiceAmount,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	return value, nil
}

func parseDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	return time.ParseDuration(trimmed)
}
