package chain_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fundmgr/chain"
	"fundmgr/fees"
)

func evmSpec() chain.Spec {
	return chain.Spec{
		Name:          "gnosis",
		Kind:          "EVM",
		Endpoint:      "https://rpc.gnosis.example",
		Custody:       "env:GNOSIS_KEY",
		Contract:      "0x1111111111111111111111111111111111111111",
		MaxFee:        "50000000000",
		FeeMultiplier: "1.2",
		ChainID:       "100",
		Confirmations: 3,
		PollInterval:  "2s",
	}
}

func TestSpecBuild(t *testing.T) {
	cfg, err := evmSpec().Build()
	require.NoError(t, err)
	require.Equal(t, chain.KindEVM, cfg.Kind)
	require.Equal(t, "50000000000", cfg.MaxFee.String())
	require.Equal(t, "100", cfg.EVMChainID.String())
	require.Equal(t, "1.2", cfg.FeeMultiplier.String())
	require.Equal(t, fees.FailClosed, cfg.FeeEstimateFailure)
	require.Equal(t, 2*time.Second, cfg.PollInterval())
	require.Equal(t, 2*time.Minute, cfg.ConfirmTimeout())
	require.Equal(t, uint64(3), cfg.RequiredConfirmations())

	cfg.PoA = true
	require.Equal(t, uint64(1), cfg.RequiredConfirmations())
}

func TestSpecBuildRejectsInvalid(t *testing.T) {
	cases := map[string]func(*chain.Spec){
		"kind":       func(s *chain.Spec) { s.Kind = "bitcoin" },
		"custody":    func(s *chain.Spec) { s.Custody = "" },
		"max fee":    func(s *chain.Spec) { s.MaxFee = "" },
		"multiplier": func(s *chain.Spec) { s.FeeMultiplier = "0.5" },
		"endpoint":   func(s *chain.Spec) { s.Endpoint = " " },
		"duration":   func(s *chain.Spec) { s.PollInterval = "soon" },
		"policy":     func(s *chain.Spec) { s.FeeEstimateFailure = "sometimes" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			spec := evmSpec()
			mutate(&spec)
			_, err := spec.Build()
			require.Error(t, err)
		})
	}
}

func TestLightningDoesNotNeedMaxFee(t *testing.T) {
	cfg, err := chain.Spec{
		Name:     "lightning",
		Kind:     "lightning",
		Endpoint: "https://api.lnpay.example",
		Custody:  "env:LNPAY_KEY",
		Contract: "waka_wallet",
	}.Build()
	require.NoError(t, err)
	require.Nil(t, cfg.MaxFee)
}

func TestRegistry(t *testing.T) {
	cfg, err := evmSpec().Build()
	require.NoError(t, err)
	reg, err := chain.NewRegistry(cfg)
	require.NoError(t, err)

	got, err := reg.Get("GNOSIS")
	require.NoError(t, err)
	got.MaxFee.SetInt64(1)

	again, err := reg.Get("gnosis")
	require.NoError(t, err)
	require.Equal(t, 0, again.MaxFee.Cmp(big.NewInt(50000000000)), "registry must hand out copies")

	_, err = reg.Get("missing")
	require.ErrorIs(t, err, chain.ErrNotFound)

	_, err = chain.NewRegistry(cfg, cfg)
	require.ErrorIs(t, err, chain.ErrInvalidConfig)

	require.Equal(t, []string{"gnosis"}, reg.Names())
	require.Len(t, reg.ByKind(chain.KindEVM), 1)
	require.Empty(t, reg.ByKind(chain.KindSolana))
}
