package fees_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"fundmgr/fees"
)

func TestParseMultiplier(t *testing.T) {
	m, err := fees.ParseMultiplier("1.5")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(150), m.Apply(big.NewInt(100)))
	require.Equal(t, "1.5", m.String())

	m, err = fees.ParseMultiplier("5/4")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(125), m.Apply(big.NewInt(100)))

	m, err = fees.ParseMultiplier("")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(7), m.Apply(big.NewInt(7)))

	_, err = fees.ParseMultiplier("0.9")
	require.ErrorIs(t, err, fees.ErrInvalidMultiplier)

	_, err = fees.ParseMultiplier("abc")
	require.ErrorIs(t, err, fees.ErrInvalidMultiplier)
}

func TestMultiplierFloors(t *testing.T) {
	m, err := fees.ParseMultiplier("1.1")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(9), m.Apply(big.NewInt(9)))
	require.Equal(t, big.NewInt(11), m.Apply(big.NewInt(10)))

	var zero fees.Multiplier
	require.Equal(t, big.NewInt(9), zero.Apply(big.NewInt(9)))
	require.Nil(t, zero.Apply(nil))
}

func TestExceeds(t *testing.T) {
	require.False(t, fees.Exceeds(big.NewInt(100), big.NewInt(100)))
	require.True(t, fees.Exceeds(big.NewInt(101), big.NewInt(100)))
	require.True(t, fees.Exceeds(big.NewInt(1), nil))
	require.False(t, fees.Exceeds(nil, big.NewInt(1)))
}

func TestPolicyResolve(t *testing.T) {
	p, err := fees.ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, fees.FailClosed, p)
	require.True(t, p.Resolve(nil, "sol", errors.New("rpc down")))

	p, err = fees.ParsePolicy("FAIL-OPEN")
	require.NoError(t, err)
	require.False(t, p.Resolve(nil, "sol", errors.New("rpc down")))

	_, err = fees.ParsePolicy("maybe")
	require.Error(t, err)
}
