package chainparams

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestByNameResolvesKnownChains(t *testing.T) {
	p, ok := ByName("mainnet")
	require.True(t, ok)
	require.Equal(t, Mainnet, p)

	p, ok = ByName("main")
	require.True(t, ok)
	require.Equal(t, Mainnet, p)

	p, ok = ByName("signet")
	require.True(t, ok)
	require.Equal(t, Signet, p)

	p, ok = ByName("regtest")
	require.True(t, ok)
	require.Equal(t, Regtest, p)
}

func TestByNameRejectsUnknownChain(t *testing.T) {
	_, ok := ByName("not-a-chain")
	require.False(t, ok)
}

func TestGenesisHashHexIsValidThirtyTwoBytes(t *testing.T) {
	for _, p := range []Params{Mainnet, Signet, Regtest} {
		require.Len(t, p.GenesisHashHex, 64, "%s genesis hash must be 32 bytes of hex", p.Name)
	}
}

func TestRuleForBoundaries(t *testing.T) {
	p := Params{T1: 100, T2: 200}

	require.Equal(t, RuleProofBlobOnly, p.RuleFor(0))
	require.Equal(t, RuleProofBlobOnly, p.RuleFor(100))
	require.Equal(t, RuleDoubleSHA, p.RuleFor(101))
	require.Equal(t, RuleDoubleSHA, p.RuleFor(200))
	require.Equal(t, RuleSingleSHA, p.RuleFor(201))
}

func TestRuleForWithZeroCutoversAlwaysSingleSHAPastGenesis(t *testing.T) {
	require.Equal(t, RuleSingleSHA, Signet.RuleFor(1))
	require.Equal(t, RuleProofBlobOnly, Signet.RuleFor(0))
}
