package builder

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildcore-io/settler/service/ledger"
)

func TestBuildMintChain(t *testing.T) {
	mnemonic, err := ledger.NewMnemonic()
	require.NoError(t, err)
	keys, err := ledger.KeyPairFromMnemonic(mnemonic)
	require.NoError(t, err)
	source := ledger.AddressFromPublicKey("smr", keys.Public)

	params := MintChainParams{
		Network:       "testnet",
		Inputs:        []*ledger.OutputResult{basicInput("in1", source, 100_000_000)},
		Source:        source,
		Keys:          map[ledger.Address]*ledger.KeyPair{source: keys},
		Target:        "vault-address",
		Tips:          []ledger.BlockID{"tip1", "tip2"},
		MaximumSupply: big.NewInt(1_000_000),
		MintedTokens:  big.NewInt(1_000_000),
	}

	t.Run("three chained blocks", func(t *testing.T) {
		chain, err := BuildMintChain(params, testRent)
		require.NoError(t, err)
		require.Len(t, chain.Blocks, 3)

		// First block attaches to the tips; each later block chains off
		// its predecessor so the node processes them in order.
		assert.Equal(t, params.Tips, chain.Blocks[0].Parents)
		assert.Equal(t, []ledger.BlockID{ledger.ComputeBlockID(chain.Blocks[0])}, chain.Blocks[1].Parents)
		assert.Equal(t, []ledger.BlockID{ledger.ComputeBlockID(chain.Blocks[1])}, chain.Blocks[2].Parents)

		assert.NotEmpty(t, chain.AliasID)
		assert.NotEmpty(t, chain.TokenID)
		assert.Contains(t, chain.TokenID, chain.AliasID)
	})

	t.Run("deterministic offline assembly", func(t *testing.T) {
		a, err := BuildMintChain(params, testRent)
		require.NoError(t, err)
		b, err := BuildMintChain(params, testRent)
		require.NoError(t, err)

		assert.Equal(t, a.AliasID, b.AliasID)
		assert.Equal(t, a.TokenID, b.TokenID)
		for i := range a.Blocks {
			assert.Equal(t, ledger.ComputeBlockID(a.Blocks[i]), ledger.ComputeBlockID(b.Blocks[i]))
		}
	})

	t.Run("minted supply lands with the target", func(t *testing.T) {
		chain, err := BuildMintChain(params, testRent)
		require.NoError(t, err)

		var carrier *ledger.BasicOutput
		for _, out := range chain.Blocks[1].Payload.Essence.Outputs {
			basic, ok := out.(*ledger.BasicOutput)
			if !ok {
				continue
			}
			if addr, ok := ledger.AddressUnlockCondition(basic); ok && addr == params.Target && len(basic.Tokens) > 0 {
				carrier = basic
			}
		}
		require.NotNil(t, carrier)
		require.Len(t, carrier.Tokens, 1)
		assert.Equal(t, chain.TokenID, carrier.Tokens[0].ID)
		assert.Equal(t, int64(1_000_000), carrier.Tokens[0].Amount.Int64())
	})

	t.Run("governance ends with the target", func(t *testing.T) {
		chain, err := BuildMintChain(params, testRent)
		require.NoError(t, err)

		final := chain.Blocks[2].Payload.Essence.Outputs
		var alias *ledger.AliasOutput
		for _, out := range final {
			if a, ok := out.(*ledger.AliasOutput); ok {
				alias = a
			}
		}
		require.NotNil(t, alias)
		for _, c := range alias.Conditions {
			switch c.Kind {
			case ledger.UnlockStateController, ledger.UnlockGovernor:
				assert.Equal(t, params.Target, c.Address)
			}
		}
	})

	t.Run("minted tokens above maximum fails", func(t *testing.T) {
		bad := params
		bad.MintedTokens = big.NewInt(2_000_000)
		_, err := BuildMintChain(bad, testRent)
		var verr *ledger.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("underfunded inputs fail", func(t *testing.T) {
		bad := params
		bad.Inputs = []*ledger.OutputResult{basicInput("in1", source, 10)}
		_, err := BuildMintChain(bad, testRent)
		require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	})
}
