package builder

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildcore-io/settler/service/ledger"
)

func basicInput(id ledger.OutputID, addr ledger.Address, amount uint64, tokens ...ledger.NativeToken) *ledger.OutputResult {
	return &ledger.OutputResult{
		ID: id,
		Output: &ledger.BasicOutput{
			BaseAmount: amount,
			Tokens:     tokens,
			Conditions: []ledger.UnlockCondition{{Kind: ledger.UnlockAddress, Address: addr}},
		},
	}
}

func packedOutput(t *testing.T, target ledger.Address, amount uint64) *ledger.BasicOutput {
	t.Helper()
	out, err := PackBasicOutput(PackBasicOutputParams{Target: target, Amount: amount}, testRent)
	require.NoError(t, err)
	return out
}

func TestBuildTransfer(t *testing.T) {
	t.Run("remainder goes back to the source", func(t *testing.T) {
		essence, err := BuildTransfer(TransferParams{
			Network:          "testnet",
			Inputs:           []*ledger.OutputResult{basicInput("in1", "source", 10_000_000)},
			Outputs:          []ledger.Output{packedOutput(t, "target", 3_000_000)},
			RemainderAddress: "source",
		}, testRent)
		require.NoError(t, err)
		require.Len(t, essence.Outputs, 2)

		remainder := essence.Outputs[1]
		addr, ok := ledger.AddressUnlockCondition(remainder)
		require.True(t, ok)
		assert.Equal(t, ledger.Address("source"), addr)
		assert.Equal(t, uint64(7_000_000), remainder.Amount())

		var total uint64
		for _, out := range essence.Outputs {
			total += out.Amount()
		}
		assert.Equal(t, uint64(10_000_000), total, "value is conserved")
	})

	t.Run("exact spend produces no remainder", func(t *testing.T) {
		essence, err := BuildTransfer(TransferParams{
			Network:          "testnet",
			Inputs:           []*ledger.OutputResult{basicInput("in1", "source", 3_000_000)},
			Outputs:          []ledger.Output{packedOutput(t, "target", 3_000_000)},
			RemainderAddress: "source",
		}, testRent)
		require.NoError(t, err)
		assert.Len(t, essence.Outputs, 1)
	})

	t.Run("dust remainder folds into the first output", func(t *testing.T) {
		out := packedOutput(t, "target", 3_000_000)
		essence, err := BuildTransfer(TransferParams{
			Network:          "testnet",
			Inputs:           []*ledger.OutputResult{basicInput("in1", "source", 3_000_001)},
			Outputs:          []ledger.Output{out},
			RemainderAddress: "source",
		}, testRent)
		require.NoError(t, err)
		require.Len(t, essence.Outputs, 1)
		assert.Equal(t, uint64(3_000_001), essence.Outputs[0].Amount())
	})

	t.Run("insufficient funds", func(t *testing.T) {
		_, err := BuildTransfer(TransferParams{
			Network:          "testnet",
			Inputs:           []*ledger.OutputResult{basicInput("in1", "source", 1_000_000)},
			Outputs:          []ledger.Output{packedOutput(t, "target", 3_000_000)},
			RemainderAddress: "source",
		}, testRent)
		require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	})

	t.Run("native tokens flow to the remainder", func(t *testing.T) {
		essence, err := BuildTransfer(TransferParams{
			Network: "testnet",
			Inputs: []*ledger.OutputResult{
				basicInput("in1", "source", 10_000_000, ledger.NativeToken{ID: "tok", Amount: big.NewInt(42)}),
			},
			Outputs:          []ledger.Output{packedOutput(t, "target", 3_000_000)},
			RemainderAddress: "source",
		}, testRent)
		require.NoError(t, err)
		require.Len(t, essence.Outputs, 2)
		tokens := essence.Outputs[1].NativeTokens()
		require.Len(t, tokens, 1)
		assert.Equal(t, int64(42), tokens[0].Amount.Int64())
	})

	t.Run("token remainder without deposit funding fails", func(t *testing.T) {
		// All base coin is spent but the tokens still need a carrier
		// output with its own deposit.
		_, err := BuildTransfer(TransferParams{
			Network: "testnet",
			Inputs: []*ledger.OutputResult{
				basicInput("in1", "source", 3_000_000, ledger.NativeToken{ID: "tok", Amount: big.NewInt(1)}),
			},
			Outputs:          []ledger.Output{packedOutput(t, "target", 3_000_000)},
			RemainderAddress: "source",
		}, testRent)
		require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	})

	t.Run("no inputs", func(t *testing.T) {
		_, err := BuildTransfer(TransferParams{
			Network: "testnet",
			Outputs: []ledger.Output{packedOutput(t, "target", 3_000_000)},
		}, testRent)
		var verr *ledger.ValidationError
		require.ErrorAs(t, err, &verr)
	})
}

func TestSignTransaction(t *testing.T) {
	mnemonic, err := ledger.NewMnemonic()
	require.NoError(t, err)
	keys, err := ledger.KeyPairFromMnemonic(mnemonic)
	require.NoError(t, err)
	addr := ledger.AddressFromPublicKey("smr", keys.Public)

	essence := &ledger.TransactionEssence{
		Network: "testnet",
		Inputs:  []ledger.OutputID{"in1", "in2", "in3"},
		Outputs: []ledger.Output{
			&ledger.BasicOutput{
				BaseAmount: 1_000_000,
				Conditions: []ledger.UnlockCondition{{Kind: ledger.UnlockAddress, Address: "target"}},
			},
		},
	}

	t.Run("repeat inputs get reference unlocks", func(t *testing.T) {
		signed, err := SignTransaction(essence,
			[]ledger.Address{addr, addr, addr},
			map[ledger.Address]*ledger.KeyPair{addr: keys},
		)
		require.NoError(t, err)
		require.Len(t, signed.Unlocks, 3)

		assert.Equal(t, ledger.UnlockSignature, signed.Unlocks[0].Kind)
		assert.Equal(t, ledger.UnlockReference, signed.Unlocks[1].Kind)
		assert.Equal(t, uint16(0), signed.Unlocks[1].Reference)
		assert.Equal(t, ledger.UnlockReference, signed.Unlocks[2].Kind)
		assert.Equal(t, uint16(0), signed.Unlocks[2].Reference)
	})

	t.Run("owner count mismatch", func(t *testing.T) {
		_, err := SignTransaction(essence,
			[]ledger.Address{addr},
			map[ledger.Address]*ledger.KeyPair{addr: keys},
		)
		var verr *ledger.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := SignTransaction(essence,
			[]ledger.Address{addr, "other", addr},
			map[ledger.Address]*ledger.KeyPair{addr: keys},
		)
		var verr *ledger.ValidationError
		require.ErrorAs(t, err, &verr)
	})
}
