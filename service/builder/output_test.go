package builder

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildcore-io/settler/service/ledger"
)

var testRent = RentStructure{VByteCost: 100}

func TestPackBasicOutput(t *testing.T) {
	t.Run("amount above minimum is kept", func(t *testing.T) {
		out, err := PackBasicOutput(PackBasicOutputParams{
			Target: "addr1",
			Amount: 10_000_000,
		}, testRent)
		require.NoError(t, err)
		assert.Equal(t, uint64(10_000_000), out.BaseAmount)
		assert.GreaterOrEqual(t, out.BaseAmount, testRent.MinDeposit(out))
	})

	t.Run("small amount is topped up to the minimum deposit", func(t *testing.T) {
		out, err := PackBasicOutput(PackBasicOutputParams{
			Target: "addr1",
			Amount: 1,
		}, testRent)
		require.NoError(t, err)
		assert.Equal(t, testRent.MinDeposit(out), out.BaseAmount)
	})

	t.Run("storage return carries exactly the minimum deposit", func(t *testing.T) {
		out, err := PackBasicOutput(PackBasicOutputParams{
			Target:        "addr1",
			Amount:        0,
			ReturnAddress: "funder",
		}, testRent)
		require.NoError(t, err)

		var ret *ledger.UnlockCondition
		for i := range out.Conditions {
			if out.Conditions[i].Kind == ledger.UnlockStorageDepositReturn {
				ret = &out.Conditions[i]
			}
		}
		require.NotNil(t, ret)
		assert.Equal(t, ledger.Address("funder"), ret.Address)
		assert.Equal(t, testRent.MinDeposit(out), ret.ReturnAmount)
	})

	t.Run("vesting adds a timelock", func(t *testing.T) {
		vestingAt := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
		out, err := PackBasicOutput(PackBasicOutputParams{
			Target:    "addr1",
			Amount:    5_000_000,
			VestingAt: &vestingAt,
		}, testRent)
		require.NoError(t, err)
		require.True(t, ledger.HasCondition(out, ledger.UnlockTimelock))
		for _, c := range out.Conditions {
			if c.Kind == ledger.UnlockTimelock {
				assert.Equal(t, vestingAt.Unix(), c.UnixTime)
			}
		}
	})

	t.Run("missing target fails", func(t *testing.T) {
		_, err := PackBasicOutput(PackBasicOutputParams{Amount: 1}, testRent)
		var verr *ledger.ValidationError
		require.ErrorAs(t, err, &verr)
	})
}

func TestMergeBasicOutputs(t *testing.T) {
	plain := func(addr ledger.Address, amount uint64, tokens ...ledger.NativeToken) *ledger.BasicOutput {
		return &ledger.BasicOutput{
			BaseAmount: amount,
			Tokens:     tokens,
			Conditions: []ledger.UnlockCondition{{Kind: ledger.UnlockAddress, Address: addr}},
		}
	}

	t.Run("same target sums amounts and tokens", func(t *testing.T) {
		merged := MergeBasicOutputs([]*ledger.BasicOutput{
			plain("a", 100, ledger.NativeToken{ID: "tok", Amount: big.NewInt(5)}),
			plain("b", 50),
			plain("a", 200, ledger.NativeToken{ID: "tok", Amount: big.NewInt(7)}),
		})
		require.Len(t, merged, 2)
		assert.Equal(t, uint64(300), merged[0].BaseAmount)
		require.Len(t, merged[0].Tokens, 1)
		assert.Equal(t, int64(12), merged[0].Tokens[0].Amount.Int64())
		assert.Equal(t, uint64(50), merged[1].BaseAmount)
	})

	t.Run("conditional outputs are never merged", func(t *testing.T) {
		timelocked := plain("a", 100)
		timelocked.Conditions = append(timelocked.Conditions, ledger.UnlockCondition{
			Kind: ledger.UnlockTimelock, UnixTime: 12345,
		})
		merged := MergeBasicOutputs([]*ledger.BasicOutput{plain("a", 100), timelocked})
		assert.Len(t, merged, 2)
	})
}

func TestSumNativeTokens(t *testing.T) {
	sum := SumNativeTokens(
		[]ledger.NativeToken{{ID: "a", Amount: big.NewInt(10)}},
		[]ledger.NativeToken{
			{ID: "a", Amount: big.NewInt(5)},
			{ID: "b", Amount: big.NewInt(3)},
		},
	)
	require.Len(t, sum, 2)
	assert.Equal(t, int64(15), sum[0].Amount.Int64())
	assert.Equal(t, int64(3), sum[1].Amount.Int64())
}

func TestSubtractNativeTokens(t *testing.T) {
	t.Run("zero balances are dropped", func(t *testing.T) {
		rest, err := SubtractNativeTokens(
			[]ledger.NativeToken{
				{ID: "a", Amount: big.NewInt(10)},
				{ID: "b", Amount: big.NewInt(3)},
			},
			[]ledger.NativeToken{{ID: "a", Amount: big.NewInt(10)}},
		)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "b", rest[0].ID)
	})

	t.Run("underflow fails", func(t *testing.T) {
		_, err := SubtractNativeTokens(
			[]ledger.NativeToken{{ID: "a", Amount: big.NewInt(1)}},
			[]ledger.NativeToken{{ID: "a", Amount: big.NewInt(2)}},
		)
		require.Error(t, err)
	})
}
