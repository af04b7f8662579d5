// Package builder constructs signed ledger transactions from a set of owned
// outputs. Everything in this package is pure construction: the only side
// effects live in the input selector, which reads the ledger's output index.
package builder

import (
	"fmt"
	"math/big"
	"time"

	"github.com/buildcore-io/settler/service/ledger"
)

// RentStructure is the protocol's storage pricing: every output must carry
// at least serialized-size × VByteCost base coin to remain representable.
type RentStructure struct {
	VByteCost uint64
}

// MinDeposit computes the protocol-minimum storage deposit for an output.
// The computation is identical for all output kinds; only the serialized
// size differs.
func (r RentStructure) MinDeposit(o ledger.Output) uint64 {
	return uint64(len(o.Serialize())) * r.VByteCost
}

// PackBasicOutputParams describes a basic output to construct.
type PackBasicOutputParams struct {
	Target       ledger.Address
	Amount       uint64
	NativeTokens []ledger.NativeToken
	// ReturnAddress, when set, adds a storage-deposit-return condition so
	// the deposit flows back to the funder once the output is consumed.
	ReturnAddress ledger.Address
	// VestingAt, when set, adds a timelock condition; the target cannot
	// spend the output before this time.
	VestingAt *time.Time
	Metadata  []byte
	Tag       []byte
}

// PackBasicOutput assembles a basic output with its unlock conditions and
// tops the amount up to the protocol-minimum deposit. When a return address
// is set, the return condition's amount is exactly the minimum deposit (not
// the full output amount) so the deposit is fully recoverable and nothing
// more.
func PackBasicOutput(params PackBasicOutputParams, rent RentStructure) (*ledger.BasicOutput, error) {
	if params.Target == "" {
		return nil, &ledger.ValidationError{Field: "target", Reason: "address is required"}
	}

	conditions := []ledger.UnlockCondition{
		{Kind: ledger.UnlockAddress, Address: params.Target},
	}
	if params.ReturnAddress != "" {
		conditions = append(conditions, ledger.UnlockCondition{
			Kind:    ledger.UnlockStorageDepositReturn,
			Address: params.ReturnAddress,
			// placeholder; set to the exact minimum deposit below
		})
	}
	if params.VestingAt != nil {
		conditions = append(conditions, ledger.UnlockCondition{
			Kind:     ledger.UnlockTimelock,
			UnixTime: params.VestingAt.Unix(),
		})
	}

	output := &ledger.BasicOutput{
		BaseAmount: params.Amount,
		Tokens:     params.NativeTokens,
		Conditions: conditions,
		Metadata:   params.Metadata,
		Tag:        params.Tag,
	}

	// Serialized size is value-independent (fixed-width integers), so one
	// pass suffices even though we mutate amounts below.
	minDeposit := rent.MinDeposit(output)
	if output.BaseAmount < minDeposit {
		output.BaseAmount = minDeposit
	}
	if params.ReturnAddress != "" {
		for i := range output.Conditions {
			if output.Conditions[i].Kind == ledger.UnlockStorageDepositReturn {
				output.Conditions[i].ReturnAmount = minDeposit
			}
		}
	}

	return output, nil
}

// MergeBasicOutputs merges outputs addressed to the same target, provided
// the output carries nothing but a plain address condition. Amounts are
// summed; native token balances are summed per token id with zero-balance
// entries dropped. Outputs with timelocks, expirations or storage returns
// are never merged. Relative order of first appearance is preserved.
func MergeBasicOutputs(outputs []*ledger.BasicOutput) []*ledger.BasicOutput {
	merged := make([]*ledger.BasicOutput, 0, len(outputs))
	byAddress := make(map[ledger.Address]*ledger.BasicOutput)

	for _, out := range outputs {
		addr, mergeable := mergeTarget(out)
		if !mergeable {
			merged = append(merged, out)
			continue
		}
		existing, ok := byAddress[addr]
		if !ok {
			clone := *out
			clone.Tokens = append([]ledger.NativeToken(nil), out.Tokens...)
			merged = append(merged, &clone)
			byAddress[addr] = merged[len(merged)-1]
			continue
		}
		existing.BaseAmount += out.BaseAmount
		existing.Tokens = SumNativeTokens(existing.Tokens, out.Tokens)
	}

	return merged
}

func mergeTarget(out *ledger.BasicOutput) (ledger.Address, bool) {
	if len(out.Conditions) != 1 || out.Conditions[0].Kind != ledger.UnlockAddress {
		return "", false
	}
	return out.Conditions[0].Address, true
}

// SumNativeTokens adds two native token lists, summing balances per token
// id and dropping entries whose balance reaches zero. The arithmetic is
// exact big-integer addition; inputs are not mutated.
func SumNativeTokens(a, b []ledger.NativeToken) []ledger.NativeToken {
	totals := make(map[string]*big.Int)
	order := make([]string, 0, len(a)+len(b))
	for _, list := range [][]ledger.NativeToken{a, b} {
		for _, t := range list {
			if _, ok := totals[t.ID]; !ok {
				totals[t.ID] = new(big.Int)
				order = append(order, t.ID)
			}
			totals[t.ID].Add(totals[t.ID], t.Amount)
		}
	}

	result := make([]ledger.NativeToken, 0, len(order))
	for _, id := range order {
		if totals[id].Sign() == 0 {
			continue
		}
		result = append(result, ledger.NativeToken{ID: id, Amount: totals[id]})
	}
	return result
}

// SubtractNativeTokens subtracts b from a per token id. Returns an error if
// any balance would go negative; zero balances are dropped.
func SubtractNativeTokens(a, b []ledger.NativeToken) ([]ledger.NativeToken, error) {
	negated := make([]ledger.NativeToken, 0, len(b))
	for _, t := range b {
		negated = append(negated, ledger.NativeToken{ID: t.ID, Amount: new(big.Int).Neg(t.Amount)})
	}
	result := SumNativeTokens(a, negated)
	for _, t := range result {
		if t.Amount.Sign() < 0 {
			return nil, fmt.Errorf("token %s: balance would go negative", t.ID)
		}
	}
	return result, nil
}
