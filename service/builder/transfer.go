package builder

import (
	"fmt"

	"github.com/buildcore-io/settler/service/ledger"
)

// TransferParams describes a value transfer to assemble into an essence.
type TransferParams struct {
	Network string
	// Inputs are the owned outputs to consume, as selected by the
	// InputSelector.
	Inputs []*ledger.OutputResult
	// Outputs are the desired outputs, already packed (amounts at or above
	// their minimum deposits).
	Outputs []ledger.Output
	// RemainderAddress receives unconsumed base coin and native tokens.
	RemainderAddress ledger.Address
}

// BuildTransfer assembles a transaction essence that consumes the inputs
// and produces the requested outputs plus, when anything is left over, a
// remainder output. It fails with ErrInsufficientFunds before emitting any
// output if the inputs cannot cover all mandatory storage deposits, and
// never produces a remainder below its own minimum deposit: a sub-minimum
// base-coin remainder with no native tokens is folded into the first
// output instead.
func BuildTransfer(params TransferParams, rent RentStructure) (*ledger.TransactionEssence, error) {
	if len(params.Inputs) == 0 {
		return nil, &ledger.ValidationError{Field: "inputs", Reason: "at least one input is required"}
	}
	if len(params.Outputs) == 0 {
		return nil, &ledger.ValidationError{Field: "outputs", Reason: "at least one output is required"}
	}

	var inputTotal uint64
	var inputTokens []ledger.NativeToken
	inputIDs := make([]ledger.OutputID, 0, len(params.Inputs))
	for _, in := range params.Inputs {
		inputTotal += in.Output.Amount()
		inputTokens = SumNativeTokens(inputTokens, in.Output.NativeTokens())
		inputIDs = append(inputIDs, in.ID)
	}

	var outputTotal uint64
	var outputTokens []ledger.NativeToken
	for _, out := range params.Outputs {
		if min := rent.MinDeposit(out); out.Amount() < min {
			return nil, fmt.Errorf("output below minimum deposit %d: %w", min, ledger.ErrInsufficientFunds)
		}
		outputTotal += out.Amount()
		outputTokens = SumNativeTokens(outputTokens, out.NativeTokens())
	}

	if inputTotal < outputTotal {
		return nil, fmt.Errorf("inputs %d cannot cover outputs %d: %w",
			inputTotal, outputTotal, ledger.ErrInsufficientFunds)
	}

	remainderTokens, err := SubtractNativeTokens(inputTokens, outputTokens)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ledger.ErrInsufficientFunds)
	}

	outputs := append([]ledger.Output(nil), params.Outputs...)
	remainderAmount := inputTotal - outputTotal

	if remainderAmount > 0 || len(remainderTokens) > 0 {
		if params.RemainderAddress == "" {
			return nil, &ledger.ValidationError{Field: "remainder_address", Reason: "required when inputs exceed outputs"}
		}
		remainder := &ledger.BasicOutput{
			BaseAmount: remainderAmount,
			Tokens:     remainderTokens,
			Conditions: []ledger.UnlockCondition{
				{Kind: ledger.UnlockAddress, Address: params.RemainderAddress},
			},
		}
		if min := rent.MinDeposit(remainder); remainderAmount < min {
			if len(remainderTokens) > 0 {
				// Tokens must be carried somewhere and the deposit for the
				// carrier output is not funded.
				return nil, fmt.Errorf("remainder deposit not covered: %w", ledger.ErrInsufficientFunds)
			}
			// Dust remainder; fold it into the first output.
			outputs[0].SetAmount(outputs[0].Amount() + remainderAmount)
		} else {
			outputs = append(outputs, remainder)
		}
	}

	return &ledger.TransactionEssence{
		Network: params.Network,
		Inputs:  inputIDs,
		Outputs: outputs,
	}, nil
}
