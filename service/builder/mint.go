package builder

import (
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/buildcore-io/settler/service/ledger"
	"golang.org/x/crypto/blake2b"
)

// MintChainParams describes a full token mint: an alias as minting
// authority, a foundry bound to it, and the hand-over of the alias to its
// final controller.
type MintChainParams struct {
	Network string
	// Inputs fund the chain's storage deposits; all owned by Source.
	Inputs []*ledger.OutputResult
	Source ledger.Address
	Keys   map[ledger.Address]*ledger.KeyPair
	// Target becomes state controller and governor of the alias in the
	// final step, and receives the initially minted token balance.
	Target ledger.Address
	// Tips parent the first block; later blocks chain off their
	// predecessor's id.
	Tips []ledger.BlockID

	MaximumSupply *big.Int
	MintedTokens  *big.Int
}

// MintChain is the result of BuildMintChain: three blocks to submit in
// order, plus the ids the caller persists on the token's minting data.
type MintChain struct {
	Blocks  []*ledger.Block
	AliasID string
	TokenID string
}

// BuildMintChain assembles the three chained transactions of a token mint:
//
//  1. alias creation: consumes the funding inputs, creates the alias
//     governed by the source address; parented on the current tips.
//  2. foundry creation: a state transition of the alias that creates the
//     foundry and mints the initial supply to the target; parented on the
//     first block.
//  3. governance transfer: hands state controller and governor over to
//     the target; parented on the second block.
//
// Each step consumes the previous step's freshly created output, so the
// chain is deterministic and can be assembled fully offline.
func BuildMintChain(params MintChainParams, rent RentStructure) (*MintChain, error) {
	if params.MaximumSupply == nil || params.MaximumSupply.Sign() <= 0 {
		return nil, &ledger.ValidationError{Field: "maximum_supply", Reason: "must be positive"}
	}
	if params.MintedTokens == nil || params.MintedTokens.Cmp(params.MaximumSupply) > 0 {
		return nil, &ledger.ValidationError{Field: "minted_tokens", Reason: "must be set and within maximum supply"}
	}

	// Step 1: alias creation.
	alias := &ledger.AliasOutput{
		StateIndex: 0,
		Conditions: []ledger.UnlockCondition{
			{Kind: ledger.UnlockStateController, Address: params.Source},
			{Kind: ledger.UnlockGovernor, Address: params.Source},
		},
	}
	alias.BaseAmount = rent.MinDeposit(alias)

	essence1, err := BuildTransfer(TransferParams{
		Network:          params.Network,
		Inputs:           params.Inputs,
		Outputs:          []ledger.Output{alias},
		RemainderAddress: params.Source,
	}, rent)
	if err != nil {
		return nil, fmt.Errorf("alias creation: %w", err)
	}

	owners1 := make([]ledger.Address, len(essence1.Inputs))
	for i := range owners1 {
		owners1[i] = params.Source
	}
	signed1, err := SignTransaction(essence1, owners1, params.Keys)
	if err != nil {
		return nil, fmt.Errorf("alias creation: %w", err)
	}
	tx1 := ledger.TransactionID(essence1)
	aliasOutputID := ledger.MakeOutputID(tx1, 0)
	aliasID := DeriveChainID(aliasOutputID)

	// Step 2: foundry creation, a state transition of the alias. The
	// minted balance goes to the target in a plain basic output.
	tokenID := aliasID + fmt.Sprintf("%08x", 1)
	nextAlias := &ledger.AliasOutput{
		AliasID:      aliasID,
		BaseAmount:   alias.BaseAmount,
		StateIndex:   1,
		FoundryCount: 1,
		Conditions:   alias.Conditions,
	}
	foundry := &ledger.FoundryOutput{
		SerialNumber: 1,
		Scheme: ledger.TokenScheme{
			Minted:  params.MintedTokens,
			Melted:  new(big.Int),
			Maximum: params.MaximumSupply,
		},
		Conditions: []ledger.UnlockCondition{
			{Kind: ledger.UnlockImmutableAlias, Address: ledger.Address(aliasID)},
		},
	}
	foundry.BaseAmount = rent.MinDeposit(foundry)

	mintedCarrier, err := PackBasicOutput(PackBasicOutputParams{
		Target: params.Target,
		NativeTokens: []ledger.NativeToken{
			{ID: tokenID, Amount: params.MintedTokens},
		},
	}, rent)
	if err != nil {
		return nil, fmt.Errorf("foundry creation: %w", err)
	}

	// Remainder from step 1 funds the foundry and carrier deposits.
	var step2Inputs []*ledger.OutputResult
	step2Inputs = append(step2Inputs, &ledger.OutputResult{ID: aliasOutputID, Output: alias})
	for i := 1; i < len(essence1.Outputs); i++ {
		step2Inputs = append(step2Inputs, &ledger.OutputResult{
			ID:     ledger.MakeOutputID(tx1, uint16(i)),
			Output: essence1.Outputs[i],
		})
	}

	essence2, err := BuildTransfer(TransferParams{
		Network:          params.Network,
		Inputs:           step2Inputs,
		Outputs:          []ledger.Output{nextAlias, foundry, mintedCarrier},
		RemainderAddress: params.Source,
	}, rent)
	if err != nil {
		return nil, fmt.Errorf("foundry creation: %w", err)
	}

	owners2 := make([]ledger.Address, len(essence2.Inputs))
	for i := range owners2 {
		owners2[i] = params.Source
	}
	signed2, err := SignTransaction(essence2, owners2, params.Keys)
	if err != nil {
		return nil, fmt.Errorf("foundry creation: %w", err)
	}
	tx2 := ledger.TransactionID(essence2)

	// Step 3: governance transfer of the alias to the target.
	finalAlias := &ledger.AliasOutput{
		AliasID:      aliasID,
		BaseAmount:   nextAlias.BaseAmount,
		StateIndex:   1,
		FoundryCount: 1,
		Conditions: []ledger.UnlockCondition{
			{Kind: ledger.UnlockStateController, Address: params.Target},
			{Kind: ledger.UnlockGovernor, Address: params.Target},
		},
	}

	essence3 := &ledger.TransactionEssence{
		Network: params.Network,
		Inputs:  []ledger.OutputID{ledger.MakeOutputID(tx2, 0)},
		Outputs: []ledger.Output{finalAlias},
	}
	signed3, err := SignTransaction(essence3, []ledger.Address{params.Source}, params.Keys)
	if err != nil {
		return nil, fmt.Errorf("governance transfer: %w", err)
	}

	block1 := &ledger.Block{Parents: params.Tips, Payload: signed1}
	block2 := &ledger.Block{Parents: []ledger.BlockID{ledger.ComputeBlockID(block1)}, Payload: signed2}
	block3 := &ledger.Block{Parents: []ledger.BlockID{ledger.ComputeBlockID(block2)}, Payload: signed3}

	return &MintChain{
		Blocks:  []*ledger.Block{block1, block2, block3},
		AliasID: aliasID,
		TokenID: tokenID,
	}, nil
}

// DeriveChainID derives a chain id (alias id) from the output id that
// created the chain.
func DeriveChainID(outputID ledger.OutputID) string {
	digest := blake2b.Sum256([]byte(outputID))
	return "0x" + hex.EncodeToString(digest[:])
}
