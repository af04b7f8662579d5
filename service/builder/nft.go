package builder

import (
	"github.com/buildcore-io/settler/service/ledger"
)

// PackNFTOutputParams describes an NFT output to construct.
type PackNFTOutputParams struct {
	Target ledger.Address
	// NFTID is empty at mint time (the chain id derives from the creating
	// output) and fixed for transfers and withdrawals.
	NFTID             string
	ImmutableMetadata []byte
	ImmutableIssuer   ledger.Address
}

// PackNFTOutput assembles an NFT output addressed to the target, carrying
// exactly its minimum storage deposit. Ownership transfers and withdrawals
// reuse this with the existing NFT id.
func PackNFTOutput(params PackNFTOutputParams, rent RentStructure) (*ledger.NFTOutput, error) {
	if params.Target == "" {
		return nil, &ledger.ValidationError{Field: "target", Reason: "address is required"}
	}

	output := &ledger.NFTOutput{
		NFTID:             params.NFTID,
		ImmutableMetadata: params.ImmutableMetadata,
		ImmutableIssuer:   params.ImmutableIssuer,
		Conditions: []ledger.UnlockCondition{
			{Kind: ledger.UnlockAddress, Address: params.Target},
		},
	}
	output.BaseAmount = rent.MinDeposit(output)
	return output, nil
}
