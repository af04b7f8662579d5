package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/buildcore-io/settler/service/builder"
	"github.com/buildcore-io/settler/service/db"
	"github.com/buildcore-io/settler/service/ledger"
)

// buildOutputs turns a value-transfer payload into packed outputs. NFT
// moves and mint chains have their own build paths.
func (e *Engine) buildOutputs(ctx context.Context, tran *db.Transaction) ([]ledger.Output, error) {
	switch payload := tran.Payload.(type) {
	case *db.CreditPayload:
		out, err := builder.PackBasicOutput(builder.PackBasicOutputParams{
			Target:       ledger.Address(payload.TargetAddress),
			Amount:       payload.Amount,
			NativeTokens: payload.NativeTokens,
		}, e.cfg.Rent)
		if err != nil {
			return nil, err
		}
		return []ledger.Output{out}, nil
	case *db.BillPaymentPayload:
		out, err := builder.PackBasicOutput(builder.PackBasicOutputParams{
			Target:       ledger.Address(payload.TargetAddress),
			Amount:       payload.Amount,
			NativeTokens: payload.NativeTokens,
			VestingAt:    payload.VestingAt,
		}, e.cfg.Rent)
		if err != nil {
			return nil, err
		}
		return []ledger.Output{out}, nil
	case *db.MintCollectionPayload:
		return e.buildCollectionOutputs(ctx, tran, payload)
	default:
		return nil, fmt.Errorf("transaction %s: kind %s has no output builder", tran.ID, tran.Kind)
	}
}

// collectionMintBatch bounds how many NFT outputs one block carries.
const collectionMintBatch = 64

// buildCollectionOutputs packs one NFT output per unminted NFT of the
// collection, issued by and held at the custody address.
func (e *Engine) buildCollectionOutputs(ctx context.Context, tran *db.Transaction, payload *db.MintCollectionPayload) ([]ledger.Output, error) {
	nfts, err := e.store.ListUnmintedNftsByCollection(ctx, payload.Collection, collectionMintBatch)
	if err != nil {
		return nil, err
	}
	if len(nfts) == 0 {
		return nil, fmt.Errorf("collection %s has no nfts to mint", payload.Collection)
	}
	source := ledger.Address(payload.SourceAddress)
	outputs := make([]ledger.Output, 0, len(nfts))
	for _, nft := range nfts {
		// The metadata ties the on-chain output back to the NFT record;
		// without it confirmed outputs could not be attributed.
		meta, err := json.Marshal(&nftImmutableMetadata{
			ID:         nft.ID,
			Collection: nft.CollectionID,
		})
		if err != nil {
			return nil, err
		}
		out, err := builder.PackNFTOutput(builder.PackNFTOutputParams{
			Target:            source,
			ImmutableIssuer:   source,
			ImmutableMetadata: meta,
		}, e.cfg.Rent)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// nftImmutableMetadata is stamped into each minted NFT output.
type nftImmutableMetadata struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
}

// submitNftMove builds and submits the transfer of a minted NFT output to
// a new address: ownership changes and withdrawals. The NFT's current
// output is the sole NFT input; the custody address funds any deposit
// difference.
func (e *Engine) submitNftMove(ctx context.Context, att *attempt, keys *ledger.KeyPair, nftID, target string) (ledger.BlockID, []ledger.OutputID, error) {
	nft, err := e.store.GetNft(ctx, nftID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load nft %s: %w", nftID, err)
	}
	mintData, err := nft.DecodeMintingData()
	if err != nil {
		return "", nil, err
	}
	if mintData == nil || mintData.OutputID == "" {
		return "", nil, fmt.Errorf("nft %s has no on-chain output", nftID)
	}

	nftInput, err := e.client.OutputByID(ctx, ledger.OutputID(mintData.OutputID))
	if err != nil {
		return "", nil, err
	}
	out, err := builder.PackNFTOutput(builder.PackNFTOutputParams{
		Target: ledger.Address(target),
		NFTID:  mintData.NftID,
	}, e.cfg.Rent)
	if err != nil {
		return "", nil, err
	}

	inputs := []*ledger.OutputResult{nftInput}
	if out.Amount() > nftInput.Output.Amount() {
		// The new output needs a larger deposit than the old one carries;
		// top it up from the custody address.
		more, err := e.selectInputs(ctx, att)
		if err != nil {
			return "", nil, err
		}
		inputs = append(inputs, more...)
	}

	essence, err := builder.BuildTransfer(builder.TransferParams{
		Network:          e.cfg.Network,
		Inputs:           inputs,
		Outputs:          []ledger.Output{out},
		RemainderAddress: att.source,
	}, e.cfg.Rent)
	if err != nil {
		return "", nil, err
	}
	blockID, err := e.signAndSubmit(ctx, att, keys, essence)
	if err != nil {
		return "", nil, err
	}

	// Track where the NFT output lives now so the next move can find it.
	mintData.Address = target
	mintData.OutputID = string(ledger.MakeOutputID(ledger.TransactionID(essence), 0))
	mintData.BlockID = string(blockID)
	data, err := json.Marshal(mintData)
	if err != nil {
		return "", nil, err
	}
	if err := e.store.SetNftMintingData(ctx, nftID, data); err != nil {
		return "", nil, err
	}
	return blockID, essence.Inputs, nil
}

func (e *Engine) signAndSubmit(ctx context.Context, att *attempt, keys *ledger.KeyPair, essence *ledger.TransactionEssence) (ledger.BlockID, error) {
	owners := make([]ledger.Address, len(essence.Inputs))
	for i := range owners {
		owners[i] = att.source
	}
	signed, err := builder.SignTransaction(essence, owners, map[ledger.Address]*ledger.KeyPair{att.source: keys})
	if err != nil {
		return "", err
	}
	tips, err := e.client.Tips(ctx)
	if err != nil {
		return "", err
	}
	return e.client.SubmitBlock(ctx, &ledger.Block{Parents: tips, Payload: signed})
}

// submitMintChain assembles and submits the three chained blocks of a
// token mint. The chain reference recorded is the final block's id; its
// confirmation implies the whole chain landed.
func (e *Engine) submitMintChain(ctx context.Context, att *attempt, keys *ledger.KeyPair, payload *db.MintTokenPayload) (ledger.BlockID, []ledger.OutputID, error) {
	inputs, err := e.selectInputs(ctx, att)
	if err != nil {
		return "", nil, err
	}
	tips, err := e.client.Tips(ctx)
	if err != nil {
		return "", nil, err
	}

	chain, err := builder.BuildMintChain(builder.MintChainParams{
		Network:       e.cfg.Network,
		Inputs:        inputs,
		Source:        att.source,
		Keys:          map[ledger.Address]*ledger.KeyPair{att.source: keys},
		Target:        ledger.Address(payload.TargetAddress),
		Tips:          tips,
		MaximumSupply: new(big.Int).SetUint64(payload.MaximumSupply),
		MintedTokens:  new(big.Int).SetUint64(payload.MintedTokens),
	}, e.cfg.Rent)
	if err != nil {
		return "", nil, err
	}

	var lastID ledger.BlockID
	for i, block := range chain.Blocks {
		lastID, err = e.client.SubmitBlock(ctx, block)
		if err != nil {
			return "", nil, fmt.Errorf("mint chain block %d: %w", i+1, err)
		}
	}

	data, err := json.Marshal(&db.TokenMintingData{
		AliasID:       chain.AliasID,
		TokenID:       chain.TokenID,
		BlockID:       string(lastID),
		MintedBy:      att.tran.ID,
		VaultAddress:  payload.TargetAddress,
		MintedSupply:  payload.MintedTokens,
		MaximumSupply: payload.MaximumSupply,
	})
	if err != nil {
		return "", nil, err
	}
	if err := e.store.SetTokenMintingData(ctx, payload.Token, data); err != nil {
		return "", nil, err
	}

	consumed := make([]ledger.OutputID, 0, len(inputs))
	for _, in := range inputs {
		consumed = append(consumed, in.ID)
	}
	return lastID, consumed, nil
}

// finalizeConfirmed applies kind-specific bookkeeping once a submission
// confirms on the ledger.
func (e *Engine) finalizeConfirmed(ctx context.Context, q *db.Queries, tran *db.Transaction, chainRef string) error {
	switch payload := tran.Payload.(type) {
	case *db.MintTokenPayload:
		return q.SetTokenStatus(ctx, payload.Token, db.TokenMinted)
	case *db.WithdrawNFTPayload:
		return q.UnlockNft(ctx, payload.Nft, tran.ID)
	case *db.ChangeOwnerPayload:
		return q.UnlockNft(ctx, payload.Nft, tran.ID)
	default:
		return nil
	}
}
