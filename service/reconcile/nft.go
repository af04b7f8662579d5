package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/buildcore-io/settler/service/db"
	"github.com/buildcore-io/settler/service/nats"
	"github.com/buildcore-io/settler/service/trade"
)

// handleNftPurchase settles a fixed-price NFT sale: the seller is paid,
// the collection's royalty leg is split off, and ownership transfers.
func (e *Engine) handleNftPurchase(ctx context.Context, q *db.Queries, order *db.Transaction, payload *db.OrderPayload, ltx *db.LedgerTransaction, entry db.Entry, sender string, res *Result, events *[]bufferedEvent) error {
	nft, err := q.GetNftForUpdate(ctx, payload.Nft)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e.voidOrderAndRefund(ctx, q, order, payload, ltx, entry, sender, "nft not found", res, events)
		}
		return err
	}
	if nft.Availability != db.NftForSale || (nft.Locked && (nft.LockedBy == nil || *nft.LockedBy != order.ID)) {
		return e.voidOrderAndRefund(ctx, q, order, payload, ltx, entry, sender, "nft no longer for sale", res, events)
	}

	payment, err := e.recordPayment(ctx, q, ltx, entry, sender, order.Member, false, res)
	if err != nil {
		return err
	}

	collection, err := q.GetCollectionForUpdate(ctx, nft.CollectionID)
	if err != nil {
		return fmt.Errorf("failed to load collection %s: %w", nft.CollectionID, err)
	}
	if err := e.payoutSale(ctx, q, nft, collection, payment, entry.Amount, res); err != nil {
		return err
	}

	buyer := sender
	if order.Member != nil {
		buyer = *order.Member
	}
	if err := q.TransferNftOwnership(ctx, nft.ID, buyer); err != nil {
		return err
	}
	sold, err := q.IncrementCollectionSold(ctx, collection.ID)
	if err != nil {
		return err
	}
	if sold >= collection.Total && collection.PlaceholderNft != nil {
		if err := q.MarkPlaceholderSold(ctx, *collection.PlaceholderNft); err != nil {
			return err
		}
	}
	return e.settleOrder(ctx, q, order, payload, entry, res, events)
}

// payoutSale splits a sale amount into the seller's proceeds and the
// royalty leg. A royalty too small for an output of its own folds into
// the proceeds, so value is conserved either way.
func (e *Engine) payoutSale(ctx context.Context, q *db.Queries, nft *db.Nft, collection *db.Collection, payment *db.Transaction, amount uint64, res *Result) error {
	royaltyAddr, err := e.royaltyAddress(ctx, q, collection)
	if err != nil {
		return err
	}
	rate := collection.RoyaltyFee
	if royaltyAddr == "" {
		rate = 0
	}
	net, fee := trade.Split(amount, rate, e.cfg.MinTransferThreshold)

	sellerAddr, seller, err := e.sellerPayout(ctx, q, nft, collection, royaltyAddr)
	if err != nil {
		return err
	}
	main, err := e.createBillPayment(ctx, q, billPaymentRequest{
		Source:    payment.Payload.(*db.PaymentPayload).TargetAddress,
		Target:    sellerAddr,
		Amount:    net,
		Member:    seller,
		SourceTxs: []string{payment.ID},
		Nft:       nft.ID,
	}, res)
	if err != nil {
		return err
	}
	if fee > 0 {
		_, err = e.createBillPayment(ctx, q, billPaymentRequest{
			Source:    payment.Payload.(*db.PaymentPayload).TargetAddress,
			Target:    royaltyAddr,
			Amount:    fee,
			SourceTxs: []string{payment.ID},
			Royalty:   true,
			DependsOn: &main.ID,
			Nft:       nft.ID,
		}, res)
	}
	return err
}

// royaltyAddress resolves where the royalty leg goes: the collection's own
// royalty address, falling back to its space's.
func (e *Engine) royaltyAddress(ctx context.Context, q *db.Queries, collection *db.Collection) (string, error) {
	if collection.RoyaltyAddress != nil {
		return *collection.RoyaltyAddress, nil
	}
	if collection.SpaceID == nil {
		return "", nil
	}
	space, err := q.GetSpace(ctx, *collection.SpaceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if space.RoyaltyAddress == nil {
		return "", nil
	}
	return *space.RoyaltyAddress, nil
}

// sellerPayout resolves who receives the proceeds: a secondary sale pays
// the owning member's verified address, a primary sale pays the
// collection's royalty address.
func (e *Engine) sellerPayout(ctx context.Context, q *db.Queries, nft *db.Nft, collection *db.Collection, royaltyAddr string) (string, *string, error) {
	if nft.Owner != nil {
		member, err := q.GetMember(ctx, *nft.Owner)
		if err == nil && member.DepositAddress != nil {
			return *member.DepositAddress, nft.Owner, nil
		}
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return "", nil, err
		}
	}
	if royaltyAddr == "" {
		return "", nil, fmt.Errorf("no payout address for nft %s in collection %s", nft.ID, collection.ID)
	}
	return royaltyAddr, nil, nil
}

// handleNftBid records a bid in a running auction. A bid that does not
// beat the floor or the current highest goes straight back; a winning bid
// refunds the displaced one.
func (e *Engine) handleNftBid(ctx context.Context, q *db.Queries, order *db.Transaction, payload *db.OrderPayload, ltx *db.LedgerTransaction, entry db.Entry, sender string, now time.Time, res *Result, events *[]bufferedEvent) error {
	nft, err := q.GetNftForUpdate(ctx, payload.Nft)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e.voidOrderAndRefund(ctx, q, order, payload, ltx, entry, sender, "nft not found", res, events)
		}
		return err
	}
	if nft.Availability != db.NftForAuction ||
		(nft.AuctionFrom != nil && now.Before(*nft.AuctionFrom)) ||
		(nft.AuctionTo != nil && now.After(*nft.AuctionTo)) {
		return e.voidOrderAndRefund(ctx, q, order, payload, ltx, entry, sender, "auction not open", res, events)
	}
	if nft.AuctionFloorPrice != nil && entry.Amount < *nft.AuctionFloorPrice {
		return e.refundEntry(ctx, q, ltx, entry, sender, order.Member, "bid below floor", res, events)
	}
	if nft.AuctionHighestBid != nil && entry.Amount <= *nft.AuctionHighestBid {
		return e.refundEntry(ctx, q, ltx, entry, sender, order.Member, "bid too low", res, events)
	}

	payment, err := e.recordPayment(ctx, q, ltx, entry, sender, order.Member, false, res)
	if err != nil {
		return err
	}
	if err := e.refundDisplacedBid(ctx, q, nft, entry.Amount, res, events); err != nil {
		return err
	}

	bidder := sender
	if order.Member != nil {
		bidder = *order.Member
	}
	if err := q.SetNftHighestBid(ctx, nft.ID, entry.Amount, bidder, payment.ID); err != nil {
		return err
	}
	return e.settleOrder(ctx, q, order, payload, entry, res, events)
}

// refundDisplacedBid credits the previous highest bid back to its sender
// and announces the outbid.
func (e *Engine) refundDisplacedBid(ctx context.Context, q *db.Queries, nft *db.Nft, newBid uint64, res *Result, events *[]bufferedEvent) error {
	if nft.AuctionHighestTransaction == nil {
		return nil
	}
	prev, err := q.GetTransaction(ctx, *nft.AuctionHighestTransaction)
	if err != nil {
		return fmt.Errorf("failed to load previous bid %s: %w", *nft.AuctionHighestTransaction, err)
	}
	prevPayload, ok := prev.Payload.(*db.PaymentPayload)
	if !ok {
		return fmt.Errorf("previous bid %s has payload kind %s", prev.ID, prev.Payload.Kind())
	}
	if _, err := e.issueCredit(ctx, q, prevPayload.TargetAddress, prevPayload.SourceAddress,
		prevPayload.Amount, nil, []string{prev.ID}, prev.Member, "outbid", res, events); err != nil {
		return err
	}

	outbid := ""
	if nft.AuctionHighestBidder != nil {
		outbid = *nft.AuctionHighestBidder
	}
	*events = append(*events, bufferedEvent{nats.SubjectBidOutbid, nats.BidOutbidEvent{
		NftID:         nft.ID,
		Network:       e.cfg.Network,
		OutbidMember:  outbid,
		PreviousBid:   prevPayload.Amount,
		NewHighestBid: newBid,
		OccurredAt:    time.Now().UTC(),
	}})
	return nil
}

// FinalizeAuction closes an auction whose end time has passed: the
// highest bid pays out like a sale and ownership transfers, or the
// auction fields clear when nobody bid. Rerunning after the auction is
// already closed is a no-op.
func (e *Engine) FinalizeAuction(ctx context.Context, nftID string) error {
	err := e.store.RunInTx(ctx, func(ctx context.Context, q *db.Queries) error {
		nft, err := q.GetNftForUpdate(ctx, nftID)
		if err != nil {
			return err
		}
		if nft.Availability != db.NftForAuction {
			return nil
		}
		if nft.AuctionTo != nil && time.Now().UTC().Before(*nft.AuctionTo) {
			return fmt.Errorf("auction on nft %s has not ended", nftID)
		}
		if nft.AuctionHighestTransaction == nil {
			return q.ClearNftAuction(ctx, nftID)
		}

		bid, err := q.GetTransaction(ctx, *nft.AuctionHighestTransaction)
		if err != nil {
			return err
		}
		bidPayload, ok := bid.Payload.(*db.PaymentPayload)
		if !ok {
			return fmt.Errorf("winning bid %s has payload kind %s", bid.ID, bid.Payload.Kind())
		}
		collection, err := q.GetCollectionForUpdate(ctx, nft.CollectionID)
		if err != nil {
			return err
		}
		res := &Result{}
		if err := e.payoutSale(ctx, q, nft, collection, bid, bidPayload.Amount, res); err != nil {
			return err
		}

		winner := bidPayload.SourceAddress
		if nft.AuctionHighestBidder != nil {
			winner = *nft.AuctionHighestBidder
		}
		return q.TransferNftOwnership(ctx, nftID, winner)
	})
	if err != nil {
		return fmt.Errorf("failed to finalize auction on nft %s: %w", nftID, err)
	}
	return nil
}

// WithdrawNft sends a minted NFT out of the marketplace's custody to an
// address the member controls. The NFT is locked while the transfer is in
// flight.
func (e *Engine) WithdrawNft(ctx context.Context, nftID, targetAddress string) (string, error) {
	var transferID string
	err := e.store.RunInTx(ctx, func(ctx context.Context, q *db.Queries) error {
		nft, err := q.GetNftForUpdate(ctx, nftID)
		if err != nil {
			return err
		}
		if nft.Availability != db.NftUnavailable {
			return fmt.Errorf("nft %s is listed and cannot be withdrawn", nftID)
		}
		mintData, err := nft.DecodeMintingData()
		if err != nil {
			return err
		}
		if mintData == nil || mintData.Address == "" {
			return fmt.Errorf("nft %s is not minted", nftID)
		}

		withdraw := &db.Transaction{
			ID:            uuid.NewString(),
			Kind:          db.KindWithdrawNFT,
			Network:       e.cfg.Network,
			Member:        nft.Owner,
			SourceAddress: &mintData.Address,
			TargetAddress: &targetAddress,
			Payload: &db.WithdrawNFTPayload{
				SourceAddress: mintData.Address,
				TargetAddress: targetAddress,
				Nft:           nftID,
			},
		}
		if err := q.CreateTransaction(ctx, withdraw); err != nil {
			return err
		}
		if err := q.LockNft(ctx, nftID, withdraw.ID); err != nil {
			return err
		}
		transferID = withdraw.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to withdraw nft %s: %w", nftID, err)
	}
	return transferID, nil
}
