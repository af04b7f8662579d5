package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/buildcore-io/settler/service/db"
	"github.com/buildcore-io/settler/service/ledger"
	"github.com/buildcore-io/settler/service/nats"
	"github.com/buildcore-io/settler/service/trade"
)

// handleTokenPurchase settles a public-sale token purchase: the bought
// count lands in the buyer's distribution and the proceeds go to the
// issuing space.
func (e *Engine) handleTokenPurchase(ctx context.Context, q *db.Queries, order *db.Transaction, payload *db.OrderPayload, ltx *db.LedgerTransaction, entry db.Entry, sender string, res *Result, events *[]bufferedEvent) error {
	token, err := q.GetTokenForUpdate(ctx, payload.Token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e.voidOrderAndRefund(ctx, q, order, payload, ltx, entry, sender, "token not found", res, events)
		}
		return err
	}
	if token.Status != db.TokenAvailable {
		return e.voidOrderAndRefund(ctx, q, order, payload, ltx, entry, sender, "token sale closed", res, events)
	}

	count := payload.Count
	if payload.Price > 0 {
		count = entry.Amount / payload.Price
	}
	if count == 0 {
		return e.refundEntry(ctx, q, ltx, entry, sender, order.Member, "amount below token price", res, events)
	}

	payment, err := e.recordPayment(ctx, q, ltx, entry, sender, order.Member, false, res)
	if err != nil {
		return err
	}
	buyer := sender
	if order.Member != nil {
		buyer = *order.Member
	}
	if err := q.AddToTokenDistribution(ctx, token.ID, buyer, count, nil); err != nil {
		return err
	}

	// Proceeds go to the issuing space. A leftover below the token price
	// goes back to the buyer rather than being kept.
	spent := count * payload.Price
	if payload.Price == 0 {
		spent = entry.Amount
	}
	if remainder := entry.Amount - spent; remainder > 0 {
		if _, err := e.issueCredit(ctx, q, entry.Address, sender, remainder,
			nil, []string{payment.ID}, order.Member, "token purchase remainder", res, events); err != nil {
			return err
		}
	}
	if spaceAddr, err := e.spaceRoyaltyAddress(ctx, q, token); err != nil {
		return err
	} else if spaceAddr != "" && spent > 0 {
		if _, err := e.createBillPayment(ctx, q, billPaymentRequest{
			Source:    entry.Address,
			Target:    spaceAddr,
			Amount:    spent,
			SourceTxs: []string{payment.ID},
			Token:     token.ID,
		}, res); err != nil {
			return err
		}
	}
	return e.settleOrder(ctx, q, order, payload, entry, res, events)
}

func (e *Engine) spaceRoyaltyAddress(ctx context.Context, q *db.Queries, token *db.Token) (string, error) {
	if token.SpaceID == nil {
		return "", nil
	}
	space, err := q.GetSpace(ctx, *token.SpaceID)
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

// handleTokenAirdrop settles an airdrop claim. For minted tokens the
// claimed count leaves the vault with a vesting timelock when the drop
// carries one; the claim deposit itself funds the storage of the new
// output and comes back with it.
func (e *Engine) handleTokenAirdrop(ctx context.Context, q *db.Queries, order *db.Transaction, payload *db.OrderPayload, ltx *db.LedgerTransaction, entry db.Entry, sender string, res *Result, events *[]bufferedEvent) error {
	token, err := q.GetTokenForUpdate(ctx, payload.Token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e.voidOrderAndRefund(ctx, q, order, payload, ltx, entry, sender, "token not found", res, events)
		}
		return err
	}
	member := sender
	if order.Member != nil {
		member = *order.Member
	}
	dist, err := q.GetTokenDistribution(ctx, token.ID, member)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e.refundEntry(ctx, q, ltx, entry, sender, order.Member, "nothing to claim", res, events)
		}
		return err
	}
	count := payload.Count
	if unclaimed := dist.TotalOwned - dist.TotalClaimed; count == 0 || count > unclaimed {
		count = unclaimed
	}
	if count == 0 {
		return e.refundEntry(ctx, q, ltx, entry, sender, order.Member, "nothing to claim", res, events)
	}

	payment, err := e.recordPayment(ctx, q, ltx, entry, sender, order.Member, false, res)
	if err != nil {
		return err
	}
	if err := q.ClaimTokenDistribution(ctx, token.ID, member, count); err != nil {
		return err
	}

	minting, err := token.DecodeMintingData()
	if err != nil {
		return err
	}
	if token.Status == db.TokenMinted && minting != nil && minting.TokenID != "" && minting.VaultAddress != "" {
		if _, err := e.createBillPayment(ctx, q, billPaymentRequest{
			Source: minting.VaultAddress,
			Target: sender,
			NativeTokens: []ledger.NativeToken{{
				ID:     minting.TokenID,
				Amount: new(big.Int).SetUint64(count),
			}},
			Member:    order.Member,
			SourceTxs: []string{payment.ID},
			VestingAt: dist.VestingAt,
			Token:     token.ID,
		}, res); err != nil {
			return err
		}
		// The claim deposit covers the new output's storage and rides back
		// with the featureless remainder of the order address.
		if _, err := e.issueCredit(ctx, q, entry.Address, sender, entry.Amount,
			nil, []string{payment.ID}, order.Member, "airdrop claim deposit", res, events); err != nil {
			return err
		}
	} else {
		if _, err := e.issueCredit(ctx, q, entry.Address, sender, entry.Amount,
			nil, []string{payment.ID}, order.Member, "airdrop claimed off chain", res, events); err != nil {
			return err
		}
	}
	return e.settleOrder(ctx, q, order, payload, entry, res, events)
}

// handleTokenMint accepts the minting fee and queues the three-step mint
// chain. The token moves to minting so a second fee payment bounces.
func (e *Engine) handleTokenMint(ctx context.Context, q *db.Queries, order *db.Transaction, payload *db.OrderPayload, ltx *db.LedgerTransaction, entry db.Entry, sender string, res *Result, events *[]bufferedEvent) error {
	token, err := q.GetTokenForUpdate(ctx, payload.Token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e.voidOrderAndRefund(ctx, q, order, payload, ltx, entry, sender, "token not found", res, events)
		}
		return err
	}
	if token.Status == db.TokenMinting || token.Status == db.TokenMinted {
		return e.voidOrderAndRefund(ctx, q, order, payload, ltx, entry, sender, "token already minting", res, events)
	}

	if _, err := e.recordPayment(ctx, q, ltx, entry, sender, order.Member, false, res); err != nil {
		return err
	}
	if err := q.SetTokenStatus(ctx, token.ID, db.TokenMinting); err != nil {
		return err
	}

	mint := &db.Transaction{
		ID:            uuid.NewString(),
		Kind:          db.KindMintToken,
		Network:       e.cfg.Network,
		Member:        order.Member,
		SourceAddress: &entry.Address,
		TargetAddress: &sender,
		Payload: &db.MintTokenPayload{
			SourceAddress: entry.Address,
			TargetAddress: sender,
			Token:         token.ID,
			Amount:        entry.Amount,
			MaximumSupply: token.TotalSupply,
			MintedTokens:  token.TotalSupply,
		},
	}
	if err := q.CreateTransaction(ctx, mint); err != nil {
		return err
	}
	res.CreatedTransactions = append(res.CreatedTransactions, mint.ID)
	return e.settleOrder(ctx, q, order, payload, entry, res, events)
}

// handleTradeOrder turns a funded trade order into an order book entry and
// matches it immediately. Fill legs commit with the milestone.
func (e *Engine) handleTradeOrder(ctx context.Context, q *db.Queries, order *db.Transaction, payload *db.OrderPayload, ltx *db.LedgerTransaction, entry db.Entry, sender string, now time.Time, res *Result, events *[]bufferedEvent) error {
	owner := sender
	if order.Member != nil {
		owner = *order.Member
	}
	if _, err := e.recordPayment(ctx, q, ltx, entry, sender, order.Member, false, res); err != nil {
		return err
	}

	tradeOrder := &db.TokenTradeOrder{
		ID:                 uuid.NewString(),
		Owner:              owner,
		OwnerAddress:       sender,
		Network:            e.cfg.Network,
		TokenID:            payload.Token,
		Count:              payload.Count,
		Price:              payload.Price,
		Status:             db.TradeActive,
		TargetAddress:      &payload.TargetAddress,
		OrderTransactionID: &order.ID,
		ExpiresAt:          payload.ExpiresOn,
	}
	if payload.Type == db.OrderTradeBuy {
		tradeOrder.Side = db.TradeBuy
		tradeOrder.Balance = entry.Amount
	} else {
		tradeOrder.Side = db.TradeSell
		count, err := e.sellOrderCount(ctx, q, payload, entry, owner)
		if err != nil {
			var short errInsufficientTokens
			if errors.As(err, &short) {
				return e.refundEntry(ctx, q, ltx, entry, sender, order.Member, short.Error(), res, events)
			}
			return err
		}
		tradeOrder.Count = count
		tradeOrder.Balance = count
	}
	if err := q.CreateTradeOrder(ctx, tradeOrder); err != nil {
		return err
	}
	res.TradeOrders = append(res.TradeOrders, tradeOrder.ID)

	match, err := trade.MatchOrder(ctx, q, tradeOrder, e.cfg.Trade, now)
	if err != nil {
		return err
	}
	res.CreatedTransactions = append(res.CreatedTransactions, match.TransactionIDs...)
	for id, delay := range match.Delays {
		if res.Delays == nil {
			res.Delays = make(map[string]time.Duration)
		}
		res.Delays[id] = delay
	}
	for _, fill := range match.Fills {
		e.metrics.RecordTradeFill(fill.Purchase.TokenID)
		*events = append(*events, bufferedEvent{nats.SubjectTradeFilled, nats.TradeFilledEvent{
			PurchaseID: fill.Purchase.ID,
			TokenID:    fill.Purchase.TokenID,
			BuyOrder:   fill.Purchase.BuyOrder,
			SellOrder:  fill.Purchase.SellOrder,
			Count:      fill.Purchase.Count,
			Price:      fill.Purchase.Price,
			FilledAt:   time.Now().UTC(),
		}})
	}
	return e.settleOrder(ctx, q, order, payload, entry, res, events)
}

type errInsufficientTokens struct{ need uint64 }

func (e errInsufficientTokens) Error() string {
	return fmt.Sprintf("insufficient tokens to sell %d", e.need)
}

// sellOrderCount determines how many tokens a sell order actually offers.
// Minted tokens arrive on chain with the order payment; unminted tokens
// are reserved out of the seller's off-chain distribution.
func (e *Engine) sellOrderCount(ctx context.Context, q *db.Queries, payload *db.OrderPayload, entry db.Entry, owner string) (uint64, error) {
	token, err := q.GetTokenForUpdate(ctx, payload.Token)
	if err != nil {
		return 0, err
	}
	if token.Status == db.TokenMinted {
		minting, err := token.DecodeMintingData()
		if err != nil {
			return 0, err
		}
		if minting != nil && minting.TokenID != "" {
			for _, nt := range entry.NativeTokens {
				if nt.ID == minting.TokenID && nt.Amount != nil && nt.Amount.IsUint64() {
					count := nt.Amount.Uint64()
					if count == 0 {
						return 0, errInsufficientTokens{need: payload.Count}
					}
					return count, nil
				}
			}
			return 0, errInsufficientTokens{need: payload.Count}
		}
	}
	if payload.Count == 0 {
		return 0, errInsufficientTokens{need: payload.Count}
	}
	dist, err := q.GetTokenDistribution(ctx, token.ID, owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, errInsufficientTokens{need: payload.Count}
		}
		return 0, err
	}
	if dist.TotalOwned < payload.Count {
		return 0, errInsufficientTokens{need: payload.Count}
	}
	if err := q.ReserveTokenDistribution(ctx, token.ID, owner, payload.Count); err != nil {
		return 0, err
	}
	return payload.Count, nil
}
