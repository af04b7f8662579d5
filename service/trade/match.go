package trade

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/buildcore-io/settler/service/db"
	"github.com/buildcore-io/settler/service/ledger"
)

// Fill describes one executed trade between a buy and a sell order.
type Fill struct {
	Purchase  *db.TokenPurchase
	BuyOwner  string
	SellOwner string
}

// MatchResult reports what one matching pass produced.
type MatchResult struct {
	Fills []Fill
	// TransactionIDs are the settlement transactions created: proceeds and
	// fee legs, token delivery, remainder credits.
	TransactionIDs []string
	// Delays postpones execution of the keyed fee legs behind their
	// proceeds payment.
	Delays map[string]time.Duration
}

// MatchOrder walks the opposite side of the book and fills the incoming
// order greedily. Each fill executes at the resting order's price; a new
// order priced better than the book still pays only what the maker asked.
// Runs inside the caller's transaction.
func MatchOrder(ctx context.Context, q *db.Queries, order *db.TokenTradeOrder, cfg Config, now time.Time) (*MatchResult, error) {
	token, err := q.GetTokenForUpdate(ctx, order.TokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to load token %s: %w", order.TokenID, err)
	}
	minting, err := token.DecodeMintingData()
	if err != nil {
		return nil, err
	}
	onChainTokenID := ""
	if token.Status == db.TokenMinted && minting != nil {
		onChainTokenID = minting.TokenID
	}

	opposite, err := q.ListOppositeActiveOrders(ctx, order)
	if err != nil {
		return nil, err
	}

	res := &MatchResult{}
	for _, rest := range opposite {
		if countRemaining(order) == 0 || order.Balance == 0 {
			break
		}
		// Expired resting orders are the sweep's business.
		if rest.ExpiresAt.Before(now) {
			continue
		}

		buy, sell := order, rest
		if order.Side == db.TradeSell {
			buy, sell = rest, order
		}

		// Maker price. Two market orders cannot discover a price.
		price := rest.Price
		if price == 0 {
			price = order.Price
		}
		if price == 0 {
			continue
		}

		fill := sell.Balance
		if r := countRemaining(buy); r < fill {
			fill = r
		}
		if affordable := buy.Balance / price; affordable < fill {
			fill = affordable
		}
		if fill == 0 {
			continue
		}
		cost := fill * price

		rate := cfg.FeeRateForStake(sellerStake(ctx, q, sell.Owner))
		net, fee := Split(cost, rate, cfg.MinTransferThreshold)

		purchase := &db.TokenPurchase{
			ID:         uuid.NewString(),
			TokenID:    token.ID,
			SellOrder:  sell.ID,
			BuyOrder:   buy.ID,
			Count:      fill,
			Price:      price,
			RoyaltyFee: fee,
		}
		if err := q.CreateTokenPurchase(ctx, purchase); err != nil {
			return nil, err
		}
		if err := q.ApplyTradeFill(ctx, sell.ID, fill, fill); err != nil {
			return nil, err
		}
		if err := q.ApplyTradeFill(ctx, buy.ID, fill, cost); err != nil {
			return nil, err
		}
		sell.Fulfilled += fill
		sell.Balance -= fill
		buy.Fulfilled += fill
		buy.Balance -= cost

		// Unminted tokens exist only in the off-chain ownership ledger, so
		// the fill moves there. The seller's side was already debited when
		// the sell order reserved its tokens. Minted tokens settle with an
		// on-chain delivery leg instead.
		if onChainTokenID == "" {
			if err := q.AddToTokenDistribution(ctx, token.ID, buy.Owner, fill, nil); err != nil {
				return nil, err
			}
		}

		if err := createFillLegs(ctx, q, cfg, buy, sell, purchase, net, fee, onChainTokenID, res); err != nil {
			return nil, err
		}
		res.Fills = append(res.Fills, Fill{Purchase: purchase, BuyOwner: buy.Owner, SellOwner: sell.Owner})

		if err := settleFilledRemainder(ctx, q, rest, res); err != nil {
			return nil, err
		}
	}

	if err := settleFilledRemainder(ctx, q, order, res); err != nil {
		return nil, err
	}
	return res, nil
}

// countRemaining is how many tokens the order still wants. Market orders
// keep walking the book until funds run out.
func countRemaining(o *db.TokenTradeOrder) uint64 {
	if o.Count == db.MarketOrderCount {
		return math.MaxUint64
	}
	if o.Fulfilled >= o.Count {
		return 0
	}
	return o.Count - o.Fulfilled
}

func sellerStake(ctx context.Context, q *db.Queries, owner string) uint64 {
	member, err := q.GetMember(ctx, owner)
	if err != nil {
		// Unknown member pays the base rate.
		return 0
	}
	return member.StakedAmount
}

// createFillLegs writes the settlement transactions of one fill: the
// seller's proceeds, the fee leg when one applies, and for minted tokens
// the on-chain token delivery to the buyer.
func createFillLegs(ctx context.Context, q *db.Queries, cfg Config, buy, sell *db.TokenTradeOrder, purchase *db.TokenPurchase, net, fee uint64, onChainTokenID string, res *MatchResult) error {
	network := buy.Network
	if network == "" {
		network = sell.Network
	}
	buySource := buy.TargetAddress
	if buySource == nil {
		return fmt.Errorf("buy order %s has no deposit address", buy.ID)
	}

	proceeds := &db.Transaction{
		ID:            uuid.NewString(),
		Kind:          db.KindBillPayment,
		Network:       network,
		Member:        &sell.Owner,
		SourceAddress: buySource,
		TargetAddress: &sell.OwnerAddress,
		Payload: &db.BillPaymentPayload{
			SourceAddress:     *buySource,
			TargetAddress:     sell.OwnerAddress,
			Amount:            net,
			SourceTransaction: []string{purchase.ID},
			Token:             purchase.TokenID,
		},
	}
	if err := q.CreateTransaction(ctx, proceeds); err != nil {
		return err
	}
	res.TransactionIDs = append(res.TransactionIDs, proceeds.ID)

	if fee > 0 && cfg.FeeAddress != "" {
		feeLeg := &db.Transaction{
			ID:            uuid.NewString(),
			Kind:          db.KindBillPayment,
			Network:       network,
			SourceAddress: buySource,
			TargetAddress: &cfg.FeeAddress,
			DependsOn:     &proceeds.ID,
			Payload: &db.BillPaymentPayload{
				SourceAddress:     *buySource,
				TargetAddress:     cfg.FeeAddress,
				Amount:            fee,
				SourceTransaction: []string{purchase.ID},
				Royalty:           true,
				Delay:             cfg.RoyaltyDelay,
				Token:             purchase.TokenID,
			},
		}
		if err := q.CreateTransaction(ctx, feeLeg); err != nil {
			return err
		}
		res.TransactionIDs = append(res.TransactionIDs, feeLeg.ID)
		if cfg.RoyaltyDelay > 0 {
			if res.Delays == nil {
				res.Delays = make(map[string]time.Duration)
			}
			res.Delays[feeLeg.ID] = cfg.RoyaltyDelay
		}
	}

	if onChainTokenID != "" {
		if sell.TargetAddress == nil {
			return fmt.Errorf("sell order %s has no deposit address", sell.ID)
		}
		delivery := &db.Transaction{
			ID:            uuid.NewString(),
			Kind:          db.KindBillPayment,
			Network:       network,
			Member:        &buy.Owner,
			SourceAddress: sell.TargetAddress,
			TargetAddress: &buy.OwnerAddress,
			Payload: &db.BillPaymentPayload{
				SourceAddress:     *sell.TargetAddress,
				TargetAddress:     buy.OwnerAddress,
				SourceTransaction: []string{purchase.ID},
				Token:             purchase.TokenID,
				NativeTokens: []ledger.NativeToken{{
					ID:     onChainTokenID,
					Amount: new(big.Int).SetUint64(purchase.Count),
				}},
			},
		}
		if err := q.CreateTransaction(ctx, delivery); err != nil {
			return err
		}
		res.TransactionIDs = append(res.TransactionIDs, delivery.ID)
	}
	return nil
}

// settleFilledRemainder retires an order whose wanted count is reached but
// whose coin balance did not land on zero, crediting the leftover back to
// its owner. Sell orders settle on zero balance inside ApplyTradeFill and
// never reach this path with a remainder.
func settleFilledRemainder(ctx context.Context, q *db.Queries, o *db.TokenTradeOrder, res *MatchResult) error {
	if o.Side != db.TradeBuy || countRemaining(o) > 0 || o.Balance == 0 {
		return nil
	}
	done, err := q.SetTradeOrderStatus(ctx, o.ID, db.TradeSettled)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	creditID, err := creditOrderBalance(ctx, q, o, "trade order fully fulfilled")
	if err != nil {
		return err
	}
	if creditID != "" {
		res.TransactionIDs = append(res.TransactionIDs, creditID)
	}
	return nil
}

// creditOrderBalance refunds whatever is left on an order's deposit
// address to its owner. Value always goes back, regardless of size.
func creditOrderBalance(ctx context.Context, q *db.Queries, o *db.TokenTradeOrder, reason string) (string, error) {
	if o.TargetAddress == nil {
		return "", nil
	}
	payload := &db.CreditPayload{
		SourceAddress: *o.TargetAddress,
		TargetAddress: o.OwnerAddress,
		Reason:        reason,
	}
	if o.Side == db.TradeBuy {
		if o.Balance == 0 {
			return "", nil
		}
		payload.Amount = o.Balance
	}
	credit := &db.Transaction{
		ID:            uuid.NewString(),
		Kind:          db.KindCredit,
		Network:       o.Network,
		Member:        &o.Owner,
		SourceAddress: o.TargetAddress,
		TargetAddress: &o.OwnerAddress,
		Payload:       payload,
	}
	if err := q.CreateTransaction(ctx, credit); err != nil {
		return "", err
	}
	return credit.ID, nil
}

// returnReservedTokens hands a retired sell order's unsold tokens back.
// Unminted tokens go back to the seller's off-chain distribution; minted
// tokens still sit on the order's deposit address, so a credit carries
// them home.
func returnReservedTokens(ctx context.Context, q *db.Queries, o *db.TokenTradeOrder) (string, error) {
	if o.Side != db.TradeSell || o.Balance == 0 {
		return "", nil
	}
	token, err := q.GetTokenForUpdate(ctx, o.TokenID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if token.Status != db.TokenMinted {
		return "", q.AddToTokenDistribution(ctx, o.TokenID, o.Owner, o.Balance, nil)
	}
	if o.TargetAddress == nil {
		return "", nil
	}
	minting, err := token.DecodeMintingData()
	if err != nil || minting == nil || minting.TokenID == "" {
		return "", err
	}
	credit := &db.Transaction{
		ID:            uuid.NewString(),
		Kind:          db.KindCredit,
		Network:       o.Network,
		Member:        &o.Owner,
		SourceAddress: o.TargetAddress,
		TargetAddress: &o.OwnerAddress,
		Payload: &db.CreditPayload{
			SourceAddress: *o.TargetAddress,
			TargetAddress: o.OwnerAddress,
			Reason:        "sell order retired with unsold tokens",
			NativeTokens: []ledger.NativeToken{{
				ID:     minting.TokenID,
				Amount: new(big.Int).SetUint64(o.Balance),
			}},
		},
	}
	if err := q.CreateTransaction(ctx, credit); err != nil {
		return "", err
	}
	return credit.ID, nil
}
