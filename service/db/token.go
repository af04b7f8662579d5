package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// TokenStatus is a token's lifecycle state.
type TokenStatus string

const (
	TokenBase      TokenStatus = "base"
	TokenAvailable TokenStatus = "available"
	TokenMinting   TokenStatus = "minting"
	TokenMinted    TokenStatus = "minted"
)

// Token is a fungible marketplace token.
type Token struct {
	ID          string
	Symbol      string
	SpaceID     *string
	Status      TokenStatus
	TotalSupply uint64
	MintingData json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TokenDistribution is the per-member sub-record of a token's holdings.
type TokenDistribution struct {
	TokenID      string
	Member       string
	TotalOwned   uint64
	TotalClaimed uint64
	VestingAt    *time.Time
	UpdatedAt    time.Time
}

// TokenMintingData is the JSON body of tokens.minting_data, written when
// the mint chain confirms on the ledger.
type TokenMintingData struct {
	AliasID       string `json:"alias_id,omitempty"`
	TokenID       string `json:"token_id,omitempty"`
	BlockID       string `json:"block_id,omitempty"`
	MintedBy      string `json:"minted_by,omitempty"`
	VaultAddress  string `json:"vault_address,omitempty"`
	MintedSupply  uint64 `json:"minted_supply,omitempty"`
	MaximumSupply uint64 `json:"maximum_supply,omitempty"`
}

// DecodeMintingData parses the token's minting data; nil when the token
// has none yet.
func (t *Token) DecodeMintingData() (*TokenMintingData, error) {
	if len(t.MintingData) == 0 {
		return nil, nil
	}
	var data TokenMintingData
	if err := json.Unmarshal(t.MintingData, &data); err != nil {
		return nil, fmt.Errorf("token %s minting data: %w", t.ID, err)
	}
	return &data, nil
}

// GetTokenForUpdate retrieves a token with a row lock.
func (q *Queries) GetTokenForUpdate(ctx context.Context, id string) (*Token, error) {
	var (
		token   Token
		spaceID pgtype.Text
		status  string
		supply  int64
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, symbol, space_id, status, total_supply, minting_data, created_at, updated_at
		FROM tokens WHERE id = $1 FOR UPDATE`, id).Scan(
		&token.ID, &token.Symbol, &spaceID, &status, &supply,
		&token.MintingData, &token.CreatedAt, &token.UpdatedAt)
	if err != nil {
		return nil, err
	}
	token.SpaceID = stringPtrFromPgtext(spaceID)
	token.Status = TokenStatus(status)
	token.TotalSupply = uint64(supply)
	return &token, nil
}

// SetTokenStatus advances a token's lifecycle state.
func (q *Queries) SetTokenStatus(ctx context.Context, id string, status TokenStatus) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE tokens SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("failed to set token %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("token %s not found", id)
	}
	return nil
}

// SetTokenMintingData persists the ids produced by the mint chain.
func (q *Queries) SetTokenMintingData(ctx context.Context, id string, data json.RawMessage) error {
	_, err := q.db.Exec(ctx, `
		UPDATE tokens SET minting_data = $2, updated_at = NOW() WHERE id = $1`,
		id, data)
	if err != nil {
		return fmt.Errorf("failed to set token %s minting data: %w", id, err)
	}
	return nil
}

// AddToTokenDistribution adds owned tokens to a member's distribution,
// creating the sub-record on first touch.
func (q *Queries) AddToTokenDistribution(ctx context.Context, tokenID, member string, amount uint64, vestingAt *time.Time) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO token_distributions (token_id, member, total_owned, vesting_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_id, member) DO UPDATE
		SET total_owned = token_distributions.total_owned + EXCLUDED.total_owned,
		    vesting_at = COALESCE(EXCLUDED.vesting_at, token_distributions.vesting_at),
		    updated_at = NOW()`,
		tokenID, member, int64(amount), pgTimestamptzFromPtr(vestingAt))
	if err != nil {
		return fmt.Errorf("failed to update distribution %s/%s: %w", tokenID, member, err)
	}
	return nil
}

// ClaimTokenDistribution moves owned tokens to claimed, guarded against
// over-claiming.
func (q *Queries) ClaimTokenDistribution(ctx context.Context, tokenID, member string, amount uint64) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE token_distributions
		SET total_claimed = total_claimed + $3, updated_at = NOW()
		WHERE token_id = $1 AND member = $2
		  AND total_owned - total_claimed >= $3`,
		tokenID, member, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to claim distribution %s/%s: %w", tokenID, member, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("distribution %s/%s has insufficient unclaimed balance", tokenID, member)
	}
	return nil
}

// ReserveTokenDistribution debits owned tokens without crediting anyone,
// reserving them for an open sell order. Guarded against overdrawing.
func (q *Queries) ReserveTokenDistribution(ctx context.Context, tokenID, member string, amount uint64) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE token_distributions
		SET total_owned = total_owned - $3, updated_at = NOW()
		WHERE token_id = $1 AND member = $2 AND total_owned >= $3`,
		tokenID, member, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to reserve distribution %s/%s: %w", tokenID, member, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("distribution %s/%s has insufficient balance for %d", tokenID, member, amount)
	}
	return nil
}

// GetTokenDistribution retrieves a member's distribution sub-record.
func (q *Queries) GetTokenDistribution(ctx context.Context, tokenID, member string) (*TokenDistribution, error) {
	var (
		dist    TokenDistribution
		owned   int64
		claimed int64
		vesting pgtype.Timestamptz
	)
	err := q.db.QueryRow(ctx, `
		SELECT token_id, member, total_owned, total_claimed, vesting_at, updated_at
		FROM token_distributions WHERE token_id = $1 AND member = $2`,
		tokenID, member).Scan(&dist.TokenID, &dist.Member, &owned, &claimed, &vesting, &dist.UpdatedAt)
	if err != nil {
		return nil, err
	}
	dist.TotalOwned = uint64(owned)
	dist.TotalClaimed = uint64(claimed)
	dist.VestingAt = timePtrFromPgTimestamptz(vesting)
	return &dist, nil
}

// TradeOrderSide discriminates buy and sell orders.
type TradeOrderSide string

const (
	TradeBuy  TradeOrderSide = "buy"
	TradeSell TradeOrderSide = "sell"
)

// TradeOrderStatus is a trade order's lifecycle state.
type TradeOrderStatus string

const (
	TradeActive    TradeOrderStatus = "active"
	TradeSettled   TradeOrderStatus = "settled"
	TradeExpired   TradeOrderStatus = "expired"
	TradeCancelled TradeOrderStatus = "cancelled"
)

// MarketOrderCount is the sentinel count of a market order: walk the book
// at best available price until funds run out.
const MarketOrderCount = ^uint64(0)

// TokenTradeOrder is one side of the per-token order book. OwnerAddress is
// the address the order was funded from; fills and refunds pay out to it.
type TokenTradeOrder struct {
	ID                 string
	Owner              string
	OwnerAddress       string
	Network            string
	TokenID            string
	Side               TradeOrderSide
	Count              uint64
	Price              uint64
	Balance            uint64
	Fulfilled          uint64
	Status             TradeOrderStatus
	TargetAddress      *string
	OrderTransactionID *string
	ExpiresAt          time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

const tradeOrderColumns = `id, owner, owner_address, network, token_id, side, count, price,
	balance, fulfilled, status, target_address, order_transaction_id, expires_at,
	created_at, updated_at`

// CreateTradeOrder inserts a trade order.
func (q *Queries) CreateTradeOrder(ctx context.Context, order *TokenTradeOrder) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO token_trade_orders (id, owner, owner_address, network, token_id, side,
			count, price, balance, fulfilled, status, target_address, order_transaction_id,
			expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		order.ID, order.Owner, order.OwnerAddress, order.Network, order.TokenID,
		string(order.Side), int64(order.Count), int64(order.Price), int64(order.Balance),
		int64(order.Fulfilled), string(order.Status), pgtextFromStringPtr(order.TargetAddress),
		pgtextFromStringPtr(order.OrderTransactionID), pgTimestamptz(order.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to insert trade order %s: %w", order.ID, err)
	}
	return nil
}

// GetTradeOrderForUpdate retrieves a trade order with a row lock.
func (q *Queries) GetTradeOrderForUpdate(ctx context.Context, id string) (*TokenTradeOrder, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+tradeOrderColumns+` FROM token_trade_orders WHERE id = $1 FOR UPDATE`, id)
	return scanTradeOrder(row)
}

// ListOppositeActiveOrders retrieves the resting orders a new order can
// fill against: opposite side, active, price-compatible, ordered by price
// advantage then age. Rows are locked for the matching transaction.
func (q *Queries) ListOppositeActiveOrders(ctx context.Context, order *TokenTradeOrder) ([]*TokenTradeOrder, error) {
	var (
		side      TradeOrderSide
		priceCond string
		priceSort string
	)
	if order.Side == TradeBuy {
		side = TradeSell
		priceCond = "price <= $2"
		priceSort = "price ASC"
	} else {
		side = TradeBuy
		priceCond = "price >= $2"
		priceSort = "price DESC"
	}
	// A market order carries no explicit price and walks the whole book.
	if order.Price == 0 {
		priceCond = "$2::bigint IS NOT NULL"
	}

	rows, err := q.db.Query(ctx, `
		SELECT `+tradeOrderColumns+`
		FROM token_trade_orders
		WHERE token_id = $1 AND side = $3 AND status = $4 AND (`+priceCond+`)
		ORDER BY `+priceSort+`, created_at ASC
		FOR UPDATE`,
		order.TokenID, int64(order.Price), string(side), string(TradeActive))
	if err != nil {
		return nil, fmt.Errorf("failed to list opposite orders for %s: %w", order.ID, err)
	}
	defer rows.Close()

	var result []*TokenTradeOrder
	for rows.Next() {
		o, err := scanTradeOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// ApplyTradeFill updates an order after a fill. Filled is the token count
// added to fulfilled; spent is what leaves the balance, which is a coin
// amount for buy orders and the token count itself for sell orders. An
// order whose balance reaches zero settles.
func (q *Queries) ApplyTradeFill(ctx context.Context, id string, filled, spent uint64) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE token_trade_orders
		SET fulfilled = fulfilled + $2,
		    balance = balance - $3,
		    status = CASE WHEN balance - $3 = 0 THEN 'settled' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1 AND balance >= $3`,
		id, int64(filled), int64(spent))
	if err != nil {
		return fmt.Errorf("failed to apply fill to order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s has insufficient balance for fill of %d", id, spent)
	}
	return nil
}

// SetTradeOrderStatus moves an order to a terminal state, guarded so a
// terminal order never transitions again.
func (q *Queries) SetTradeOrderStatus(ctx context.Context, id string, status TradeOrderStatus) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE token_trade_orders SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active'`,
		id, string(status))
	if err != nil {
		return false, fmt.Errorf("failed to set order %s status: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListExpiredActiveOrders retrieves a bounded page of active orders whose
// expiry has passed, locked for the sweep's transaction.
func (q *Queries) ListExpiredActiveOrders(ctx context.Context, now time.Time, limit int32) ([]*TokenTradeOrder, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+tradeOrderColumns+`
		FROM token_trade_orders
		WHERE status = 'active' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		pgTimestamptz(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired orders: %w", err)
	}
	defer rows.Close()

	var result []*TokenTradeOrder
	for rows.Next() {
		o, err := scanTradeOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// TokenPurchase records one fill between a buy and a sell order.
type TokenPurchase struct {
	ID         string
	TokenID    string
	SellOrder  string
	BuyOrder   string
	Count      uint64
	Price      uint64
	RoyaltyFee uint64
	CreatedAt  time.Time
}

// CreateTokenPurchase inserts a fill record.
func (q *Queries) CreateTokenPurchase(ctx context.Context, p *TokenPurchase) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO token_purchases (id, token_id, sell_order, buy_order, count, price, royalty_fee)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.TokenID, p.SellOrder, p.BuyOrder, int64(p.Count), int64(p.Price), int64(p.RoyaltyFee))
	if err != nil {
		return fmt.Errorf("failed to insert token purchase %s: %w", p.ID, err)
	}
	return nil
}

func scanTradeOrder(row pgx.Row) (*TokenTradeOrder, error) {
	var (
		order     TokenTradeOrder
		side      string
		count     int64
		price     int64
		balance   int64
		fulfilled int64
		status    string
		target    pgtype.Text
		orderTran pgtype.Text
	)
	err := row.Scan(
		&order.ID, &order.Owner, &order.OwnerAddress, &order.Network, &order.TokenID,
		&side, &count, &price, &balance, &fulfilled, &status, &target, &orderTran,
		&order.ExpiresAt, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.Side = TradeOrderSide(side)
	order.Count = uint64(count)
	order.Price = uint64(price)
	order.Balance = uint64(balance)
	order.Fulfilled = uint64(fulfilled)
	order.Status = TradeOrderStatus(status)
	order.TargetAddress = stringPtrFromPgtext(target)
	order.OrderTransactionID = stringPtrFromPgtext(orderTran)
	return &order, nil
}
