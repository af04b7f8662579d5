package nats

import (
	"time"
)

// Subjects for settlement events. Consumers (notification rendering, UI)
// subscribe per concern; rendering is out of scope here.
const (
	SubjectOrderSettled = "settle.order"
	SubjectCreditIssued = "settle.credit"
	SubjectBidOutbid    = "settle.outbid"
	SubjectTradeFilled  = "settle.trade"
	SubjectOrderExpired = "settle.expired"
)

// OrderSettledEvent is published when a pending order reconciles.
type OrderSettledEvent struct {
	OrderID       string    `json:"order_id"`
	OrderType     string    `json:"order_type"`
	Network       string    `json:"network"`
	Member        string    `json:"member,omitempty"`
	TargetAddress string    `json:"target_address"`
	Amount        uint64    `json:"amount"`
	SettledAt     time.Time `json:"settled_at"`
}

// CreditIssuedEvent is published when received value is refunded.
type CreditIssuedEvent struct {
	TransactionID string    `json:"transaction_id"`
	Network       string    `json:"network"`
	TargetAddress string    `json:"target_address"`
	Amount        uint64    `json:"amount"`
	Reason        string    `json:"reason"`
	IssuedAt      time.Time `json:"issued_at"`
}

// BidOutbidEvent notifies the previous highest bidder that a higher bid
// displaced theirs; their bid is refunded via Credit.
type BidOutbidEvent struct {
	NftID         string    `json:"nft_id"`
	Network       string    `json:"network"`
	OutbidMember  string    `json:"outbid_member"`
	PreviousBid   uint64    `json:"previous_bid"`
	NewHighestBid uint64    `json:"new_highest_bid"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// TradeFilledEvent is published per fill between a buy and a sell order.
type TradeFilledEvent struct {
	PurchaseID string    `json:"purchase_id"`
	TokenID    string    `json:"token_id"`
	BuyOrder   string    `json:"buy_order"`
	SellOrder  string    `json:"sell_order"`
	Count      uint64    `json:"count"`
	Price      uint64    `json:"price"`
	FilledAt   time.Time `json:"filled_at"`
}

// OrderExpiredEvent is published when the expiry sweep retires an order.
type OrderExpiredEvent struct {
	OrderID   string    `json:"order_id"`
	TokenID   string    `json:"token_id,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	ExpiredAt time.Time `json:"expired_at"`
}
