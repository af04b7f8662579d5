package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildcore-io/settler/service/ledger"
)

// TransactionKind discriminates the transaction record types.
type TransactionKind string

const (
	KindOrder          TransactionKind = "ORDER"
	KindPayment        TransactionKind = "PAYMENT"
	KindCredit         TransactionKind = "CREDIT"
	KindBillPayment    TransactionKind = "BILL_PAYMENT"
	KindMintToken      TransactionKind = "MINT_TOKEN"
	KindMintCollection TransactionKind = "MINT_COLLECTION"
	KindChangeOwner    TransactionKind = "CHANGE_OWNER"
	KindWithdrawNFT    TransactionKind = "WITHDRAW_NFT"
)

// OrderType discriminates what a pending order is waiting to settle.
type OrderType string

const (
	OrderNftPurchase         OrderType = "NFT_PURCHASE"
	OrderNftBid              OrderType = "NFT_BID"
	OrderAddressVerification OrderType = "ADDRESS_VERIFICATION"
	OrderTokenPurchase       OrderType = "TOKEN_PURCHASE"
	OrderTokenAirdrop        OrderType = "TOKEN_AIRDROP"
	OrderTokenMint           OrderType = "TOKEN_MINT"
	OrderTradeBuy            OrderType = "TRADE_BUY"
	OrderTradeSell           OrderType = "TRADE_SELL"
)

// ValidationType controls how an inbound payment is matched to an order.
type ValidationType string

const (
	ValidationExactAmount ValidationType = "EXACT_AMOUNT"
	ValidationAddressOnly ValidationType = "ADDRESS_ONLY"
)

// Payload is the sealed kind-specific body of a transaction record. The
// concrete types below are the only implementations; dispatch on them is
// exhaustive.
type Payload interface {
	Kind() TransactionKind
}

// OrderPayload is the body of an ORDER transaction: a pending expectation
// of an inbound payment to the generated target address.
type OrderPayload struct {
	Type           OrderType      `json:"type"`
	TargetAddress  string         `json:"target_address"`
	Amount         uint64         `json:"amount"`
	ExpiresOn      time.Time      `json:"expires_on"`
	ValidationType ValidationType `json:"validation_type"`
	Reconciled     bool           `json:"reconciled"`
	Void           bool           `json:"void"`

	// Domain references; which ones are set depends on Type.
	Nft        string `json:"nft,omitempty"`
	Collection string `json:"collection,omitempty"`
	Token      string `json:"token,omitempty"`
	Space      string `json:"space,omitempty"`

	// Trade order parameters for TRADE_BUY / TRADE_SELL.
	Count uint64 `json:"count,omitempty"`
	Price uint64 `json:"price,omitempty"`
}

func (OrderPayload) Kind() TransactionKind { return KindOrder }

// PaymentPayload records an inbound payment matched (or failed to match) to
// an order.
type PaymentPayload struct {
	SourceAddress     string               `json:"source_address"`
	TargetAddress     string               `json:"target_address"`
	Amount            uint64               `json:"amount"`
	NativeTokens      []ledger.NativeToken `json:"native_tokens,omitempty"`
	SourceTransaction []string             `json:"source_transaction"`
	Invalid           bool                 `json:"invalid,omitempty"`
	Nft               string               `json:"nft,omitempty"`
	Token             string               `json:"token,omitempty"`
}

func (PaymentPayload) Kind() TransactionKind { return KindPayment }

// CreditPayload is an outbound refund of value that could not (or should
// not) be kept: invalid payments, outbid bids, expired or canceled trade
// order balances.
type CreditPayload struct {
	SourceAddress     string               `json:"source_address"`
	TargetAddress     string               `json:"target_address"`
	Amount            uint64               `json:"amount"`
	NativeTokens      []ledger.NativeToken `json:"native_tokens,omitempty"`
	SourceTransaction []string             `json:"source_transaction"`
	Reason            string               `json:"reason,omitempty"`
}

func (CreditPayload) Kind() TransactionKind { return KindCredit }

// BillPaymentPayload is an outbound settlement leg of a sale: the seller's
// proceeds or a royalty payment.
type BillPaymentPayload struct {
	SourceAddress     string               `json:"source_address"`
	TargetAddress     string               `json:"target_address"`
	Amount            uint64               `json:"amount"`
	NativeTokens      []ledger.NativeToken `json:"native_tokens,omitempty"`
	SourceTransaction []string             `json:"source_transaction"`
	Royalty           bool                 `json:"royalty,omitempty"`
	// Delay postpones execution so a royalty leg is ordered after the main
	// payment's own confirmation.
	Delay time.Duration `json:"delay,omitempty"`
	// VestingAt timelocks the built output until the given time.
	VestingAt *time.Time `json:"vesting_at,omitempty"`
	Nft       string     `json:"nft,omitempty"`
	Token     string     `json:"token,omitempty"`
}

func (BillPaymentPayload) Kind() TransactionKind { return KindBillPayment }

// MintTokenPayload drives the three-step alias/foundry/transfer chain.
type MintTokenPayload struct {
	SourceAddress string `json:"source_address"`
	TargetAddress string `json:"target_address"`
	Token         string `json:"token"`
	Amount        uint64 `json:"amount"`
	MaximumSupply uint64 `json:"maximum_supply"`
	MintedTokens  uint64 `json:"minted_tokens"`
}

func (MintTokenPayload) Kind() TransactionKind { return KindMintToken }

// MintCollectionPayload mints a collection's NFT outputs on chain.
type MintCollectionPayload struct {
	SourceAddress string `json:"source_address"`
	Collection    string `json:"collection"`
	Amount        uint64 `json:"amount"`
}

func (MintCollectionPayload) Kind() TransactionKind { return KindMintCollection }

// ChangeOwnerPayload transfers a minted NFT output to its new owner.
type ChangeOwnerPayload struct {
	SourceAddress string `json:"source_address"`
	TargetAddress string `json:"target_address"`
	Nft           string `json:"nft"`
}

func (ChangeOwnerPayload) Kind() TransactionKind { return KindChangeOwner }

// WithdrawNFTPayload sends a minted NFT to an address outside the
// marketplace's custody.
type WithdrawNFTPayload struct {
	SourceAddress string `json:"source_address"`
	TargetAddress string `json:"target_address"`
	Nft           string `json:"nft"`
}

func (WithdrawNFTPayload) Kind() TransactionKind { return KindWithdrawNFT }

// DecodePayload decodes a payload of the given kind from its JSON form.
func DecodePayload(kind TransactionKind, data []byte) (Payload, error) {
	var payload Payload
	switch kind {
	case KindOrder:
		payload = &OrderPayload{}
	case KindPayment:
		payload = &PaymentPayload{}
	case KindCredit:
		payload = &CreditPayload{}
	case KindBillPayment:
		payload = &BillPaymentPayload{}
	case KindMintToken:
		payload = &MintTokenPayload{}
	case KindMintCollection:
		payload = &MintCollectionPayload{}
	case KindChangeOwner:
		payload = &ChangeOwnerPayload{}
	case KindWithdrawNFT:
		payload = &WithdrawNFTPayload{}
	default:
		return nil, fmt.Errorf("unknown transaction kind %q", kind)
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return payload, nil
}
