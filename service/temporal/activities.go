package temporal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"

	"github.com/buildcore-io/settler/service/executor"
	"github.com/buildcore-io/settler/service/metrics"
	"github.com/buildcore-io/settler/service/reconcile"
)

// ProcessMilestoneInput contains the input parameters for reconciling one
// ingested ledger transaction.
type ProcessMilestoneInput struct {
	LedgerTransactionID string `json:"ledger_transaction_id"`
	// BlockID, when set, is also checked against outstanding chain
	// references so confirmations ride the same trigger.
	BlockID string `json:"block_id,omitempty"`
}

// ProcessMilestoneResult contains the result of milestone processing.
type ProcessMilestoneResult struct {
	Processed           bool     `json:"processed"`
	SettledOrders       []string `json:"settled_orders,omitempty"`
	CreatedTransactions []string `json:"created_transactions,omitempty"`
	TradeOrders         []string `json:"trade_orders,omitempty"`
	RetryFlagged        []string `json:"retry_flagged,omitempty"`
	// Delays postpones the fan-out of the keyed transactions; royalty
	// legs execute only after their main payment had its head start.
	Delays map[string]time.Duration `json:"delays,omitempty"`
}

// ExecuteTransactionInput contains the input parameters for one execution
// attempt.
type ExecuteTransactionInput struct {
	TransactionID string `json:"transaction_id"`
	// Delay postpones the attempt, used by delayed royalty legs.
	Delay time.Duration `json:"delay,omitempty"`
}

// ExpireTradeOrdersResult reports one sweep pass.
type ExpireTradeOrdersResult struct {
	Expired int `json:"expired"`
}

// FinalizeAuctionInput names the NFT whose auction should close.
type FinalizeAuctionInput struct {
	NftID string `json:"nft_id"`
}

// ReconcilerInterface defines the reconciliation operations needed by
// activities. This allows for easy mocking in tests.
type ReconcilerInterface interface {
	ProcessMilestoneTransaction(ctx context.Context, ledgerTxID string) (*reconcile.Result, error)
	FinalizeAuction(ctx context.Context, nftID string) error
}

// ExecutorInterface defines the execution operations needed by activities.
type ExecutorInterface interface {
	Execute(ctx context.Context, transactionID string) error
	OnChainRefConfirmed(ctx context.Context, chainRef string) ([]string, error)
}

// TradeEngineInterface defines the order book maintenance operations
// needed by activities.
type TradeEngineInterface interface {
	ExpireOrdersOnce(ctx context.Context) (int, error)
}

// Activities holds the dependencies for all activity implementations.
type Activities struct {
	reconciler ReconcilerInterface
	executor   ExecutorInterface
	trade      TradeEngineInterface
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewActivities creates a new Activities instance with its dependencies.
func NewActivities(reconciler ReconcilerInterface, exec ExecutorInterface, trade TradeEngineInterface, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		reconciler: reconciler,
		executor:   exec,
		trade:      trade,
		metrics:    m,
		logger:     logger,
	}
}

// ProcessMilestone reconciles one ingested ledger transaction and, when a
// block id rides along, confirms any outstanding submission it matches.
func (a *Activities) ProcessMilestone(ctx context.Context, input ProcessMilestoneInput) (*ProcessMilestoneResult, error) {
	res, err := a.reconciler.ProcessMilestoneTransaction(ctx, input.LedgerTransactionID)
	if err != nil {
		return nil, err
	}
	out := &ProcessMilestoneResult{
		Processed:           res.Processed,
		SettledOrders:       res.SettledOrders,
		CreatedTransactions: res.CreatedTransactions,
		TradeOrders:         res.TradeOrders,
		Delays:              res.Delays,
	}
	if input.BlockID != "" {
		flagged, err := a.executor.OnChainRefConfirmed(ctx, input.BlockID)
		if err != nil {
			return nil, err
		}
		out.RetryFlagged = flagged
	}
	return out, nil
}

// ExecuteTransaction runs one submission attempt. A used-up retry budget
// is terminal and must not be retried by the workflow's policy.
func (a *Activities) ExecuteTransaction(ctx context.Context, input ExecuteTransactionInput) error {
	err := a.executor.Execute(ctx, input.TransactionID)
	if errors.Is(err, executor.ErrMaxRetryExceeded) {
		return temporalsdk.NewNonRetryableApplicationError(
			err.Error(), "MaxRetryExceeded", err)
	}
	return err
}

// ExpireTradeOrders runs one page of the expiry sweep.
func (a *Activities) ExpireTradeOrders(ctx context.Context) (*ExpireTradeOrdersResult, error) {
	expired, err := a.trade.ExpireOrdersOnce(ctx)
	if err != nil {
		return nil, err
	}
	return &ExpireTradeOrdersResult{Expired: expired}, nil
}

// FinalizeAuction closes an ended auction.
func (a *Activities) FinalizeAuction(ctx context.Context, input FinalizeAuctionInput) error {
	return a.reconciler.FinalizeAuction(ctx, input.NftID)
}
