package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"

	"github.com/buildcore-io/settler/service/executor"
	"github.com/buildcore-io/settler/service/reconcile"
)

// Mock reconciler
type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) ProcessMilestoneTransaction(ctx context.Context, ledgerTxID string) (*reconcile.Result, error) {
	args := m.Called(ctx, ledgerTxID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reconcile.Result), args.Error(1)
}

func (m *MockReconciler) FinalizeAuction(ctx context.Context, nftID string) error {
	args := m.Called(ctx, nftID)
	return args.Error(0)
}

// Mock executor
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, transactionID string) error {
	args := m.Called(ctx, transactionID)
	return args.Error(0)
}

func (m *MockExecutor) OnChainRefConfirmed(ctx context.Context, chainRef string) ([]string, error) {
	args := m.Called(ctx, chainRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// Mock trade engine
type MockTradeEngine struct {
	mock.Mock
}

func (m *MockTradeEngine) ExpireOrdersOnce(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func newTestActivities(rec *MockReconciler, exec *MockExecutor, trade *MockTradeEngine) *Activities {
	return NewActivities(rec, exec, trade, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProcessMilestoneActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("reconciles without block id", func(t *testing.T) {
		rec := &MockReconciler{}
		exec := &MockExecutor{}
		rec.On("ProcessMilestoneTransaction", ctx, "ltx-1").Return(&reconcile.Result{
			Processed:           true,
			SettledOrders:       []string{"order-1"},
			CreatedTransactions: []string{"tx-1", "tx-2"},
			Delays:              map[string]time.Duration{"tx-2": time.Minute},
		}, nil)

		a := newTestActivities(rec, exec, &MockTradeEngine{})
		result, err := a.ProcessMilestone(ctx, ProcessMilestoneInput{LedgerTransactionID: "ltx-1"})
		require.NoError(t, err)
		assert.True(t, result.Processed)
		assert.Equal(t, []string{"order-1"}, result.SettledOrders)
		assert.Equal(t, []string{"tx-1", "tx-2"}, result.CreatedTransactions)
		assert.Equal(t, map[string]time.Duration{"tx-2": time.Minute}, result.Delays)
		assert.Empty(t, result.RetryFlagged)

		// Without a block id the confirmation path must not run.
		exec.AssertNotCalled(t, "OnChainRefConfirmed", mock.Anything, mock.Anything)
	})

	t.Run("block id triggers confirmation check", func(t *testing.T) {
		rec := &MockReconciler{}
		exec := &MockExecutor{}
		rec.On("ProcessMilestoneTransaction", ctx, "ltx-2").Return(&reconcile.Result{Processed: true}, nil)
		exec.On("OnChainRefConfirmed", ctx, "block-abc").Return([]string{"tx-stuck"}, nil)

		a := newTestActivities(rec, exec, &MockTradeEngine{})
		result, err := a.ProcessMilestone(ctx, ProcessMilestoneInput{
			LedgerTransactionID: "ltx-2",
			BlockID:             "block-abc",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"tx-stuck"}, result.RetryFlagged)
		exec.AssertExpectations(t)
	})

	t.Run("reconciliation error propagates", func(t *testing.T) {
		rec := &MockReconciler{}
		rec.On("ProcessMilestoneTransaction", ctx, "ltx-3").Return(nil, errors.New("database error"))

		a := newTestActivities(rec, &MockExecutor{}, &MockTradeEngine{})
		_, err := a.ProcessMilestone(ctx, ProcessMilestoneInput{LedgerTransactionID: "ltx-3"})
		assert.Error(t, err)
	})

	t.Run("confirmation error propagates", func(t *testing.T) {
		rec := &MockReconciler{}
		exec := &MockExecutor{}
		rec.On("ProcessMilestoneTransaction", ctx, "ltx-4").Return(&reconcile.Result{Processed: true}, nil)
		exec.On("OnChainRefConfirmed", ctx, "block-x").Return(nil, errors.New("lock timeout"))

		a := newTestActivities(rec, exec, &MockTradeEngine{})
		_, err := a.ProcessMilestone(ctx, ProcessMilestoneInput{
			LedgerTransactionID: "ltx-4",
			BlockID:             "block-x",
		})
		assert.Error(t, err)
	})
}

func TestExecuteTransactionActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		exec := &MockExecutor{}
		exec.On("Execute", ctx, "tx-1").Return(nil)

		a := newTestActivities(&MockReconciler{}, exec, &MockTradeEngine{})
		err := a.ExecuteTransaction(ctx, ExecuteTransactionInput{TransactionID: "tx-1"})
		assert.NoError(t, err)
	})

	t.Run("transient failure stays retryable", func(t *testing.T) {
		exec := &MockExecutor{}
		exec.On("Execute", ctx, "tx-2").Return(errors.New("node timeout"))

		a := newTestActivities(&MockReconciler{}, exec, &MockTradeEngine{})
		err := a.ExecuteTransaction(ctx, ExecuteTransactionInput{TransactionID: "tx-2"})
		require.Error(t, err)
		var appErr *temporalsdk.ApplicationError
		assert.False(t, errors.As(err, &appErr))
	})

	t.Run("exhausted retry budget is non-retryable", func(t *testing.T) {
		exec := &MockExecutor{}
		exec.On("Execute", ctx, "tx-3").Return(executor.ErrMaxRetryExceeded)

		a := newTestActivities(&MockReconciler{}, exec, &MockTradeEngine{})
		err := a.ExecuteTransaction(ctx, ExecuteTransactionInput{TransactionID: "tx-3"})
		require.Error(t, err)

		var appErr *temporalsdk.ApplicationError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, "MaxRetryExceeded", appErr.Type())
		assert.True(t, appErr.NonRetryable())
	})
}

func TestExpireTradeOrdersActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("reports expired count", func(t *testing.T) {
		trade := &MockTradeEngine{}
		trade.On("ExpireOrdersOnce", ctx).Return(7, nil)

		a := newTestActivities(&MockReconciler{}, &MockExecutor{}, trade)
		result, err := a.ExpireTradeOrders(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7, result.Expired)
	})

	t.Run("error propagates", func(t *testing.T) {
		trade := &MockTradeEngine{}
		trade.On("ExpireOrdersOnce", ctx).Return(0, errors.New("database error"))

		a := newTestActivities(&MockReconciler{}, &MockExecutor{}, trade)
		_, err := a.ExpireTradeOrders(ctx)
		assert.Error(t, err)
	})
}

func TestFinalizeAuctionActivity(t *testing.T) {
	ctx := context.Background()

	rec := &MockReconciler{}
	rec.On("FinalizeAuction", ctx, "nft-1").Return(nil)

	a := newTestActivities(rec, &MockExecutor{}, &MockTradeEngine{})
	err := a.FinalizeAuction(ctx, FinalizeAuctionInput{NftID: "nft-1"})
	assert.NoError(t, err)
	rec.AssertExpectations(t)
}
