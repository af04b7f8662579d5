package temporal

import (
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// ExecuteTransactionWorkflow submits one pending transaction to the ledger.
// Retries are owned by the activity retry policy so crash recovery and
// submission failures share one budget, bounded by the per-record retry
// counter inside the executor itself.
func ExecuteTransactionWorkflow(ctx workflow.Context, input ExecuteTransactionInput) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("ExecuteTransactionWorkflow started", "transaction_id", input.TransactionID)

	if input.Delay > 0 {
		if err := workflow.Sleep(ctx, input.Delay); err != nil {
			return err
		}
	}

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    10 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Minute,
			NonRetryableErrorTypes: []string{
				"MaxRetryExceeded",
			},
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities
	if err := workflow.ExecuteActivity(ctx, a.ExecuteTransaction, input).Get(ctx, nil); err != nil {
		logger.Error("transaction execution failed", "transaction_id", input.TransactionID, "error", err)
		return err
	}

	logger.Info("ExecuteTransactionWorkflow completed", "transaction_id", input.TransactionID)
	return nil
}

// ProcessMilestoneWorkflow reconciles one ingested ledger transaction and
// fans out execution workflows for every transaction the settlement
// created, plus any stuck submissions flagged for retry by a matching
// confirmation.
func ProcessMilestoneWorkflow(ctx workflow.Context, input ProcessMilestoneInput) (*ProcessMilestoneResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ProcessMilestoneWorkflow started", "ledger_transaction_id", input.LedgerTransactionID)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities
	var result ProcessMilestoneResult
	if err := workflow.ExecuteActivity(ctx, a.ProcessMilestone, input).Get(ctx, &result); err != nil {
		logger.Error("milestone processing failed", "ledger_transaction_id", input.LedgerTransactionID, "error", err)
		return nil, err
	}

	pending := make([]string, 0, len(result.CreatedTransactions)+len(result.RetryFlagged))
	pending = append(pending, result.CreatedTransactions...)
	pending = append(pending, result.RetryFlagged...)
	for _, id := range pending {
		cwo := workflow.ChildWorkflowOptions{
			WorkflowID:        "execute-transaction-" + id,
			ParentClosePolicy: enumspb.PARENT_CLOSE_POLICY_ABANDON,
		}
		child := workflow.ExecuteChildWorkflow(
			workflow.WithChildOptions(ctx, cwo),
			ExecuteTransactionWorkflow,
			ExecuteTransactionInput{TransactionID: id, Delay: result.Delays[id]},
		)
		// Only wait for the child to be scheduled, not to finish. A
		// duplicate workflow id means an attempt is already running
		// for this transaction, which is fine.
		if err := child.GetChildWorkflowExecution().Get(ctx, nil); err != nil {
			logger.Warn("failed to start execution workflow", "transaction_id", id, "error", err)
		}
	}

	logger.Info("ProcessMilestoneWorkflow completed",
		"ledger_transaction_id", input.LedgerTransactionID,
		"processed", result.Processed,
		"created_transactions", len(result.CreatedTransactions),
		"retry_flagged", len(result.RetryFlagged))
	return &result, nil
}

// ExpireTradeOrdersWorkflow sweeps expired trade orders one page at a
// time, re-running immediately while the previous pass did work so a
// backlog drains without waiting for the next scheduled run.
func ExpireTradeOrdersWorkflow(ctx workflow.Context) error {
	logger := workflow.GetLogger(ctx)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities
	total := 0
	for {
		var result ExpireTradeOrdersResult
		if err := workflow.ExecuteActivity(ctx, a.ExpireTradeOrders).Get(ctx, &result); err != nil {
			logger.Error("expiry sweep failed", "error", err)
			return err
		}
		total += result.Expired
		if result.Expired == 0 {
			break
		}
	}

	if total > 0 {
		logger.Info("ExpireTradeOrdersWorkflow completed", "expired", total)
	}
	return nil
}

// FinalizeAuctionWorkflow closes one auction after its end time passes.
func FinalizeAuctionWorkflow(ctx workflow.Context, input FinalizeAuctionInput) error {
	logger := workflow.GetLogger(ctx)
	logger.Info("FinalizeAuctionWorkflow started", "nft_id", input.NftID)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	var a *Activities
	if err := workflow.ExecuteActivity(ctx, a.FinalizeAuction, input).Get(ctx, nil); err != nil {
		logger.Error("auction finalization failed", "nft_id", input.NftID, "error", err)
		return err
	}
	return nil
}
