package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
)

func TestExecuteTransactionWorkflow(t *testing.T) {
	t.Run("successful execution", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		activities := &Activities{}
		env.RegisterActivity(activities.ExecuteTransaction)
		env.OnActivity(activities.ExecuteTransaction, mock.Anything, mock.Anything).Return(nil)

		env.ExecuteWorkflow(ExecuteTransactionWorkflow, ExecuteTransactionInput{TransactionID: "tx-1"})

		require.True(t, env.IsWorkflowCompleted())
		assert.NoError(t, env.GetWorkflowError())
	})

	t.Run("delayed start still reaches the activity", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		activities := &Activities{}
		env.RegisterActivity(activities.ExecuteTransaction)
		input := ExecuteTransactionInput{TransactionID: "tx-delayed", Delay: time.Minute}
		env.OnActivity(activities.ExecuteTransaction, mock.Anything, input).Return(nil)

		env.ExecuteWorkflow(ExecuteTransactionWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		assert.NoError(t, env.GetWorkflowError())
		env.AssertExpectations(t)
	})

	t.Run("non-retryable error stops retries", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		activities := &Activities{}
		env.RegisterActivity(activities.ExecuteTransaction)
		attempts := 0
		env.OnActivity(activities.ExecuteTransaction, mock.Anything, mock.Anything).
			Return(func(_ context.Context, _ ExecuteTransactionInput) error {
				attempts++
				return temporalsdk.NewNonRetryableApplicationError(
					"retry budget used up", "MaxRetryExceeded", nil)
			})

		env.ExecuteWorkflow(ExecuteTransactionWorkflow, ExecuteTransactionInput{TransactionID: "tx-2"})

		require.True(t, env.IsWorkflowCompleted())
		assert.Error(t, env.GetWorkflowError())
		assert.Equal(t, 1, attempts)
	})

	t.Run("transient error is retried", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		activities := &Activities{}
		env.RegisterActivity(activities.ExecuteTransaction)
		attempts := 0
		env.OnActivity(activities.ExecuteTransaction, mock.Anything, mock.Anything).
			Return(func(_ context.Context, _ ExecuteTransactionInput) error {
				attempts++
				if attempts < 3 {
					return errors.New("node timeout")
				}
				return nil
			})

		env.ExecuteWorkflow(ExecuteTransactionWorkflow, ExecuteTransactionInput{TransactionID: "tx-3"})

		require.True(t, env.IsWorkflowCompleted())
		assert.NoError(t, env.GetWorkflowError())
		assert.Equal(t, 3, attempts)
	})
}

func TestProcessMilestoneWorkflow(t *testing.T) {
	t.Run("fans out execution workflows", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		activities := &Activities{}
		env.RegisterActivity(activities.ProcessMilestone)
		env.RegisterWorkflow(ExecuteTransactionWorkflow)

		env.OnActivity(activities.ProcessMilestone, mock.Anything, mock.Anything).Return(&ProcessMilestoneResult{
			Processed:           true,
			SettledOrders:       []string{"order-1"},
			CreatedTransactions: []string{"tx-a", "tx-b"},
			RetryFlagged:        []string{"tx-stuck"},
			Delays:              map[string]time.Duration{"tx-b": time.Minute},
		}, nil)

		var started []string
		delays := map[string]time.Duration{}
		env.OnWorkflow(ExecuteTransactionWorkflow, mock.Anything, mock.Anything).
			Return(func(_ workflow.Context, input ExecuteTransactionInput) error {
				started = append(started, input.TransactionID)
				delays[input.TransactionID] = input.Delay
				return nil
			})

		env.ExecuteWorkflow(ProcessMilestoneWorkflow, ProcessMilestoneInput{
			LedgerTransactionID: "ltx-1",
			BlockID:             "block-1",
		})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result ProcessMilestoneResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.True(t, result.Processed)
		assert.Equal(t, []string{"order-1"}, result.SettledOrders)

		// Both new transactions and the retry-flagged one get a child.
		assert.ElementsMatch(t, []string{"tx-a", "tx-b", "tx-stuck"}, started)

		// A delayed royalty leg keeps its delay through the fan-out.
		assert.Equal(t, time.Minute, delays["tx-b"])
		assert.Equal(t, time.Duration(0), delays["tx-a"])
	})

	t.Run("no fan-out when nothing created", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		activities := &Activities{}
		env.RegisterActivity(activities.ProcessMilestone)
		env.RegisterWorkflow(ExecuteTransactionWorkflow)

		env.OnActivity(activities.ProcessMilestone, mock.Anything, mock.Anything).Return(&ProcessMilestoneResult{
			Processed: false,
		}, nil)

		started := 0
		env.OnWorkflow(ExecuteTransactionWorkflow, mock.Anything, mock.Anything).
			Return(func(_ workflow.Context, _ ExecuteTransactionInput) error {
				started++
				return nil
			})

		env.ExecuteWorkflow(ProcessMilestoneWorkflow, ProcessMilestoneInput{LedgerTransactionID: "ltx-2"})

		require.True(t, env.IsWorkflowCompleted())
		assert.NoError(t, env.GetWorkflowError())
		assert.Equal(t, 0, started)
	})

	t.Run("reconciliation failure fails the workflow", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		activities := &Activities{}
		env.RegisterActivity(activities.ProcessMilestone)

		env.OnActivity(activities.ProcessMilestone, mock.Anything, mock.Anything).
			Return(nil, temporalsdk.NewNonRetryableApplicationError("not found", "NotFound", nil))

		env.ExecuteWorkflow(ProcessMilestoneWorkflow, ProcessMilestoneInput{LedgerTransactionID: "ltx-3"})

		require.True(t, env.IsWorkflowCompleted())
		assert.Error(t, env.GetWorkflowError())
	})
}

func TestExpireTradeOrdersWorkflow(t *testing.T) {
	t.Run("loops until sweep comes back empty", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		activities := &Activities{}
		env.RegisterActivity(activities.ExpireTradeOrders)

		passes := []int{3, 2, 0}
		calls := 0
		env.OnActivity(activities.ExpireTradeOrders, mock.Anything).
			Return(func(_ context.Context) (*ExpireTradeOrdersResult, error) {
				result := &ExpireTradeOrdersResult{Expired: passes[calls]}
				calls++
				return result, nil
			})

		env.ExecuteWorkflow(ExpireTradeOrdersWorkflow)

		require.True(t, env.IsWorkflowCompleted())
		assert.NoError(t, env.GetWorkflowError())
		assert.Equal(t, 3, calls)
	})

	t.Run("single empty pass completes immediately", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()

		activities := &Activities{}
		env.RegisterActivity(activities.ExpireTradeOrders)

		calls := 0
		env.OnActivity(activities.ExpireTradeOrders, mock.Anything).
			Return(func(_ context.Context) (*ExpireTradeOrdersResult, error) {
				calls++
				return &ExpireTradeOrdersResult{Expired: 0}, nil
			})

		env.ExecuteWorkflow(ExpireTradeOrdersWorkflow)

		require.True(t, env.IsWorkflowCompleted())
		assert.NoError(t, env.GetWorkflowError())
		assert.Equal(t, 1, calls)
	})
}

func TestFinalizeAuctionWorkflow(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	activities := &Activities{}
	env.RegisterActivity(activities.FinalizeAuction)
	env.OnActivity(activities.FinalizeAuction, mock.Anything, FinalizeAuctionInput{NftID: "nft-1"}).Return(nil)

	env.ExecuteWorkflow(FinalizeAuctionWorkflow, FinalizeAuctionInput{NftID: "nft-1"})

	require.True(t, env.IsWorkflowCompleted())
	assert.NoError(t, env.GetWorkflowError())
	env.AssertExpectations(t)
}
