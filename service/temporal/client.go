package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
)

// Dispatcher starts settlement workflows. It is satisfied by Client and
// kept as an interface so the ingestion consumer can be tested without a
// Temporal server.
type Dispatcher interface {
	// DispatchMilestone starts the reconciliation workflow for one
	// ingested ledger transaction.
	DispatchMilestone(ctx context.Context, input ProcessMilestoneInput) error

	// DispatchExecution starts the submission workflow for a pending
	// transaction.
	DispatchExecution(ctx context.Context, input ExecuteTransactionInput) error

	// ScheduleAuctionFinalization starts a workflow that closes the
	// auction once it ends.
	ScheduleAuctionFinalization(ctx context.Context, nftID string, endsAt time.Time) error
}

// Client is a production implementation of Dispatcher that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// DispatchMilestone starts ProcessMilestoneWorkflow for one ingested
// ledger transaction. The workflow id is derived from the transaction id
// so duplicate ingestion events collapse onto one run.
func (c *Client) DispatchMilestone(ctx context.Context, input ProcessMilestoneInput) error {
	opts := client.StartWorkflowOptions{
		ID:        "process-milestone-" + input.LedgerTransactionID,
		TaskQueue: c.taskQueue,
	}
	_, err := c.client.ExecuteWorkflow(ctx, opts, ProcessMilestoneWorkflow, input)
	if err != nil {
		if isAlreadyStarted(err) {
			c.logger.Debug("milestone workflow already running",
				"ledger_transaction_id", input.LedgerTransactionID)
			return nil
		}
		return fmt.Errorf("failed to start milestone workflow: %w", err)
	}
	return nil
}

// DispatchExecution starts ExecuteTransactionWorkflow for a pending
// transaction.
func (c *Client) DispatchExecution(ctx context.Context, input ExecuteTransactionInput) error {
	opts := client.StartWorkflowOptions{
		ID:        "execute-transaction-" + input.TransactionID,
		TaskQueue: c.taskQueue,
	}
	_, err := c.client.ExecuteWorkflow(ctx, opts, ExecuteTransactionWorkflow, input)
	if err != nil {
		if isAlreadyStarted(err) {
			c.logger.Debug("execution workflow already running",
				"transaction_id", input.TransactionID)
			return nil
		}
		return fmt.Errorf("failed to start execution workflow: %w", err)
	}
	return nil
}

// ScheduleAuctionFinalization starts FinalizeAuctionWorkflow with a start
// delay covering the remaining auction window.
func (c *Client) ScheduleAuctionFinalization(ctx context.Context, nftID string, endsAt time.Time) error {
	delay := time.Until(endsAt)
	if delay < 0 {
		delay = 0
	}
	opts := client.StartWorkflowOptions{
		ID:         "finalize-auction-" + nftID,
		TaskQueue:  c.taskQueue,
		StartDelay: delay,
	}
	_, err := c.client.ExecuteWorkflow(ctx, opts, FinalizeAuctionWorkflow, FinalizeAuctionInput{NftID: nftID})
	if err != nil {
		if isAlreadyStarted(err) {
			return nil
		}
		return fmt.Errorf("failed to schedule auction finalization: %w", err)
	}
	return nil
}

// isAlreadyStarted reports whether a workflow start failed only because a
// run with the same id is in flight.
func isAlreadyStarted(err error) bool {
	var already *serviceerror.WorkflowExecutionAlreadyStarted
	return errors.As(err, &already)
}

// EnsureExpirySchedule creates the recurring trade order expiry sweep
// schedule. An already existing schedule is not an error.
func (c *Client) EnsureExpirySchedule(ctx context.Context, interval time.Duration) error {
	id := expiryScheduleID

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{
				{Every: interval},
			},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        "expire-trade-orders",
			Workflow:  "ExpireTradeOrdersWorkflow",
			TaskQueue: c.taskQueue,
		},
		Memo: map[string]interface{}{
			"created_by": "settler",
		},
	})
	if err != nil {
		if errors.Is(err, temporal.ErrScheduleAlreadyRunning) {
			c.logger.Debug("expiry schedule already exists", "schedule_id", id)
			return nil
		}
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("expiry schedule created", "schedule_id", id, "interval", interval)
	return nil
}

// TaskQueue returns the task queue this client dispatches onto.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// expiryScheduleID is the fixed Temporal schedule id for the trade order
// expiry sweep. There is exactly one sweep per deployment.
const expiryScheduleID = "expire-trade-orders-sweep"

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
