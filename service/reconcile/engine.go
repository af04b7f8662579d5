// Package reconcile matches confirmed ledger transactions against pending
// orders and creates the settlement records that follow: payments,
// credits, bill payments, trade orders. One ledger transaction is
// processed inside one serializable database transaction, so every side
// effect of a milestone commits atomically with the processed guard.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildcore-io/settler/service/db"
	"github.com/buildcore-io/settler/service/metrics"
	"github.com/buildcore-io/settler/service/nats"
	"github.com/buildcore-io/settler/service/trade"
)

// Config carries the reconciliation parameters.
type Config struct {
	// Network scopes every lookup and record this engine touches.
	Network string
	// RoyaltyFeeRate applies to primary token sales.
	RoyaltyFeeRate float64
	// MinTransferThreshold is the smallest amount worth an output of its
	// own; royalties below it fold into the main payment.
	MinTransferThreshold uint64
	// RoyaltyPaymentDelay postpones royalty legs behind the main payment.
	RoyaltyPaymentDelay time.Duration
	// Trade configures the order book matching triggered by trade orders.
	Trade trade.Config
}

// Engine reconciles ingested ledger transactions.
type Engine struct {
	store   *db.Store
	cfg     Config
	pub     nats.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEngine creates a reconciliation engine.
func NewEngine(store *db.Store, cfg Config, pub nats.Publisher, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{store: store, cfg: cfg, pub: pub, metrics: m, logger: logger}
}

// Result reports what processing one ledger transaction produced.
type Result struct {
	// Processed is false when the transaction was already handled and the
	// call was a no-op.
	Processed bool
	// SettledOrders are the order transaction ids that reconciled.
	SettledOrders []string
	// CreatedTransactions are the settlement records written: payments,
	// credits, bill payments, mint requests.
	CreatedTransactions []string
	// TradeOrders are the order book entries created.
	TradeOrders []string
	// Delays postpones execution of the keyed transactions, currently the
	// royalty legs that must trail their main payment.
	Delays map[string]time.Duration
}

// bufferedEvent postpones publishing until the database transaction
// commits; an aborted transaction must not leak events.
type bufferedEvent struct {
	subject string
	event   any
}

// ProcessMilestoneTransaction reconciles one confirmed ledger transaction.
// Redelivery is harmless: the processed guard turns a second call into a
// no-op before any order is touched.
func (e *Engine) ProcessMilestoneTransaction(ctx context.Context, ledgerTxID string) (*Result, error) {
	var (
		res    *Result
		events []bufferedEvent
	)
	err := e.store.RunInTx(ctx, func(ctx context.Context, q *db.Queries) error {
		res = &Result{}
		events = events[:0]

		ltx, err := q.GetLedgerTransaction(ctx, e.cfg.Network, ledgerTxID)
		if err != nil {
			return fmt.Errorf("failed to load ledger transaction %s: %w", ledgerTxID, err)
		}
		first, err := q.MarkLedgerTransactionProcessed(ctx, e.cfg.Network, ledgerTxID)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		res.Processed = true
		return e.reconcile(ctx, q, ltx, res, &events)
	})
	if err != nil {
		e.metrics.RecordMilestoneHandled("error")
		return nil, err
	}

	if res.Processed {
		e.metrics.RecordMilestoneHandled("processed")
	} else {
		e.metrics.RecordMilestoneHandled("duplicate")
	}
	for _, ev := range events {
		e.publish(ctx, ev.subject, ev.event)
	}
	return res, nil
}

// reconcile walks the transaction's non-change outputs address by address,
// settling matched pending orders and refunding payments that reached an
// order address without matching one.
func (e *Engine) reconcile(ctx context.Context, q *db.Queries, ltx *db.LedgerTransaction, res *Result, events *[]bufferedEvent) error {
	now := time.Now().UTC()
	sender := SenderAddress(ltx)

	inputAddresses := make(map[string]struct{}, len(ltx.Inputs))
	for _, in := range ltx.Inputs {
		inputAddresses[in.Address] = struct{}{}
	}

	consumed := make(map[int]bool)
	seen := make(map[string]bool)
	for i, out := range ltx.Outputs {
		if _, isChange := inputAddresses[out.Address]; isChange {
			continue
		}
		if seen[out.Address] {
			continue
		}
		seen[out.Address] = true

		orders, err := q.ListPendingOrdersByTargetAddress(ctx, e.cfg.Network, out.Address)
		if err != nil {
			return err
		}
		for _, order := range orders {
			payload, ok := order.Payload.(*db.OrderPayload)
			if !ok {
				return fmt.Errorf("order %s has payload kind %s", order.ID, order.Payload.Kind())
			}
			idx := matchIndex(ltx, payload.TargetAddress, payload.Amount, payload.ValidationType)
			if idx < 0 || consumed[idx] {
				continue
			}
			consumed[idx] = true
			if err := e.processOrder(ctx, q, order, payload, ltx, ltx.Outputs[idx], sender, now, res, events); err != nil {
				return err
			}
		}

		// Anything else that landed on an order address is value we did not
		// ask for. It goes straight back.
		for j := i; j < len(ltx.Outputs); j++ {
			leftover := ltx.Outputs[j]
			if leftover.Address != out.Address || consumed[j] {
				continue
			}
			if _, isChange := inputAddresses[leftover.Address]; isChange {
				continue
			}
			known := len(orders) > 0
			if !known {
				known, err = q.HasOrderForTargetAddress(ctx, e.cfg.Network, out.Address)
				if err != nil {
					return err
				}
			}
			if !known {
				continue
			}
			consumed[j] = true
			if err := e.refundEntry(ctx, q, ltx, leftover, sender, nil, "no matching order", res, events); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, subject string, event any) {
	if e.pub == nil {
		return
	}
	if err := e.pub.Publish(ctx, subject, event); err != nil {
		e.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}
