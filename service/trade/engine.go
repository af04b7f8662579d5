package trade

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildcore-io/settler/service/db"
	"github.com/buildcore-io/settler/service/metrics"
	"github.com/buildcore-io/settler/service/nats"
)

// Engine owns the order book maintenance entry points that run outside
// reconciliation: the expiry sweep and operator-driven cancellation.
type Engine struct {
	store   *db.Store
	cfg     Config
	pub     nats.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEngine creates an order book engine.
func NewEngine(store *db.Store, cfg Config, pub nats.Publisher, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if cfg.ExpiryPageSize <= 0 {
		cfg.ExpiryPageSize = 50
	}
	return &Engine{store: store, cfg: cfg, pub: pub, metrics: m, logger: logger}
}

// ExpireOrdersOnce retires one page of expired active orders, crediting
// their unused balances. Returns how many orders it retired; the caller
// loops while that stays at the page size. Safe to run concurrently and
// to rerun: rows are taken with SKIP LOCKED and the status transition is
// guarded.
func (e *Engine) ExpireOrdersOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	var expired []*db.TokenTradeOrder
	err := e.store.RunInTx(ctx, func(ctx context.Context, q *db.Queries) error {
		expired = expired[:0]
		orders, err := q.ListExpiredActiveOrders(ctx, now, e.cfg.ExpiryPageSize)
		if err != nil {
			return err
		}
		for _, order := range orders {
			done, err := q.SetTradeOrderStatus(ctx, order.ID, db.TradeExpired)
			if err != nil {
				return err
			}
			if !done {
				continue
			}
			if err := e.refundOrder(ctx, q, order, "trade order expired"); err != nil {
				return err
			}
			expired = append(expired, order)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to expire trade orders: %w", err)
	}

	for _, order := range expired {
		e.publish(ctx, nats.SubjectOrderExpired, nats.OrderExpiredEvent{
			OrderID:   order.ID,
			TokenID:   order.TokenID,
			Owner:     order.Owner,
			ExpiredAt: now,
		})
	}
	if len(expired) > 0 {
		e.metrics.RecordTradeOrdersExpired(len(expired))
		e.logger.Info("expired trade orders", "count", len(expired))
	}
	return len(expired), nil
}

// CancelOrder retires an active order at its owner's request and credits
// the unused balance. Returns false when the order was already terminal.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	var cancelled *db.TokenTradeOrder
	err := e.store.RunInTx(ctx, func(ctx context.Context, q *db.Queries) error {
		cancelled = nil
		order, err := q.GetTradeOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		done, err := q.SetTradeOrderStatus(ctx, order.ID, db.TradeCancelled)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		if err := e.refundOrder(ctx, q, order, "trade order cancelled"); err != nil {
			return err
		}
		cancelled = order
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to cancel trade order %s: %w", orderID, err)
	}
	if cancelled == nil {
		return false, nil
	}

	e.metrics.RecordTradeOrderCanceled()
	if cancelled.TargetAddress != nil {
		e.publish(ctx, nats.SubjectCreditIssued, nats.CreditIssuedEvent{
			Network:       cancelled.Network,
			TargetAddress: cancelled.OwnerAddress,
			Amount:        cancelled.Balance,
			Reason:        "trade order cancelled",
			IssuedAt:      time.Now().UTC(),
		})
	}
	return true, nil
}

// refundOrder returns whatever a retired order still holds: the coin
// balance of a buy order, the reserved tokens of a sell order.
func (e *Engine) refundOrder(ctx context.Context, q *db.Queries, order *db.TokenTradeOrder, reason string) error {
	if order.Side == db.TradeBuy {
		_, err := creditOrderBalance(ctx, q, order, reason)
		return err
	}
	_, err := returnReservedTokens(ctx, q, order)
	return err
}

func (e *Engine) publish(ctx context.Context, subject string, event any) {
	if e.pub == nil {
		return
	}
	if err := e.pub.Publish(ctx, subject, event); err != nil {
		e.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}
