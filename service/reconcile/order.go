package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/buildcore-io/settler/service/db"
	"github.com/buildcore-io/settler/service/nats"
)

// processOrder settles one matched order against the output that paid it.
// Terminal outcomes either reconcile the order or void it; in both cases
// the decision and its side effects commit with the milestone.
func (e *Engine) processOrder(ctx context.Context, q *db.Queries, order *db.Transaction, payload *db.OrderPayload, ltx *db.LedgerTransaction, entry db.Entry, sender string, now time.Time, res *Result, events *[]bufferedEvent) error {
	if !payload.ExpiresOn.IsZero() && now.After(payload.ExpiresOn) {
		payload.Void = true
		if err := q.UpdatePayload(ctx, order.ID, payload); err != nil {
			return err
		}
		e.metrics.RecordOrderProcessed(string(payload.Type), "expired")
		return e.refundEntry(ctx, q, ltx, entry, sender, order.Member, "order expired", res, events)
	}

	var err error
	switch payload.Type {
	case db.OrderAddressVerification:
		err = e.handleAddressVerification(ctx, q, order, payload, ltx, entry, sender, res, events)
	case db.OrderNftPurchase:
		err = e.handleNftPurchase(ctx, q, order, payload, ltx, entry, sender, res, events)
	case db.OrderNftBid:
		err = e.handleNftBid(ctx, q, order, payload, ltx, entry, sender, now, res, events)
	case db.OrderTokenPurchase:
		err = e.handleTokenPurchase(ctx, q, order, payload, ltx, entry, sender, res, events)
	case db.OrderTokenAirdrop:
		err = e.handleTokenAirdrop(ctx, q, order, payload, ltx, entry, sender, res, events)
	case db.OrderTokenMint:
		err = e.handleTokenMint(ctx, q, order, payload, ltx, entry, sender, res, events)
	case db.OrderTradeBuy, db.OrderTradeSell:
		err = e.handleTradeOrder(ctx, q, order, payload, ltx, entry, sender, now, res, events)
	default:
		return fmt.Errorf("order %s has unknown type %q", order.ID, payload.Type)
	}
	if err != nil {
		return fmt.Errorf("order %s: %w", order.ID, err)
	}
	return nil
}

// settleOrder marks the order reconciled and emits the settled event.
func (e *Engine) settleOrder(ctx context.Context, q *db.Queries, order *db.Transaction, payload *db.OrderPayload, entry db.Entry, res *Result, events *[]bufferedEvent) error {
	payload.Reconciled = true
	if err := q.UpdatePayload(ctx, order.ID, payload); err != nil {
		return err
	}
	res.SettledOrders = append(res.SettledOrders, order.ID)
	e.metrics.RecordOrderProcessed(string(payload.Type), "settled")

	member := ""
	if order.Member != nil {
		member = *order.Member
	}
	*events = append(*events, bufferedEvent{nats.SubjectOrderSettled, nats.OrderSettledEvent{
		OrderID:       order.ID,
		OrderType:     string(payload.Type),
		Network:       e.cfg.Network,
		Member:        member,
		TargetAddress: payload.TargetAddress,
		Amount:        entry.Amount,
		SettledAt:     time.Now().UTC(),
	}})
	return nil
}

// voidOrderAndRefund retires an order that can no longer be fulfilled and
// sends the payment back.
func (e *Engine) voidOrderAndRefund(ctx context.Context, q *db.Queries, order *db.Transaction, payload *db.OrderPayload, ltx *db.LedgerTransaction, entry db.Entry, sender, reason string, res *Result, events *[]bufferedEvent) error {
	payload.Void = true
	if err := q.UpdatePayload(ctx, order.ID, payload); err != nil {
		return err
	}
	e.metrics.RecordOrderProcessed(string(payload.Type), "voided")
	return e.refundEntry(ctx, q, ltx, entry, sender, order.Member, reason, res, events)
}

// handleAddressVerification proves the sender controls an address: the
// deposit is recorded against the member and immediately returned.
func (e *Engine) handleAddressVerification(ctx context.Context, q *db.Queries, order *db.Transaction, payload *db.OrderPayload, ltx *db.LedgerTransaction, entry db.Entry, sender string, res *Result, events *[]bufferedEvent) error {
	payment, err := e.recordPayment(ctx, q, ltx, entry, sender, order.Member, false, res)
	if err != nil {
		return err
	}
	if order.Member != nil {
		if err := q.SetMemberDepositAddress(ctx, *order.Member, sender); err != nil {
			return err
		}
	}
	if _, err := e.issueCredit(ctx, q, entry.Address, sender, entry.Amount,
		[]db.Entry{entry}, []string{payment.ID}, order.Member, "address verified", res, events); err != nil {
		return err
	}
	return e.settleOrder(ctx, q, order, payload, entry, res, events)
}
