package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/buildcore-io/settler/service/db"
	"github.com/buildcore-io/settler/service/ledger"
	"github.com/buildcore-io/settler/service/nats"
)

// recordPayment writes the PAYMENT record for a matched (or, with invalid
// set, unmatched) inbound output.
func (e *Engine) recordPayment(ctx context.Context, q *db.Queries, ltx *db.LedgerTransaction, entry db.Entry, sender string, member *string, invalid bool, res *Result) (*db.Transaction, error) {
	payment := &db.Transaction{
		ID:            uuid.NewString(),
		Kind:          db.KindPayment,
		Network:       e.cfg.Network,
		Member:        member,
		SourceAddress: &sender,
		TargetAddress: &entry.Address,
		Payload: &db.PaymentPayload{
			SourceAddress:     sender,
			TargetAddress:     entry.Address,
			Amount:            entry.Amount,
			NativeTokens:      entry.NativeTokens,
			SourceTransaction: []string{ltx.ID},
			Invalid:           invalid,
		},
	}
	if err := q.CreateTransaction(ctx, payment); err != nil {
		return nil, err
	}
	res.CreatedTransactions = append(res.CreatedTransactions, payment.ID)
	return payment, nil
}

// issueCredit refunds value from an address we control back to its sender.
func (e *Engine) issueCredit(ctx context.Context, q *db.Queries, source, target string, amount uint64, tokens []db.Entry, sourceTxs []string, member *string, reason string, res *Result, events *[]bufferedEvent) (*db.Transaction, error) {
	payload := &db.CreditPayload{
		SourceAddress:     source,
		TargetAddress:     target,
		Amount:            amount,
		SourceTransaction: sourceTxs,
		Reason:            reason,
	}
	for _, t := range tokens {
		payload.NativeTokens = append(payload.NativeTokens, t.NativeTokens...)
	}
	credit := &db.Transaction{
		ID:            uuid.NewString(),
		Kind:          db.KindCredit,
		Network:       e.cfg.Network,
		Member:        member,
		SourceAddress: &source,
		TargetAddress: &target,
		Payload:       payload,
	}
	if err := q.CreateTransaction(ctx, credit); err != nil {
		return nil, err
	}
	res.CreatedTransactions = append(res.CreatedTransactions, credit.ID)
	e.metrics.RecordCreditIssued(reason)
	*events = append(*events, bufferedEvent{nats.SubjectCreditIssued, nats.CreditIssuedEvent{
		TransactionID: credit.ID,
		Network:       e.cfg.Network,
		TargetAddress: target,
		Amount:        amount,
		Reason:        reason,
		IssuedAt:      time.Now().UTC(),
	}})
	return credit, nil
}

// refundEntry records an invalid payment and credits the full received
// value back to the sender. Received value is never kept silently.
func (e *Engine) refundEntry(ctx context.Context, q *db.Queries, ltx *db.LedgerTransaction, entry db.Entry, sender string, member *string, reason string, res *Result, events *[]bufferedEvent) error {
	payment, err := e.recordPayment(ctx, q, ltx, entry, sender, member, true, res)
	if err != nil {
		return err
	}
	_, err = e.issueCredit(ctx, q, entry.Address, sender, entry.Amount,
		[]db.Entry{entry}, []string{payment.ID}, member, reason, res, events)
	return err
}

// billPaymentRequest describes one outbound settlement leg of a sale.
type billPaymentRequest struct {
	Source       string
	Target       string
	Amount       uint64
	NativeTokens []ledger.NativeToken
	Member       *string
	SourceTxs    []string
	Royalty      bool
	DependsOn    *string
	VestingAt    *time.Time
	Nft          string
	Token        string
}

// createBillPayment writes a BILL_PAYMENT transaction. Royalty legs are
// delayed so they execute after the main payment.
func (e *Engine) createBillPayment(ctx context.Context, q *db.Queries, req billPaymentRequest, res *Result) (*db.Transaction, error) {
	payload := &db.BillPaymentPayload{
		SourceAddress:     req.Source,
		TargetAddress:     req.Target,
		Amount:            req.Amount,
		NativeTokens:      req.NativeTokens,
		SourceTransaction: req.SourceTxs,
		Royalty:           req.Royalty,
		VestingAt:         req.VestingAt,
		Nft:               req.Nft,
		Token:             req.Token,
	}
	if req.Royalty {
		payload.Delay = e.cfg.RoyaltyPaymentDelay
	}
	bill := &db.Transaction{
		ID:            uuid.NewString(),
		Kind:          db.KindBillPayment,
		Network:       e.cfg.Network,
		Member:        req.Member,
		SourceAddress: &req.Source,
		TargetAddress: &req.Target,
		DependsOn:     req.DependsOn,
		Payload:       payload,
	}
	if err := q.CreateTransaction(ctx, bill); err != nil {
		return nil, err
	}
	res.CreatedTransactions = append(res.CreatedTransactions, bill.ID)
	if payload.Delay > 0 {
		if res.Delays == nil {
			res.Delays = make(map[string]time.Duration)
		}
		res.Delays[bill.ID] = payload.Delay
	}
	return bill, nil
}
