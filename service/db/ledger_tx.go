package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildcore-io/settler/service/ledger"
)

// Entry is one input or output of an ingested ledger transaction, reduced
// to what reconciliation needs.
type Entry struct {
	Address      string               `json:"address"`
	Amount       uint64               `json:"amount"`
	NativeTokens []ledger.NativeToken `json:"native_tokens,omitempty"`
	OutputID     ledger.OutputID      `json:"output_id,omitempty"`
}

// LedgerTransaction is a confirmed on-chain transaction written by the
// ledger-ingestion collaborator. It is consumed exactly once; Processed
// guards redelivery.
type LedgerTransaction struct {
	ID        string
	Network   string
	Inputs    []Entry
	Outputs   []Entry
	Processed bool
	CreatedAt time.Time
}

// CreateLedgerTransaction inserts an ingested ledger transaction.
func (q *Queries) CreateLedgerTransaction(ctx context.Context, ltx *LedgerTransaction) error {
	inputs, err := json.Marshal(ltx.Inputs)
	if err != nil {
		return fmt.Errorf("failed to encode inputs: %w", err)
	}
	outputs, err := json.Marshal(ltx.Outputs)
	if err != nil {
		return fmt.Errorf("failed to encode outputs: %w", err)
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO ledger_transactions (id, network, inputs, outputs)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id, network) DO NOTHING`,
		ltx.ID, ltx.Network, inputs, outputs)
	if err != nil {
		return fmt.Errorf("failed to insert ledger transaction %s: %w", ltx.ID, err)
	}
	return nil
}

// GetLedgerTransaction retrieves an ingested ledger transaction.
func (q *Queries) GetLedgerTransaction(ctx context.Context, network, id string) (*LedgerTransaction, error) {
	var (
		ltx     LedgerTransaction
		inputs  []byte
		outputs []byte
	)
	err := q.db.QueryRow(ctx, `
		SELECT id, network, inputs, outputs, processed, created_at
		FROM ledger_transactions WHERE network = $1 AND id = $2`,
		network, id).Scan(&ltx.ID, &ltx.Network, &inputs, &outputs, &ltx.Processed, &ltx.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(inputs, &ltx.Inputs); err != nil {
		return nil, fmt.Errorf("ledger transaction %s: %w", id, err)
	}
	if err := json.Unmarshal(outputs, &ltx.Outputs); err != nil {
		return nil, fmt.Errorf("ledger transaction %s: %w", id, err)
	}
	return &ltx, nil
}

// MarkLedgerTransactionProcessed flips the processed guard exactly once.
// Returns false when the record was already processed, which makes a
// redelivered trigger a no-op.
func (q *Queries) MarkLedgerTransactionProcessed(ctx context.Context, network, id string) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE ledger_transactions SET processed = TRUE
		WHERE network = $1 AND id = $2 AND processed = FALSE`,
		network, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark ledger transaction %s processed: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}
