package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// WalletReference tracks an outbound transaction's progress on the ledger.
type WalletReference struct {
	InFlight        bool
	ChainRef        *string
	ChainRefHistory []string
	RetryCount      int
	Confirmed       bool
	LastError       *string
}

// Transaction is an append-only settlement record. ORDER transactions are
// created by the API layer; PAYMENT/CREDIT/BILL_PAYMENT and the minting
// kinds are created by this core as side effects of reconciliation.
type Transaction struct {
	ID                 string
	Kind               TransactionKind
	Network            string
	Member             *string
	Payload            Payload
	LinkedTransactions []string
	SourceAddress      *string
	TargetAddress      *string
	WalletRef          WalletReference
	ShouldRetry        bool
	DependsOn          *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

const transactionColumns = `id, kind, network, member, payload, linked_transactions,
	source_address, target_address, in_flight, chain_ref, chain_ref_history,
	retry_count, confirmed, last_error, should_retry, depends_on, created_at, updated_at`

// CreateTransaction inserts a new transaction record.
func (q *Queries) CreateTransaction(ctx context.Context, tran *Transaction) error {
	payload, err := json.Marshal(tran.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO transactions (
			id, kind, network, member, payload, linked_transactions,
			source_address, target_address, should_retry, depends_on
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tran.ID, string(tran.Kind), tran.Network,
		pgtextFromStringPtr(tran.Member), payload, tran.LinkedTransactions,
		pgtextFromStringPtr(tran.SourceAddress), pgtextFromStringPtr(tran.TargetAddress),
		tran.ShouldRetry, pgtextFromStringPtr(tran.DependsOn),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", tran.ID, err)
	}
	return nil
}

// GetTransaction retrieves a transaction by id.
func (q *Queries) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

// GetTransactionForUpdate retrieves a transaction with a row lock, so
// concurrent processing of the same record serializes on the database.
func (q *Queries) GetTransactionForUpdate(ctx context.Context, id string) (*Transaction, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	return scanTransaction(row)
}

// ListPendingOrdersByTargetAddress retrieves non-terminal orders expecting
// payment at the given address.
func (q *Queries) ListPendingOrdersByTargetAddress(ctx context.Context, network, address string) ([]*Transaction, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE kind = $1 AND network = $2 AND target_address = $3
		  AND (payload->>'reconciled')::boolean = FALSE
		  AND (payload->>'void')::boolean = FALSE
		ORDER BY created_at
		FOR UPDATE`,
		string(KindOrder), network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders for %s: %w", address, err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// HasOrderForTargetAddress reports whether any order, pending or terminal,
// was ever issued for the address. Payments to such an address that match
// no pending order are refunded rather than ignored.
func (q *Queries) HasOrderForTargetAddress(ctx context.Context, network, address string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE kind = $1 AND network = $2 AND target_address = $3
		)`,
		string(KindOrder), network, address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check orders for %s: %w", address, err)
	}
	return exists, nil
}

// UpdatePayload persists a mutated payload.
func (q *Queries) UpdatePayload(ctx context.Context, id string, payload Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	tag, err := q.db.Exec(ctx, `
		UPDATE transactions SET payload = $2, updated_at = NOW() WHERE id = $1`,
		id, data)
	if err != nil {
		return fmt.Errorf("failed to update payload of %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s not found", id)
	}
	return nil
}

// SetChainRef writes the wallet reference after a submission attempt: the
// chain reference is appended to the history and the in-flight flag set.
func (q *Queries) SetChainRef(ctx context.Context, id, chainRef string, inFlight bool) error {
	_, err := q.db.Exec(ctx, `
		UPDATE transactions
		SET chain_ref = $2,
		    chain_ref_history = array_append(chain_ref_history, $2),
		    in_flight = $3,
		    updated_at = NOW()
		WHERE id = $1`,
		id, chainRef, inFlight)
	if err != nil {
		return fmt.Errorf("failed to set chain ref on %s: %w", id, err)
	}
	return nil
}

// RecordSubmissionFailure persists the serialized error and clears the
// chain reference so the next invocation retries, bumping the retry count.
func (q *Queries) RecordSubmissionFailure(ctx context.Context, id, errMsg string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE transactions
		SET last_error = $2,
		    chain_ref = NULL,
		    in_flight = FALSE,
		    retry_count = retry_count + 1,
		    should_retry = FALSE,
		    updated_at = NOW()
		WHERE id = $1`,
		id, errMsg)
	if err != nil {
		return fmt.Errorf("failed to record submission failure on %s: %w", id, err)
	}
	return nil
}

// ConfirmByChainRef flips confirmed exactly once for the transaction whose
// current chain reference matches. Returns the confirmed transaction id,
// or empty when nothing matched (already confirmed or unknown reference).
func (q *Queries) ConfirmByChainRef(ctx context.Context, network, chainRef string) (string, error) {
	var id string
	err := q.db.QueryRow(ctx, `
		UPDATE transactions
		SET confirmed = TRUE, in_flight = FALSE, updated_at = NOW()
		WHERE network = $1 AND chain_ref = $2 AND confirmed = FALSE
		RETURNING id`,
		network, chainRef).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to confirm by chain ref %s: %w", chainRef, err)
	}
	return id, nil
}

// FlagRetryBySourceAddress sets should_retry on unconfirmed outbound
// transactions spending from the address. This is the unlock cascade: when
// a lock clears, every transaction that was blocked on it re-enters the
// execution state machine.
func (q *Queries) FlagRetryBySourceAddress(ctx context.Context, network, address, exceptID string) ([]string, error) {
	rows, err := q.db.Query(ctx, `
		UPDATE transactions
		SET should_retry = TRUE, updated_at = NOW()
		WHERE network = $1 AND source_address = $2 AND id != $3
		  AND confirmed = FALSE AND chain_ref IS NULL
		RETURNING id`,
		network, address, exceptID)
	if err != nil {
		return nil, fmt.Errorf("failed to flag retries for %s: %w", address, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClearShouldRetry resets the retry flag once an execution attempt starts.
func (q *Queries) ClearShouldRetry(ctx context.Context, id string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE transactions SET should_retry = FALSE, updated_at = NOW() WHERE id = $1`, id)
	return err
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var (
		tran        Transaction
		kind        string
		member      pgtype.Text
		payloadData []byte
		source      pgtype.Text
		target      pgtype.Text
		chainRef    pgtype.Text
		lastError   pgtype.Text
		dependsOn   pgtype.Text
	)
	err := row.Scan(
		&tran.ID, &kind, &tran.Network, &member, &payloadData, &tran.LinkedTransactions,
		&source, &target, &tran.WalletRef.InFlight, &chainRef, &tran.WalletRef.ChainRefHistory,
		&tran.WalletRef.RetryCount, &tran.WalletRef.Confirmed, &lastError,
		&tran.ShouldRetry, &dependsOn, &tran.CreatedAt, &tran.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	tran.Kind = TransactionKind(kind)
	tran.Member = stringPtrFromPgtext(member)
	tran.SourceAddress = stringPtrFromPgtext(source)
	tran.TargetAddress = stringPtrFromPgtext(target)
	tran.WalletRef.ChainRef = stringPtrFromPgtext(chainRef)
	tran.WalletRef.LastError = stringPtrFromPgtext(lastError)
	tran.DependsOn = stringPtrFromPgtext(dependsOn)

	tran.Payload, err = DecodePayload(tran.Kind, payloadData)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", tran.ID, err)
	}
	return &tran, nil
}

func scanTransactions(rows pgx.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tran, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tran)
	}
	return result, rows.Err()
}
