package db

import (
	"context"
	"fmt"
	"time"

	"github.com/buildcore-io/settler/service/ledger"
	"github.com/jackc/pgx/v5/pgtype"
)

// AddressLock is the per-address record holding the signing mnemonic, the
// current lock owner, and the cached consumed-output-id list a retry uses
// to select the same inputs as its first attempt.
type AddressLock struct {
	Address           string
	Network           string
	Mnemonic          string
	LockedBy          *string
	ConsumedOutputIDs []ledger.OutputID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CreateAddressLock inserts the secret material for a fresh address.
func (q *Queries) CreateAddressLock(ctx context.Context, lock *AddressLock) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO address_locks (address, network, mnemonic)
		VALUES ($1, $2, $3)`,
		lock.Address, lock.Network, lock.Mnemonic)
	if err != nil {
		return fmt.Errorf("failed to insert address lock %s: %w", lock.Address, err)
	}
	return nil
}

// GetAddressLock retrieves an address's lock record.
func (q *Queries) GetAddressLock(ctx context.Context, address string) (*AddressLock, error) {
	var (
		lock     AddressLock
		lockedBy pgtype.Text
		consumed []string
	)
	err := q.db.QueryRow(ctx, `
		SELECT address, network, mnemonic, locked_by, consumed_output_ids, created_at, updated_at
		FROM address_locks WHERE address = $1`,
		address).Scan(&lock.Address, &lock.Network, &lock.Mnemonic, &lockedBy,
		&consumed, &lock.CreatedAt, &lock.UpdatedAt)
	if err != nil {
		return nil, err
	}
	lock.LockedBy = stringPtrFromPgtext(lockedBy)
	lock.ConsumedOutputIDs = make([]ledger.OutputID, len(consumed))
	for i, id := range consumed {
		lock.ConsumedOutputIDs[i] = ledger.OutputID(id)
	}
	return &lock, nil
}

// AcquireAddressLock writes lockedBy only when the address is unlocked or
// already owned by the same transaction (idempotent re-entry). Returns
// false when a different transaction holds the lock; the caller must then
// abort without marking progress.
func (q *Queries) AcquireAddressLock(ctx context.Context, address, transactionID string) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE address_locks
		SET locked_by = $2, updated_at = NOW()
		WHERE address = $1 AND (locked_by IS NULL OR locked_by = $2)`,
		address, transactionID)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock on %s: %w", address, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseAddressLock clears the lock and the cached input list, but only
// for the given owner.
func (q *Queries) ReleaseAddressLock(ctx context.Context, address, transactionID string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE address_locks
		SET locked_by = NULL, consumed_output_ids = '{}', updated_at = NOW()
		WHERE address = $1 AND locked_by = $2`,
		address, transactionID)
	if err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", address, err)
	}
	return nil
}

// ForceReleaseAddressLock clears a lock regardless of owner. Operator
// recovery path for transactions that died with their lock held.
func (q *Queries) ForceReleaseAddressLock(ctx context.Context, address string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE address_locks
		SET locked_by = NULL, consumed_output_ids = '{}', updated_at = NOW()
		WHERE address = $1`,
		address)
	if err != nil {
		return fmt.Errorf("failed to force release lock on %s: %w", address, err)
	}
	return nil
}

// CacheConsumedOutputs records the output ids an attempt consumed so a
// retry selects the same inputs.
func (q *Queries) CacheConsumedOutputs(ctx context.Context, address string, ids []ledger.OutputID) error {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = string(id)
	}
	_, err := q.db.Exec(ctx, `
		UPDATE address_locks SET consumed_output_ids = $2, updated_at = NOW()
		WHERE address = $1`,
		address, strs)
	if err != nil {
		return fmt.Errorf("failed to cache consumed outputs for %s: %w", address, err)
	}
	return nil
}
