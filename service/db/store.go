// Package db provides the transactional store for the settlement engine.
// The database's transactional read-modify-write is the system's sole
// concurrency primitive: reconciliation of one ledger transaction, lock
// acquisition for an outbound spend, and trade matching each run inside a
// single RunInTx scope.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Queries runs store operations against a pool or an open transaction.
// The same query methods serve both paths.
type Queries struct {
	db queryRunner
}

// queryRunner is the subset of pgx shared by pools and transactions,
// adapted so both can back a Queries.
type queryRunner interface {
	Exec(ctx context.Context, sql string, args ...any) (commandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides database operations for the settlement engine.
type Store struct {
	*Queries
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		Queries: &Queries{db: poolRunner{pool}},
		pool:    pool,
	}
}

// Migrate applies the embedded schema. Idempotent; every statement uses
// IF NOT EXISTS.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// RunInTx runs fn inside one serializable database transaction. All reads
// and writes made through the passed Queries commit together or not at
// all; any error aborts the transaction wholesale.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, q *Queries) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
		return fn(ctx, &Queries{db: txRunner{tx}})
	})
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// commandTag narrows pgconn.CommandTag to what the store uses.
type commandTag interface {
	RowsAffected() int64
}

type poolRunner struct{ pool *pgxpool.Pool }

func (r poolRunner) Exec(ctx context.Context, sql string, args ...any) (commandTag, error) {
	tag, err := r.pool.Exec(ctx, sql, args...)
	return tag, err
}
func (r poolRunner) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return r.pool.Query(ctx, sql, args...)
}
func (r poolRunner) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return r.pool.QueryRow(ctx, sql, args...)
}

type txRunner struct{ tx pgx.Tx }

func (r txRunner) Exec(ctx context.Context, sql string, args ...any) (commandTag, error) {
	tag, err := r.tx.Exec(ctx, sql, args...)
	return tag, err
}
func (r txRunner) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return r.tx.Query(ctx, sql, args...)
}
func (r txRunner) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return r.tx.QueryRow(ctx, sql, args...)
}

// Helper functions to convert between pgx types and domain types

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgTimestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func pgTimestamptzFromPtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
