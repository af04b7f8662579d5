// Package executor drives outbound transactions through their on-ledger
// state machine: lock the source address, build and sign, submit, record
// the outcome. Every attempt either progresses the record or leaves it
// untouched for a retry; nothing is spent without the address lock held
// and the attempt marked in flight.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildcore-io/settler/service/builder"
	"github.com/buildcore-io/settler/service/db"
	"github.com/buildcore-io/settler/service/ledger"
	"github.com/buildcore-io/settler/service/metrics"
)

// Sentinel errors the workflow layer dispatches on.
var (
	// ErrLockConflict means another transaction holds the source address
	// lock. The attempt made no progress; the unlock cascade will flag the
	// record for retry when the lock clears.
	ErrLockConflict = errors.New("address lock held by another transaction")
	// ErrMaxRetryExceeded marks a record that used up its retry budget and
	// needs operator intervention.
	ErrMaxRetryExceeded = errors.New("transaction exceeded its retry budget")
	// ErrDependencyPending means the transaction this one depends on has
	// not confirmed yet.
	ErrDependencyPending = errors.New("dependency not confirmed")
)

// Config carries the execution parameters.
type Config struct {
	// Network scopes the records this engine executes.
	Network string
	// HRP is the bech32 human readable prefix of derived addresses.
	HRP string
	// MaxRetry bounds submission attempts per transaction.
	MaxRetry int
	// Rent prices storage deposits for built outputs.
	Rent builder.RentStructure
}

// Engine executes outbound transactions.
type Engine struct {
	store    *db.Store
	client   *ledger.Client
	selector *builder.InputSelector
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewEngine creates an execution engine.
func NewEngine(store *db.Store, client *ledger.Client, selector *builder.InputSelector, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{store: store, client: client, selector: selector, cfg: cfg, metrics: m, logger: logger}
}

// attempt is what phase one hands to the build-and-submit phase.
type attempt struct {
	tran     *db.Transaction
	source   ledger.Address
	mnemonic string
	consumed []ledger.OutputID
	sentinel string
}

// Execute runs one submission attempt for the transaction.
//
// Phase one is a single database transaction: load the record with a row
// lock, check it still needs executing, acquire the source address lock
// (re-entry by the same transaction id is allowed) and mark the record in
// flight with a sentinel chain reference. If the lock is foreign the
// attempt aborts without progress.
//
// Phase two builds, signs and submits outside any database transaction.
// Phase three records the outcome: the real chain reference and the
// consumed-output cache on success, the serialized error with the lock
// released on failure.
func (e *Engine) Execute(ctx context.Context, transactionID string) error {
	att, err := e.begin(ctx, transactionID)
	if err != nil || att == nil {
		return err
	}

	blockID, inputIDs, submitErr := e.buildAndSubmit(ctx, att)
	if submitErr != nil {
		e.metrics.RecordSubmission("failed")
		if err := e.recordFailure(ctx, att, submitErr); err != nil {
			return err
		}
		return fmt.Errorf("failed to submit transaction %s: %w", transactionID, submitErr)
	}

	e.metrics.RecordSubmission("submitted")
	return e.recordSuccess(ctx, att, blockID, inputIDs)
}

func (e *Engine) begin(ctx context.Context, transactionID string) (*attempt, error) {
	var att *attempt
	err := e.store.RunInTx(ctx, func(ctx context.Context, q *db.Queries) error {
		att = nil
		tran, err := q.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return fmt.Errorf("failed to load transaction %s: %w", transactionID, err)
		}
		if tran.WalletRef.Confirmed {
			return nil
		}
		if tran.WalletRef.ChainRef != nil {
			// A submission is pending confirmation, or a crashed attempt
			// left its sentinel. Either way this attempt backs off.
			return nil
		}
		if e.cfg.MaxRetry > 0 && tran.WalletRef.RetryCount >= e.cfg.MaxRetry {
			e.metrics.RecordRetryExceeded()
			if err := q.ClearShouldRetry(ctx, tran.ID); err != nil {
				return err
			}
			return fmt.Errorf("transaction %s: %w", tran.ID, ErrMaxRetryExceeded)
		}
		if tran.DependsOn != nil {
			dep, err := q.GetTransaction(ctx, *tran.DependsOn)
			if err != nil {
				return fmt.Errorf("failed to load dependency %s: %w", *tran.DependsOn, err)
			}
			if !dep.WalletRef.Confirmed {
				return fmt.Errorf("transaction %s waits on %s: %w", tran.ID, dep.ID, ErrDependencyPending)
			}
		}
		if tran.SourceAddress == nil {
			return fmt.Errorf("transaction %s has no source address", tran.ID)
		}

		acquired, err := q.AcquireAddressLock(ctx, *tran.SourceAddress, tran.ID)
		if err != nil {
			return err
		}
		if !acquired {
			e.metrics.RecordLockConflict()
			return fmt.Errorf("transaction %s on %s: %w", tran.ID, *tran.SourceAddress, ErrLockConflict)
		}
		lock, err := q.GetAddressLock(ctx, *tran.SourceAddress)
		if err != nil {
			return err
		}
		if err := q.ClearShouldRetry(ctx, tran.ID); err != nil {
			return err
		}

		sentinel := fmt.Sprintf("inflight-%s-%d", tran.ID, time.Now().UnixNano())
		if err := q.SetChainRef(ctx, tran.ID, sentinel, true); err != nil {
			return err
		}
		att = &attempt{
			tran:     tran,
			source:   ledger.Address(*tran.SourceAddress),
			mnemonic: lock.Mnemonic,
			consumed: lock.ConsumedOutputIDs,
			sentinel: sentinel,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return att, nil
}

func (e *Engine) buildAndSubmit(ctx context.Context, att *attempt) (ledger.BlockID, []ledger.OutputID, error) {
	keys, err := ledger.KeyPairFromMnemonic(att.mnemonic)
	if err != nil {
		return "", nil, err
	}

	switch payload := att.tran.Payload.(type) {
	case *db.MintTokenPayload:
		return e.submitMintChain(ctx, att, keys, payload)
	case *db.WithdrawNFTPayload:
		return e.submitNftMove(ctx, att, keys, payload.Nft, payload.TargetAddress)
	case *db.ChangeOwnerPayload:
		return e.submitNftMove(ctx, att, keys, payload.Nft, payload.TargetAddress)
	}

	inputs, err := e.selectInputs(ctx, att)
	if err != nil {
		return "", nil, err
	}
	outputs, err := e.buildOutputs(ctx, att.tran)
	if err != nil {
		return "", nil, err
	}

	essence, err := builder.BuildTransfer(builder.TransferParams{
		Network:          e.cfg.Network,
		Inputs:           inputs,
		Outputs:          outputs,
		RemainderAddress: att.source,
	}, e.cfg.Rent)
	if err != nil {
		return "", nil, err
	}

	blockID, err := e.signAndSubmit(ctx, att, keys, essence)
	if err != nil {
		return "", nil, err
	}
	return blockID, essence.Inputs, nil
}

func (e *Engine) selectInputs(ctx context.Context, att *attempt) ([]*ledger.OutputResult, error) {
	inputs, err := e.selector.Select(ctx, att.source, att.consumed)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("address %s: %w", att.source, ledger.ErrInsufficientFunds)
	}
	return inputs, nil
}

func (e *Engine) recordSuccess(ctx context.Context, att *attempt, blockID ledger.BlockID, inputIDs []ledger.OutputID) error {
	return e.store.RunInTx(ctx, func(ctx context.Context, q *db.Queries) error {
		if err := q.SetChainRef(ctx, att.tran.ID, string(blockID), true); err != nil {
			return err
		}
		return q.CacheConsumedOutputs(ctx, string(att.source), inputIDs)
	})
}

func (e *Engine) recordFailure(ctx context.Context, att *attempt, submitErr error) error {
	return e.store.RunInTx(ctx, func(ctx context.Context, q *db.Queries) error {
		if err := q.RecordSubmissionFailure(ctx, att.tran.ID, submitErr.Error()); err != nil {
			return err
		}
		return q.ReleaseAddressLock(ctx, string(att.source), att.tran.ID)
	})
}

// OnChainRefConfirmed is the confirmation observer: called when an
// ingested ledger transaction carries a chain reference we submitted. The
// confirmed flag flips exactly once; the first caller releases the
// address lock and flags every transaction that was queued behind it.
// Returns the ids flagged for retry so the caller can re-trigger them.
func (e *Engine) OnChainRefConfirmed(ctx context.Context, chainRef string) ([]string, error) {
	var flagged []string
	err := e.store.RunInTx(ctx, func(ctx context.Context, q *db.Queries) error {
		flagged = nil
		id, err := q.ConfirmByChainRef(ctx, e.cfg.Network, chainRef)
		if err != nil {
			return err
		}
		if id == "" {
			return nil
		}
		tran, err := q.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if err := e.finalizeConfirmed(ctx, q, tran, chainRef); err != nil {
			return err
		}
		if tran.SourceAddress == nil {
			return nil
		}
		if err := q.ReleaseAddressLock(ctx, *tran.SourceAddress, id); err != nil {
			return err
		}
		flagged, err = q.FlagRetryBySourceAddress(ctx, e.cfg.Network, *tran.SourceAddress, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to confirm chain ref %s: %w", chainRef, err)
	}
	if len(flagged) > 0 {
		e.logger.Info("unlock cascade flagged transactions for retry",
			"chain_ref", chainRef, "count", len(flagged))
	}
	return flagged, nil
}
