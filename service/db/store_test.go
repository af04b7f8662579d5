package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildcore-io/settler/service/ledger"
)

func strPtr(s string) *string { return &s }

func TestTransactionLifecycle(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()

	t.Run("create and get round trip", func(t *testing.T) {
		store.Cleanup(t)

		id := uuid.NewString()
		err := store.CreateTransaction(ctx, &Transaction{
			ID:      id,
			Kind:    KindOrder,
			Network: "smr",
			Member:  strPtr("member-1"),
			Payload: &OrderPayload{
				Type:           OrderNftPurchase,
				TargetAddress:  "smr1target",
				Amount:         1_000_000,
				ExpiresOn:      time.Now().Add(time.Hour),
				ValidationType: ValidationExactAmount,
				Nft:            "nft-1",
			},
			TargetAddress: strPtr("smr1target"),
		})
		require.NoError(t, err)

		tran, err := store.GetTransaction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, KindOrder, tran.Kind)
		assert.Equal(t, "smr", tran.Network)
		require.NotNil(t, tran.Member)
		assert.Equal(t, "member-1", *tran.Member)
		assert.False(t, tran.WalletRef.Confirmed)
		assert.Equal(t, 0, tran.WalletRef.RetryCount)

		payload, ok := tran.Payload.(*OrderPayload)
		require.True(t, ok)
		assert.Equal(t, OrderNftPurchase, payload.Type)
		assert.Equal(t, uint64(1_000_000), payload.Amount)
		assert.False(t, payload.Reconciled)
	})

	t.Run("pending orders exclude reconciled and void", func(t *testing.T) {
		store.Cleanup(t)

		mkOrder := func(reconciled, void bool) string {
			id := uuid.NewString()
			err := store.CreateTransaction(ctx, &Transaction{
				ID:      id,
				Kind:    KindOrder,
				Network: "smr",
				Payload: &OrderPayload{
					Type:           OrderNftPurchase,
					TargetAddress:  "smr1shared",
					Amount:         100,
					ExpiresOn:      time.Now().Add(time.Hour),
					ValidationType: ValidationExactAmount,
					Reconciled:     reconciled,
					Void:           void,
				},
				TargetAddress: strPtr("smr1shared"),
			})
			require.NoError(t, err)
			return id
		}
		pendingID := mkOrder(false, false)
		mkOrder(true, false)
		mkOrder(false, true)

		orders, err := store.ListPendingOrdersByTargetAddress(ctx, "smr", "smr1shared")
		require.NoError(t, err)
		require.Len(t, orders, 1)
		assert.Equal(t, pendingID, orders[0].ID)

		exists, err := store.HasOrderForTargetAddress(ctx, "smr", "smr1shared")
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = store.HasOrderForTargetAddress(ctx, "smr", "smr1unknown")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("update payload persists mutation", func(t *testing.T) {
		store.Cleanup(t)

		id := uuid.NewString()
		payload := &OrderPayload{
			Type:           OrderNftPurchase,
			TargetAddress:  "smr1target",
			Amount:         100,
			ExpiresOn:      time.Now().Add(time.Hour),
			ValidationType: ValidationExactAmount,
		}
		require.NoError(t, store.CreateTransaction(ctx, &Transaction{
			ID: id, Kind: KindOrder, Network: "smr", Payload: payload,
			TargetAddress: strPtr("smr1target"),
		}))

		payload.Reconciled = true
		require.NoError(t, store.UpdatePayload(ctx, id, payload))

		tran, err := store.GetTransaction(ctx, id)
		require.NoError(t, err)
		assert.True(t, tran.Payload.(*OrderPayload).Reconciled)

		err = store.UpdatePayload(ctx, "missing-id", payload)
		assert.Error(t, err)
	})
}

func TestChainRefAndRetryFlow(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()

	newCredit := func(source string) string {
		id := uuid.NewString()
		require.NoError(t, store.CreateTransaction(ctx, &Transaction{
			ID:      id,
			Kind:    KindCredit,
			Network: "smr",
			Payload: &CreditPayload{
				SourceAddress: source,
				TargetAddress: "smr1refund",
				Amount:        500,
			},
			SourceAddress: strPtr(source),
			TargetAddress: strPtr("smr1refund"),
		}))
		return id
	}

	t.Run("chain ref history accumulates across attempts", func(t *testing.T) {
		store.Cleanup(t)
		id := newCredit("smr1source")

		require.NoError(t, store.SetChainRef(ctx, id, "block-1", true))
		require.NoError(t, store.RecordSubmissionFailure(ctx, id, "node timeout"))
		require.NoError(t, store.SetChainRef(ctx, id, "block-2", true))

		tran, err := store.GetTransaction(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, tran.WalletRef.ChainRef)
		assert.Equal(t, "block-2", *tran.WalletRef.ChainRef)
		assert.Equal(t, []string{"block-1", "block-2"}, tran.WalletRef.ChainRefHistory)
		assert.Equal(t, 1, tran.WalletRef.RetryCount)
		assert.True(t, tran.WalletRef.InFlight)
	})

	t.Run("confirm by chain ref is exactly once", func(t *testing.T) {
		store.Cleanup(t)
		id := newCredit("smr1source")
		require.NoError(t, store.SetChainRef(ctx, id, "block-9", true))

		confirmed, err := store.ConfirmByChainRef(ctx, "smr", "block-9")
		require.NoError(t, err)
		assert.Equal(t, id, confirmed)

		// Second delivery of the same confirmation matches nothing.
		confirmed, err = store.ConfirmByChainRef(ctx, "smr", "block-9")
		require.NoError(t, err)
		assert.Empty(t, confirmed)

		confirmed, err = store.ConfirmByChainRef(ctx, "smr", "block-unknown")
		require.NoError(t, err)
		assert.Empty(t, confirmed)

		tran, err := store.GetTransaction(ctx, id)
		require.NoError(t, err)
		assert.True(t, tran.WalletRef.Confirmed)
		assert.False(t, tran.WalletRef.InFlight)
	})

	t.Run("unlock cascade flags blocked transactions", func(t *testing.T) {
		store.Cleanup(t)
		finished := newCredit("smr1hot")
		blockedA := newCredit("smr1hot")
		blockedB := newCredit("smr1hot")
		otherAddr := newCredit("smr1cold")
		inFlight := newCredit("smr1hot")
		require.NoError(t, store.SetChainRef(ctx, inFlight, "block-3", true))

		ids, err := store.FlagRetryBySourceAddress(ctx, "smr", "smr1hot", finished)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{blockedA, blockedB}, ids)

		tran, err := store.GetTransaction(ctx, blockedA)
		require.NoError(t, err)
		assert.True(t, tran.ShouldRetry)

		// Transactions on another address, already submitted, or the
		// finishing transaction itself stay untouched.
		for _, id := range []string{otherAddr, inFlight, finished} {
			tran, err := store.GetTransaction(ctx, id)
			require.NoError(t, err)
			assert.False(t, tran.ShouldRetry, id)
		}

		require.NoError(t, store.ClearShouldRetry(ctx, blockedA))
		tran, err = store.GetTransaction(ctx, blockedA)
		require.NoError(t, err)
		assert.False(t, tran.ShouldRetry)
	})
}

func TestAddressLocks(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()

	t.Run("acquire is exclusive and re-entrant", func(t *testing.T) {
		store.Cleanup(t)
		require.NoError(t, store.CreateAddressLock(ctx, &AddressLock{
			Address: "smr1lock", Network: "smr", Mnemonic: "abandon abandon art",
		}))

		ok, err := store.AcquireAddressLock(ctx, "smr1lock", "tx-1")
		require.NoError(t, err)
		assert.True(t, ok)

		// Same owner re-enters, different owner is refused.
		ok, err = store.AcquireAddressLock(ctx, "smr1lock", "tx-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.AcquireAddressLock(ctx, "smr1lock", "tx-2")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("release only clears for the owner", func(t *testing.T) {
		store.Cleanup(t)
		require.NoError(t, store.CreateAddressLock(ctx, &AddressLock{
			Address: "smr1lock", Network: "smr", Mnemonic: "abandon abandon art",
		}))
		ok, err := store.AcquireAddressLock(ctx, "smr1lock", "tx-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.CacheConsumedOutputs(ctx, "smr1lock",
			[]ledger.OutputID{"out-1", "out-2"}))

		require.NoError(t, store.ReleaseAddressLock(ctx, "smr1lock", "tx-other"))
		lock, err := store.GetAddressLock(ctx, "smr1lock")
		require.NoError(t, err)
		require.NotNil(t, lock.LockedBy)
		assert.Equal(t, "tx-1", *lock.LockedBy)
		assert.Equal(t, []ledger.OutputID{"out-1", "out-2"}, lock.ConsumedOutputIDs)

		require.NoError(t, store.ReleaseAddressLock(ctx, "smr1lock", "tx-1"))
		lock, err = store.GetAddressLock(ctx, "smr1lock")
		require.NoError(t, err)
		assert.Nil(t, lock.LockedBy)
		assert.Empty(t, lock.ConsumedOutputIDs)
	})

	t.Run("force release ignores the owner", func(t *testing.T) {
		store.Cleanup(t)
		require.NoError(t, store.CreateAddressLock(ctx, &AddressLock{
			Address: "smr1lock", Network: "smr", Mnemonic: "abandon abandon art",
		}))
		ok, err := store.AcquireAddressLock(ctx, "smr1lock", "tx-dead")
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, store.ForceReleaseAddressLock(ctx, "smr1lock"))
		lock, err := store.GetAddressLock(ctx, "smr1lock")
		require.NoError(t, err)
		assert.Nil(t, lock.LockedBy)
	})
}

func TestLedgerTransactionProcessedGuard(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	store.Cleanup(t)

	ltx := &LedgerTransaction{
		ID:      "ltx-1",
		Network: "smr",
		Inputs:  []Entry{{Address: "smr1buyer", Amount: 1_000_000}},
		Outputs: []Entry{{Address: "smr1target", Amount: 1_000_000, OutputID: "out-1"}},
	}
	require.NoError(t, store.CreateLedgerTransaction(ctx, ltx))
	// Redelivered inserts are absorbed by the conflict clause.
	require.NoError(t, store.CreateLedgerTransaction(ctx, ltx))

	got, err := store.GetLedgerTransaction(ctx, "smr", "ltx-1")
	require.NoError(t, err)
	assert.False(t, got.Processed)
	require.Len(t, got.Outputs, 1)
	assert.Equal(t, ledger.OutputID("out-1"), got.Outputs[0].OutputID)

	first, err := store.MarkLedgerTransactionProcessed(ctx, "smr", "ltx-1")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.MarkLedgerTransactionProcessed(ctx, "smr", "ltx-1")
	require.NoError(t, err)
	assert.False(t, second)
}

func TestTradeOrders(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()

	newOrder := func(side TradeOrderSide, count, price, balance uint64, expiresAt time.Time) *TokenTradeOrder {
		order := &TokenTradeOrder{
			ID:           uuid.NewString(),
			Owner:        "member-1",
			OwnerAddress: "smr1owner",
			Network:      "smr",
			TokenID:      "token-1",
			Side:         side,
			Count:        count,
			Price:        price,
			Balance:      balance,
			Status:       TradeActive,
			ExpiresAt:    expiresAt,
		}
		require.NoError(t, store.CreateTradeOrder(ctx, order))
		return order
	}

	t.Run("opposite orders sorted by price advantage", func(t *testing.T) {
		store.Cleanup(t)
		later := time.Now().Add(time.Hour)
		cheap := newOrder(TradeSell, 10, 1, 10, later)
		mid := newOrder(TradeSell, 10, 2, 10, later)
		newOrder(TradeSell, 10, 5, 10, later) // above the buyer's limit
		newOrder(TradeBuy, 10, 2, 20, later)  // same side, never matched against

		buy := &TokenTradeOrder{TokenID: "token-1", Side: TradeBuy, Price: 2}
		matches, err := store.ListOppositeActiveOrders(ctx, buy)
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, cheap.ID, matches[0].ID)
		assert.Equal(t, mid.ID, matches[1].ID)
	})

	t.Run("market order walks the whole book", func(t *testing.T) {
		store.Cleanup(t)
		later := time.Now().Add(time.Hour)
		newOrder(TradeSell, 10, 1, 10, later)
		newOrder(TradeSell, 10, 1000, 10, later)

		market := &TokenTradeOrder{TokenID: "token-1", Side: TradeBuy, Count: MarketOrderCount, Price: 0}
		matches, err := store.ListOppositeActiveOrders(ctx, market)
		require.NoError(t, err)
		assert.Len(t, matches, 2)
	})

	t.Run("fill settles when balance empties", func(t *testing.T) {
		store.Cleanup(t)
		sell := newOrder(TradeSell, 10, 2, 10, time.Now().Add(time.Hour))

		require.NoError(t, store.ApplyTradeFill(ctx, sell.ID, 4, 4))
		got, err := store.GetTradeOrderForUpdate(ctx, sell.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(4), got.Fulfilled)
		assert.Equal(t, uint64(6), got.Balance)
		assert.Equal(t, TradeActive, got.Status)

		require.NoError(t, store.ApplyTradeFill(ctx, sell.ID, 6, 6))
		got, err = store.GetTradeOrderForUpdate(ctx, sell.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), got.Balance)
		assert.Equal(t, TradeSettled, got.Status)

		// Overdrawing the balance is refused.
		err = store.ApplyTradeFill(ctx, sell.ID, 1, 1)
		assert.Error(t, err)
	})

	t.Run("terminal orders never transition again", func(t *testing.T) {
		store.Cleanup(t)
		order := newOrder(TradeSell, 10, 2, 10, time.Now().Add(time.Hour))

		changed, err := store.SetTradeOrderStatus(ctx, order.ID, TradeCancelled)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = store.SetTradeOrderStatus(ctx, order.ID, TradeExpired)
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("expired page only returns past-expiry active orders", func(t *testing.T) {
		store.Cleanup(t)
		now := time.Now()
		expired := newOrder(TradeSell, 10, 2, 10, now.Add(-time.Minute))
		newOrder(TradeSell, 10, 2, 10, now.Add(time.Hour))
		settled := newOrder(TradeSell, 10, 2, 10, now.Add(-time.Hour))
		_, err := store.SetTradeOrderStatus(ctx, settled.ID, TradeSettled)
		require.NoError(t, err)

		page, err := store.ListExpiredActiveOrders(ctx, now, 100)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, expired.ID, page[0].ID)
	})
}

func TestTokenDistributions(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	store.Cleanup(t)

	require.NoError(t, store.AddToTokenDistribution(ctx, "token-1", "member-1", 100, nil))
	require.NoError(t, store.AddToTokenDistribution(ctx, "token-1", "member-1", 50, nil))

	dist, err := store.GetTokenDistribution(ctx, "token-1", "member-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(150), dist.TotalOwned)
	assert.Equal(t, uint64(0), dist.TotalClaimed)

	// Reserving for a sell order debits owned outright.
	require.NoError(t, store.ReserveTokenDistribution(ctx, "token-1", "member-1", 60))
	dist, err = store.GetTokenDistribution(ctx, "token-1", "member-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(90), dist.TotalOwned)

	err = store.ReserveTokenDistribution(ctx, "token-1", "member-1", 1000)
	assert.Error(t, err)

	require.NoError(t, store.ClaimTokenDistribution(ctx, "token-1", "member-1", 90))
	err = store.ClaimTokenDistribution(ctx, "token-1", "member-1", 1)
	assert.Error(t, err)
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	SkipIfNoTestDB(t)
	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	store.Cleanup(t)

	id := uuid.NewString()
	err := store.RunInTx(ctx, func(ctx context.Context, q *Queries) error {
		if err := q.CreateTransaction(ctx, &Transaction{
			ID: id, Kind: KindCredit, Network: "smr",
			Payload: &CreditPayload{SourceAddress: "a", TargetAddress: "b", Amount: 1},
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	_, err = store.GetTransaction(ctx, id)
	assert.Error(t, err)
}
