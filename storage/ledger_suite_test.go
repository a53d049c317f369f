package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"
)

const (
	suiteTrader = "0xAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaa"
	suiteOther  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func suiteTrade(trader, tx string, ts int64, side string) models.TradeRecord {
	return models.TradeRecord{
		TraderAddress:   trader,
		Type:            models.ActivityTrade,
		Timestamp:       ts,
		ConditionID:     "0xcond",
		Asset:           "111",
		Side:            side,
		Size:            10,
		UsdcSize:        5,
		Price:           0.5,
		TransactionHash: tx,
		Slug:            "market",
		State:           models.StatePending,
	}
}

func key(trader, tx string) models.TradeKey {
	return models.TradeKey{Trader: trader, TxHash: tx}
}

// runLedgerSuite exercises the TradeLedger contract against any backend.
func runLedgerSuite(t *testing.T, newLedger func(t *testing.T) TradeLedger) {
	ctx := context.Background()

	t.Run("insert is idempotent", func(t *testing.T) {
		l := newLedger(t)
		inserted, err := l.InsertTrade(ctx, suiteTrade(suiteTrader, "0x1", 100, models.SideBuy))
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = l.InsertTrade(ctx, suiteTrade(suiteTrader, "0x1", 100, models.SideBuy))
		require.NoError(t, err)
		assert.False(t, inserted)

		rec, err := l.FindTrade(ctx, key(suiteTrader, "0x1"))
		require.NoError(t, err)
		assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", rec.TraderAddress)
		assert.Equal(t, models.StatePending, rec.State)
		assert.Equal(t, 0.5, rec.Price)

		_, err = l.FindTrade(ctx, key(suiteTrader, "0xmissing"))
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("same hash for different traders", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.InsertTrade(ctx, suiteTrade(suiteTrader, "0x1", 100, models.SideBuy))
		require.NoError(t, err)
		inserted, err := l.InsertTrade(ctx, suiteTrade(suiteOther, "0x1", 100, models.SideBuy))
		require.NoError(t, err)
		assert.True(t, inserted)
	})

	t.Run("pending ordered oldest first", func(t *testing.T) {
		l := newLedger(t)
		for _, tc := range []struct {
			tx string
			ts int64
		}{{"0x3", 300}, {"0x1", 100}, {"0x2", 200}} {
			_, err := l.InsertTrade(ctx, suiteTrade(suiteTrader, tc.tx, tc.ts, models.SideBuy))
			require.NoError(t, err)
		}
		old := suiteTrade(suiteTrader, "0x0", 50, models.SideBuy)
		old.State = models.StateSkipped
		old.Processed = true
		old.Attempts = models.AttemptsTooOld
		_, err := l.InsertTrade(ctx, old)
		require.NoError(t, err)

		pending, err := l.PendingTrades(ctx, suiteTrader)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, "0x1", pending[0].TransactionHash)
		assert.Equal(t, "0x2", pending[1].TransactionHash)
		assert.Equal(t, "0x3", pending[2].TransactionHash)
	})

	t.Run("claim and complete are compare-and-set", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.InsertTrade(ctx, suiteTrade(suiteTrader, "0x1", 100, models.SideBuy))
		require.NoError(t, err)
		k := key(suiteTrader, "0x1")

		err = l.CompleteTrade(ctx, k, models.TradeOutcome{State: models.StateDone})
		assert.True(t, errors.Is(err, ErrInvalidTransition), "complete before claim must fail")

		won, err := l.ClaimTrade(ctx, k)
		require.NoError(t, err)
		assert.True(t, won)
		won, err = l.ClaimTrade(ctx, k)
		require.NoError(t, err)
		assert.False(t, won, "second claim must lose")

		rec, err := l.FindTrade(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, models.StateInFlight, rec.State)
		assert.Equal(t, models.AttemptsInFlight, rec.Attempts)

		bought := 12.5
		require.NoError(t, l.CompleteTrade(ctx, k, models.TradeOutcome{State: models.StateDone, Attempts: 2, MyBoughtSize: &bought}))
		rec, err = l.FindTrade(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, models.StateDone, rec.State)
		assert.True(t, rec.Processed)
		assert.Equal(t, 2, rec.Attempts)
		assert.Equal(t, 12.5, rec.MyBoughtSize)

		err = l.CompleteTrade(ctx, k, models.TradeOutcome{State: models.StateSkipped})
		assert.True(t, errors.Is(err, ErrInvalidTransition), "terminal state is final")

		err = l.CompleteTrade(ctx, key(suiteTrader, "0xmissing"), models.TradeOutcome{State: models.StateDone})
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("release returns a claim to pending", func(t *testing.T) {
		l := newLedger(t)
		_, err := l.InsertTrade(ctx, suiteTrade(suiteTrader, "0x1", 100, models.SideBuy))
		require.NoError(t, err)
		k := key(suiteTrader, "0x1")

		released, err := l.ReleaseTrade(ctx, k)
		require.NoError(t, err)
		assert.False(t, released, "pending record is not in flight")

		_, err = l.ClaimTrade(ctx, k)
		require.NoError(t, err)
		released, err = l.ReleaseTrade(ctx, k)
		require.NoError(t, err)
		assert.True(t, released)

		rec, err := l.FindTrade(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, models.StatePending, rec.State)
		assert.False(t, rec.Processed)
		assert.Equal(t, 0, rec.Attempts)

		pending, err := l.PendingTrades(ctx, suiteTrader)
		require.NoError(t, err)
		assert.Len(t, pending, 1)

		won, err := l.ClaimTrade(ctx, k)
		require.NoError(t, err)
		assert.True(t, won, "released record can be claimed again")
		require.NoError(t, l.CompleteTrade(ctx, k, models.TradeOutcome{State: models.StateDone, Attempts: 1}))
		released, err = l.ReleaseTrade(ctx, k)
		require.NoError(t, err)
		assert.False(t, released, "terminal record stays terminal")
	})

	t.Run("complete keeps bought size when nil", func(t *testing.T) {
		l := newLedger(t)
		rec := suiteTrade(suiteTrader, "0x1", 100, models.SideBuy)
		rec.MyBoughtSize = 3
		_, err := l.InsertTrade(ctx, rec)
		require.NoError(t, err)
		k := key(suiteTrader, "0x1")
		_, err = l.ClaimTrade(ctx, k)
		require.NoError(t, err)
		require.NoError(t, l.CompleteTrade(ctx, k, models.TradeOutcome{State: models.StateSkipped, Attempts: 1}))

		got, err := l.FindTrade(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, 3.0, got.MyBoughtSize)
	})

	t.Run("skip all pending sweeps in-flight too", func(t *testing.T) {
		l := newLedger(t)
		for _, tx := range []string{"0x1", "0x2", "0x3"} {
			_, err := l.InsertTrade(ctx, suiteTrade(suiteTrader, tx, 100, models.SideBuy))
			require.NoError(t, err)
		}
		_, err := l.InsertTrade(ctx, suiteTrade(suiteOther, "0x9", 100, models.SideBuy))
		require.NoError(t, err)

		_, err = l.ClaimTrade(ctx, key(suiteTrader, "0x2"))
		require.NoError(t, err)
		_, err = l.ClaimTrade(ctx, key(suiteTrader, "0x3"))
		require.NoError(t, err)
		require.NoError(t, l.CompleteTrade(ctx, key(suiteTrader, "0x3"), models.TradeOutcome{State: models.StateDone, Attempts: 1}))

		n, err := l.SkipAllPending(ctx, suiteTrader)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		for _, tx := range []string{"0x1", "0x2"} {
			rec, err := l.FindTrade(ctx, key(suiteTrader, tx))
			require.NoError(t, err)
			assert.Equal(t, models.StateSkipped, rec.State)
			assert.Equal(t, models.AttemptsTooOld, rec.Attempts)
			assert.True(t, rec.Processed)
		}
		done, err := l.FindTrade(ctx, key(suiteTrader, "0x3"))
		require.NoError(t, err)
		assert.Equal(t, models.StateDone, done.State)

		other, err := l.FindTrade(ctx, key(suiteOther, "0x9"))
		require.NoError(t, err)
		assert.Equal(t, models.StatePending, other.State)
	})

	t.Run("mark skipped leaves terminal records alone", func(t *testing.T) {
		l := newLedger(t)
		for _, tx := range []string{"0x1", "0x2"} {
			_, err := l.InsertTrade(ctx, suiteTrade(suiteTrader, tx, 100, models.SideBuy))
			require.NoError(t, err)
		}
		_, err := l.ClaimTrade(ctx, key(suiteTrader, "0x2"))
		require.NoError(t, err)
		require.NoError(t, l.CompleteTrade(ctx, key(suiteTrader, "0x2"), models.TradeOutcome{State: models.StateDone, Attempts: 1}))

		require.NoError(t, l.MarkTradesSkipped(ctx, []models.TradeKey{key(suiteTrader, "0x1"), key(suiteTrader, "0x2")}, 0))

		rec, err := l.FindTrade(ctx, key(suiteTrader, "0x1"))
		require.NoError(t, err)
		assert.Equal(t, models.StateSkipped, rec.State)
		rec, err = l.FindTrade(ctx, key(suiteTrader, "0x2"))
		require.NoError(t, err)
		assert.Equal(t, models.StateDone, rec.State)
	})

	t.Run("tracked purchases scale and zero", func(t *testing.T) {
		l := newLedger(t)
		for i, tx := range []string{"0x1", "0x2"} {
			rec := suiteTrade(suiteTrader, tx, int64(100+i), models.SideBuy)
			rec.MyBoughtSize = 20
			_, err := l.InsertTrade(ctx, rec)
			require.NoError(t, err)
		}
		sell := suiteTrade(suiteTrader, "0x3", 200, models.SideSell)
		sell.MyBoughtSize = 5
		_, err := l.InsertTrade(ctx, sell)
		require.NoError(t, err)
		otherAsset := suiteTrade(suiteTrader, "0x4", 300, models.SideBuy)
		otherAsset.Asset = "222"
		otherAsset.MyBoughtSize = 7
		_, err = l.InsertTrade(ctx, otherAsset)
		require.NoError(t, err)

		tracked, err := l.TrackedPurchases(ctx, suiteTrader, "0xcond", "111")
		require.NoError(t, err)
		require.Len(t, tracked, 2)

		require.NoError(t, l.ScaleTrackedPurchases(ctx, suiteTrader, "0xcond", "111", 0.8))
		tracked, err = l.TrackedPurchases(ctx, suiteTrader, "0xcond", "111")
		require.NoError(t, err)
		for _, rec := range tracked {
			assert.InDelta(t, 16.0, rec.MyBoughtSize, 1e-9)
		}

		require.NoError(t, l.ScaleTrackedPurchases(ctx, suiteTrader, "0xcond", "111", 0))
		tracked, err = l.TrackedPurchases(ctx, suiteTrader, "0xcond", "111")
		require.NoError(t, err)
		assert.Empty(t, tracked)

		untouched, err := l.FindTrade(ctx, key(suiteTrader, "0x4"))
		require.NoError(t, err)
		assert.Equal(t, 7.0, untouched.MyBoughtSize)
	})

	t.Run("positions upsert by wallet asset condition", func(t *testing.T) {
		l := newLedger(t)
		now := time.Now().UTC().Truncate(time.Second)
		first := models.PositionSnapshot{ProxyWallet: suiteTrader, Asset: "111", ConditionID: "0xcond", Size: 10, AvgPrice: 0.4, CurrentValue: 5, UpdatedAt: now}
		second := models.PositionSnapshot{ProxyWallet: suiteTrader, Asset: "222", ConditionID: "0xcond", Size: 3, CurrentValue: 9, Mergeable: true, UpdatedAt: now}
		require.NoError(t, l.UpsertPositions(ctx, []models.PositionSnapshot{first, second}))

		first.Size = 25
		first.CurrentValue = 12
		require.NoError(t, l.UpsertPositions(ctx, []models.PositionSnapshot{first}))

		positions, err := l.ListPositions(ctx, suiteTrader)
		require.NoError(t, err)
		require.Len(t, positions, 2)
		assert.Equal(t, "111", positions[0].Asset, "ordered by current value")
		assert.Equal(t, 25.0, positions[0].Size)
		assert.True(t, positions[1].Mergeable)
		assert.True(t, positions[0].UpdatedAt.Equal(now))

		none, err := l.ListPositions(ctx, suiteOther)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("stats and recent", func(t *testing.T) {
		l := newLedger(t)
		for i, tx := range []string{"0x1", "0x2", "0x3"} {
			_, err := l.InsertTrade(ctx, suiteTrade(suiteTrader, tx, int64(100+i), models.SideBuy))
			require.NoError(t, err)
		}
		_, err := l.InsertTrade(ctx, suiteTrade(suiteOther, "0x9", 500, models.SideSell))
		require.NoError(t, err)
		_, err = l.ClaimTrade(ctx, key(suiteTrader, "0x1"))
		require.NoError(t, err)
		require.NoError(t, l.CompleteTrade(ctx, key(suiteTrader, "0x1"), models.TradeOutcome{State: models.StateFailedInsufficientFunds, Attempts: 3}))

		stats, err := l.TradeStats(ctx)
		require.NoError(t, err)
		require.Len(t, stats, 2)
		assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", stats[0].Trader)
		assert.Equal(t, int64(3), stats[0].Total)
		assert.Equal(t, int64(2), stats[0].Pending)
		assert.Equal(t, int64(1), stats[0].Failed)
		assert.Equal(t, int64(1), stats[1].Pending)

		recent, err := l.RecentTrades(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "0x9", recent[0].TransactionHash)
		assert.Equal(t, "0x3", recent[1].TransactionHash)
	})
}
