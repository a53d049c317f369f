package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/api"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/logger"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/storage"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/syncer"
)

const (
	traderA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	traderB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func insert(t *testing.T, store *storage.MockStore, trader, tx string, ts int64, state models.ExecutionState) {
	t.Helper()
	_, err := store.InsertTrade(context.Background(), models.TradeRecord{
		TraderAddress:   trader,
		TransactionHash: tx,
		Timestamp:       ts,
		Type:            models.ActivityTrade,
		Side:            models.SideBuy,
		State:           state,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStatusTotalsAndCache(t *testing.T) {
	store := storage.NewMockStore()
	insert(t, store, traderA, "0x1", 1, models.StatePending)
	insert(t, store, traderA, "0x2", 2, models.StateDone)
	insert(t, store, traderB, "0x3", 3, models.StateSkipped)

	metrics := syncer.NewMemoryMetricsStore()
	metrics.SaveExecutorMetrics(context.Background(), syncer.ExecutorMetrics{TradesExecuted: 7, AvgCopyLatency: time.Second})

	svc := NewService(store, metrics, nil)
	clock := time.Unix(1700000000, 0)
	svc.now = func() time.Time { return clock }

	st, err := svc.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Traders) != 2 {
		t.Fatalf("traders = %+v", st.Traders)
	}
	if st.Totals.Total != 3 || st.Totals.Pending != 1 || st.Totals.Done != 1 || st.Totals.Skipped != 1 {
		t.Errorf("totals = %+v", st.Totals)
	}
	if st.Metrics == nil || st.Metrics.Executor.TradesExecuted != 7 {
		t.Errorf("metrics = %+v", st.Metrics)
	}
	if st.Latency == nil || st.Latency.CopyAvg != time.Second {
		t.Errorf("latency = %+v", st.Latency)
	}

	svc.Status(context.Background())
	if n := store.CallCount("TradeStats"); n != 1 {
		t.Errorf("TradeStats called %d times, want cached", n)
	}

	clock = clock.Add(3 * time.Second)
	svc.Status(context.Background())
	if n := store.CallCount("TradeStats"); n != 2 {
		t.Errorf("TradeStats called %d times after expiry, want 2", n)
	}
}

func TestStatusLedgerError(t *testing.T) {
	store := storage.NewMockStore()
	store.ErrorOnNext["TradeStats"] = errors.New("db locked")
	if _, err := NewService(store, nil, nil).Status(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestRecentTradesLimit(t *testing.T) {
	store := storage.NewMockStore()
	for i := 0; i < 60; i++ {
		insert(t, store, traderA, "0x"+strings.Repeat("f", i+1), int64(i), models.StateDone)
	}
	svc := NewService(store, nil, nil)

	tests := []struct {
		limit int
		want  int
	}{
		{0, 50},
		{10, 10},
		{5000, 60},
	}
	for _, tt := range tests {
		got, err := svc.RecentTrades(context.Background(), tt.limit)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != tt.want {
			t.Errorf("limit %d: got %d trades, want %d", tt.limit, len(got), tt.want)
		}
	}
}

func TestTraderPositions(t *testing.T) {
	store := storage.NewMockStore()
	store.UpsertPositions(context.Background(), []models.PositionSnapshot{
		{ProxyWallet: traderA, Asset: "1", ConditionID: "c1", CurrentValue: 30, InitialValue: 20, PercentPnl: 50},
		{ProxyWallet: traderA, Asset: "2", ConditionID: "c2", CurrentValue: 10, InitialValue: 20, PercentPnl: -50},
		{ProxyWallet: traderB, Asset: "3", ConditionID: "c3", CurrentValue: 99},
	})
	svc := NewService(store, nil, nil)

	wp, err := svc.TraderPositions(context.Background(), strings.ToUpper(traderA[:2])+traderA[2:])
	if err != nil {
		t.Fatal(err)
	}
	if len(wp.Positions) != 2 || wp.Wallet != traderA {
		t.Fatalf("positions = %+v", wp)
	}
	if wp.Stats.TotalValue != 40 || wp.Stats.InitialValue != 40 || wp.Stats.OverallPnl != 25 {
		t.Errorf("stats = %+v", wp.Stats)
	}
	if wp.Top[0].Asset != "1" {
		t.Errorf("top = %+v", wp.Top)
	}

	empty, err := svc.TraderPositions(context.Background(), "0xcccccccccccccccccccccccccccccccccccccccc")
	if err != nil || empty.Positions == nil || len(empty.Positions) != 0 {
		t.Errorf("empty wallet = %+v, %v", empty, err)
	}

	if _, err := svc.TraderPositions(context.Background(), "  "); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("err = %v, want ErrInvalidAddress", err)
	}
}

func TestStartupSummary(t *testing.T) {
	store := storage.NewMockStore()
	insert(t, store, traderA, "0x1", 1, models.StatePending)
	store.UpsertPositions(context.Background(), []models.PositionSnapshot{
		{ProxyWallet: traderA, Asset: "1", ConditionID: "c1", CurrentValue: 30, PercentPnl: 10, Title: "Rain tomorrow"},
	})
	data := api.NewMockDataClient()
	data.SetPositions(operatorWallet, api.Position{Asset: "1", ConditionID: "c1", Size: 10, AvgPrice: 0.4, CurrentValue: 5, InitialValue: 4, PercentPnl: 25})

	svc := NewService(store, nil, nil)
	sum, err := svc.StartupSummary(context.Background(), data, operatorWallet, []string{traderA, traderB})
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Ledger) != 1 || sum.Ledger[0].Pending != 1 {
		t.Errorf("ledger = %+v", sum.Ledger)
	}
	if sum.Operator == nil || sum.Operator.Stats.TotalValue != 5 || sum.Operator.Positions[0].ProxyWallet != operatorWallet {
		t.Errorf("operator = %+v", sum.Operator)
	}
	if len(sum.Traders) != 2 || len(sum.Traders[0].Positions) != 1 || len(sum.Traders[1].Positions) != 0 {
		t.Errorf("traders = %+v", sum.Traders)
	}

	var buf bytes.Buffer
	LogStartupSummary(logger.NewWithOutput(&buf, "info", "text"), sum)
	out := buf.String()
	for _, want := range []string{"Your positions: 1 positions", "Rain tomorrow", "no open positions"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary log missing %q:\n%s", want, out)
		}
	}
}

func TestStartupSummaryOperatorFetchFails(t *testing.T) {
	data := api.NewMockDataClient()
	data.ErrorOnNext["GetPositions"] = errors.New("timeout")

	sum, err := NewService(storage.NewMockStore(), nil, nil).StartupSummary(context.Background(), data, operatorWallet, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Operator != nil || sum.OperatorError == "" {
		t.Errorf("summary = %+v, want operator error recorded", sum)
	}
}
