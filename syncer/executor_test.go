package syncer

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/api"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/logger"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/storage"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/strategy"
)

const (
	testTrader = "0x1111111111111111111111111111111111111111"
	testWallet = "0x2222222222222222222222222222222222222222"
	testAsset  = "71321045679252212594626385532706912750332728571942532289631379312455583992563"
	testCond   = "0xcond"
)

func testExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		RetryLimit:         3,
		MaxPriceSlippage:   0.05,
		MinOrderSizeUSD:    1.0,
		MinOrderSizeTokens: 1.0,
	}
}

func newTestExecutor(t *testing.T) (*OrderExecutor, *api.MockClobClient, *storage.MockStore) {
	t.Helper()
	clob := api.NewMockClobClient()
	store := storage.NewMockStore()
	exec := NewOrderExecutor(clob, store, storage.NewMemoryVolumeTracker(), testExecutorConfig(), logger.Discard())
	return exec, clob, store
}

func fixedStrategy(usd float64) strategy.Config {
	return strategy.Config{
		Strategy:        strategy.KindFixed,
		CopySize:        usd,
		MaxOrderSizeUSD: 100,
		MinOrderSizeUSD: 1,
	}
}

func lvl(price, size string) api.OrderBookLevel {
	return api.OrderBookLevel{Price: price, Size: size}
}

func asks(levels ...api.OrderBookLevel) *api.OrderBook {
	return &api.OrderBook{Asks: levels}
}

func bids(levels ...api.OrderBookLevel) *api.OrderBook {
	return &api.OrderBook{Bids: levels}
}

func reject(msg string) api.MockOrderResult {
	return api.MockOrderResult{Response: &api.OrderResponse{Success: false, ErrorMsg: msg}}
}

func tradeRecord(tx, side string, usdc, price, size float64) models.TradeRecord {
	return models.TradeRecord{
		TraderAddress:   testTrader,
		Type:            models.ActivityTrade,
		Timestamp:       1700000000,
		ConditionID:     testCond,
		Asset:           testAsset,
		Side:            side,
		Size:            size,
		UsdcSize:        usdc,
		Price:           price,
		TransactionHash: tx,
		Slug:            "will-it-rain",
		State:           models.StatePending,
	}
}

func seed(t *testing.T, store *storage.MockStore, rec models.TradeRecord) models.TradeRecord {
	t.Helper()
	if _, err := store.InsertTrade(context.Background(), rec); err != nil {
		t.Fatalf("seed %s: %v", rec.TransactionHash, err)
	}
	return rec
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestExecuteBuyWalksAsks(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	rec := seed(t, store, tradeRecord("0xbuy", models.SideBuy, 100, 0.50, 200))
	clob.SetBooks(testAsset,
		asks(lvl("0.50", "10"), lvl("0.70", "500")),
		asks(lvl("0.51", "100")),
	)

	res := exec.Execute(context.Background(), Job{Trade: rec, MyBalance: 1000, Strategy: fixedStrategy(10)})

	if !res.Claimed || res.State != models.StateDone {
		t.Fatalf("result = %+v, want claimed done", res)
	}
	if res.ExecutionID == "" {
		t.Error("missing execution id")
	}
	orders := clob.Orders()
	if len(orders) != 2 {
		t.Fatalf("placed %d orders, want 2", len(orders))
	}
	if orders[0].Amount != 5 || orders[0].Price != 0.50 || orders[0].Side != api.SideBuy {
		t.Errorf("first order = %+v, want $5 @ 0.50 BUY", orders[0])
	}
	if orders[1].Amount != 5 || orders[1].Price != 0.51 {
		t.Errorf("second order = %+v, want $5 @ 0.51", orders[1])
	}

	// $5 at 0.51 signs as 9.80 shares for $4.99
	wantTokens := 10 + 9.80
	if !almostEqual(res.USD, 9.99) {
		t.Errorf("USD = %.4f, want 9.99 as submitted", res.USD)
	}
	if used, _ := exec.volume.Used(context.Background()); !almostEqual(used, 9.99) {
		t.Errorf("daily volume = %.4f, want 9.99", used)
	}
	got := store.Trade(testTrader, "0xbuy")
	if got.State != models.StateDone || !got.Processed {
		t.Errorf("record state = %s processed=%v", got.State, got.Processed)
	}
	if !almostEqual(got.MyBoughtSize, wantTokens) {
		t.Errorf("MyBoughtSize = %.4f, want %.4f", got.MyBoughtSize, wantTokens)
	}
	if got.Attempts != models.AttemptsInFlight {
		t.Errorf("Attempts = %d, want %d", got.Attempts, models.AttemptsInFlight)
	}
}

func TestExecuteBuySlippage(t *testing.T) {
	tests := []struct {
		name      string
		ask       string
		wantState models.ExecutionState
		wantOrder bool
	}{
		{"within slippage", "0.54", models.StateDone, true},
		{"exactly at slippage", "0.55", models.StateDone, true},
		{"beyond slippage", "0.56", models.StateSkipped, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, clob, store := newTestExecutor(t)
			rec := seed(t, store, tradeRecord("0xslip", models.SideBuy, 100, 0.50, 200))
			clob.SetBooks(testAsset, asks(lvl(tt.ask, "1000")))

			res := exec.Execute(context.Background(), Job{Trade: rec, MyBalance: 1000, Strategy: fixedStrategy(5)})
			if res.State != tt.wantState {
				t.Errorf("state = %s, want %s (%s)", res.State, tt.wantState, res.Reason)
			}
			if got := len(clob.Orders()) > 0; got != tt.wantOrder {
				t.Errorf("order placed = %v, want %v", got, tt.wantOrder)
			}
		})
	}
}

func TestExecuteBuyEmptyBookSkips(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	rec := seed(t, store, tradeRecord("0xempty", models.SideBuy, 100, 0.50, 200))
	clob.SetBooks(testAsset, bids(lvl("0.49", "100")))

	res := exec.Execute(context.Background(), Job{Trade: rec, MyBalance: 1000, Strategy: fixedStrategy(5)})
	if res.State != models.StateSkipped {
		t.Errorf("state = %s, want skipped", res.State)
	}
	if clob.Calls["PlaceOrder"] != 0 {
		t.Errorf("placed %d orders on empty book", clob.Calls["PlaceOrder"])
	}
	if got := store.Trade(testTrader, "0xempty"); got.State != models.StateSkipped || !got.Processed {
		t.Errorf("record = %s processed=%v", got.State, got.Processed)
	}
}

func TestExecuteBuySizedToZeroSkips(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	rec := seed(t, store, tradeRecord("0xtiny", models.SideBuy, 5, 0.50, 10))
	cfg := strategy.Default() // 10% of $5 is below the $1 minimum

	res := exec.Execute(context.Background(), Job{Trade: rec, MyBalance: 1000, Strategy: cfg})
	if res.State != models.StateSkipped {
		t.Errorf("state = %s, want skipped", res.State)
	}
	if clob.Calls["GetOrderBook"] != 0 {
		t.Error("book should not be fetched for a zero-sized order")
	}
}

func TestExecuteInsufficientFundsAborts(t *testing.T) {
	for _, msg := range []string{
		"not enough balance / allowance",
		"Not Enough Balance",
		"insufficient ALLOWANCE for token",
	} {
		t.Run(msg, func(t *testing.T) {
			exec, clob, store := newTestExecutor(t)
			rec := seed(t, store, tradeRecord("0xfunds", models.SideBuy, 100, 0.50, 200))
			clob.SetBooks(testAsset, asks(lvl("0.50", "1000")))
			clob.OrderResults = []api.MockOrderResult{reject(msg)}

			res := exec.Execute(context.Background(), Job{Trade: rec, MyBalance: 1000, Strategy: fixedStrategy(10)})

			if res.State != models.StateFailedInsufficientFunds {
				t.Fatalf("state = %s, want failed_insufficient_funds", res.State)
			}
			if len(clob.Orders()) != 1 {
				t.Errorf("placed %d orders, want exactly 1", len(clob.Orders()))
			}
			got := store.Trade(testTrader, "0xfunds")
			if got.Attempts != 3 {
				t.Errorf("Attempts = %d, want retry limit 3", got.Attempts)
			}
			if !got.Processed {
				t.Error("record should be processed")
			}
		})
	}
}

func TestExecuteRejectionConsumesOneRetry(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	rec := seed(t, store, tradeRecord("0xretry", models.SideBuy, 100, 0.50, 200))
	clob.SetBooks(testAsset, asks(lvl("0.50", "1000")))
	clob.OrderResults = []api.MockOrderResult{reject("order couldn't be fully filled. FOK orders are fully filled or killed.")}

	res := exec.Execute(context.Background(), Job{Trade: rec, MyBalance: 1000, Strategy: fixedStrategy(10)})

	if res.State != models.StateDone {
		t.Fatalf("state = %s, want done", res.State)
	}
	if len(clob.Orders()) != 2 {
		t.Errorf("placed %d orders, want 2 (one rejected, one filled)", len(clob.Orders()))
	}
	got := store.Trade(testTrader, "0xretry")
	if got.Attempts != models.AttemptsInFlight {
		t.Errorf("Attempts = %d, fill should reset retries", got.Attempts)
	}
	if !almostEqual(got.MyBoughtSize, 20) {
		t.Errorf("MyBoughtSize = %.4f, want 20", got.MyBoughtSize)
	}
}

func TestExecuteRetriesExhausted(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	rec := seed(t, store, tradeRecord("0xexhaust", models.SideBuy, 100, 0.50, 200))
	clob.SetBooks(testAsset, asks(lvl("0.50", "1000")))
	clob.OrderResults = []api.MockOrderResult{
		reject("no match"), reject("no match"), {Err: errors.New("connection reset")},
	}

	res := exec.Execute(context.Background(), Job{Trade: rec, MyBalance: 1000, Strategy: fixedStrategy(10)})

	if res.State != models.StateDone {
		t.Errorf("state = %s, want done", res.State)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if len(clob.Orders()) != 3 {
		t.Errorf("placed %d orders, want 3", len(clob.Orders()))
	}
	if got := store.Trade(testTrader, "0xexhaust"); got.MyBoughtSize != 0 {
		t.Errorf("MyBoughtSize = %.2f, want 0", got.MyBoughtSize)
	}
}

func TestExecuteBookErrorConsumesRetry(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	rec := seed(t, store, tradeRecord("0xbookerr", models.SideBuy, 100, 0.50, 200))
	clob.SetBooks(testAsset, asks(lvl("0.50", "1000")))
	clob.ErrorOnNext["GetOrderBook"] = errors.New("502 bad gateway")

	res := exec.Execute(context.Background(), Job{Trade: rec, MyBalance: 1000, Strategy: fixedStrategy(10)})

	if res.State != models.StateDone || res.Filled == 0 {
		t.Errorf("result = %+v, want done with a fill after the book error", res)
	}
	if clob.Calls["GetOrderBook"] != 2 {
		t.Errorf("GetOrderBook calls = %d, want 2", clob.Calls["GetOrderBook"])
	}
}

func TestExecuteDailyVolumeGuard(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	cfg := fixedStrategy(10)
	cfg.MaxDailyVolumeUSD = strategy.Float(6)
	clob.SetBooks(testAsset, asks(lvl("0.50", "1000")))

	first := seed(t, store, tradeRecord("0xvol1", models.SideBuy, 100, 0.50, 200))
	res := exec.Execute(context.Background(), Job{Trade: first, MyBalance: 1000, Strategy: cfg})
	if res.State != models.StateDone || res.USD != 6 {
		t.Fatalf("first result = %+v, want $6 capped by daily volume", res)
	}

	second := seed(t, store, tradeRecord("0xvol2", models.SideBuy, 100, 0.50, 200))
	res = exec.Execute(context.Background(), Job{Trade: second, MyBalance: 1000, Strategy: cfg})
	if res.State != models.StateSkipped {
		t.Errorf("second state = %s, want skipped once the limit is used", res.State)
	}
	if len(clob.Orders()) != 1 {
		t.Errorf("placed %d orders, want 1", len(clob.Orders()))
	}
}

func TestExecuteLostClaimIsNoop(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	rec := seed(t, store, tradeRecord("0xclaimed", models.SideBuy, 100, 0.50, 200))
	if won, _ := store.ClaimTrade(context.Background(), rec.Key()); !won {
		t.Fatal("setup claim failed")
	}

	res := exec.Execute(context.Background(), Job{Trade: rec, MyBalance: 1000, Strategy: fixedStrategy(10)})
	if res.Claimed {
		t.Error("execution should not proceed without the claim")
	}
	if clob.Calls["GetOrderBook"] != 0 || store.CallCount("CompleteTrade") != 0 {
		t.Error("lost claim must not touch the book or the ledger state")
	}
}

func TestExecuteAfterStopLeavesPending(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	rec := seed(t, store, tradeRecord("0xstop", models.SideBuy, 100, 0.50, 200))
	clob.SetBooks(testAsset, asks(lvl("0.50", "1000")))
	exec.Stop()

	res := exec.Execute(context.Background(), Job{Trade: rec, MyBalance: 1000, Strategy: fixedStrategy(10)})
	if res.Claimed || res.State != models.StatePending {
		t.Errorf("result = %+v, want unclaimed pending", res)
	}
	if got := store.Trade(testTrader, "0xstop"); got.State != models.StatePending || got.Processed {
		t.Errorf("record = %s processed=%v, want pending", got.State, got.Processed)
	}
	if len(clob.Orders()) != 0 {
		t.Error("no order should be placed after stop")
	}
}

func TestExecuteStopBeforeFirstFillReleasesClaim(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	rec := seed(t, store, tradeRecord("0xstop", models.SideBuy, 100, 0.50, 200))
	clob.SetBooks(testAsset, asks(lvl("0.50", "1000")))
	clob.OnGetOrderBook = exec.Stop

	res := exec.Execute(context.Background(), Job{Trade: rec, MyBalance: 1000, Strategy: fixedStrategy(10)})

	if !res.Claimed || res.State != models.StatePending || res.Reason != "stopped" {
		t.Errorf("result = %+v, want claimed then released", res)
	}
	got := store.Trade(testTrader, "0xstop")
	if got.State != models.StatePending || got.Processed || got.Attempts != 0 {
		t.Errorf("record = %s processed=%v attempts=%d, want pending for the next run", got.State, got.Processed, got.Attempts)
	}
	if len(clob.Orders()) != 0 || store.CallCount("CompleteTrade") != 0 {
		t.Error("stopped walk must not place orders or finalize")
	}
}

func TestExecuteStopAfterPartialFillFinalizesDone(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	rec := seed(t, store, tradeRecord("0xpartial", models.SideBuy, 100, 0.50, 200))
	clob.SetBooks(testAsset, asks(lvl("0.50", "10")), asks(lvl("0.50", "1000")))
	reads := 0
	clob.OnGetOrderBook = func() {
		reads++
		if reads == 2 {
			exec.Stop()
		}
	}

	res := exec.Execute(context.Background(), Job{Trade: rec, MyBalance: 1000, Strategy: fixedStrategy(10)})

	if res.State != models.StateDone || res.Orders != 1 {
		t.Fatalf("result = %+v, want done after one fill", res)
	}
	got := store.Trade(testTrader, "0xpartial")
	if got.State != models.StateDone || !got.Processed || !almostEqual(got.MyBoughtSize, 10) {
		t.Errorf("record = %s processed=%v bought=%.2f, want done with 10 tokens", got.State, got.Processed, got.MyBoughtSize)
	}
}

func TestExecuteCancelledContextLeavesPending(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	rec := seed(t, store, tradeRecord("0xcancel", models.SideBuy, 100, 0.50, 200))
	clob.SetBooks(testAsset, asks(lvl("0.50", "1000")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec.Execute(ctx, Job{Trade: rec, MyBalance: 1000, Strategy: fixedStrategy(10)})

	if got := store.Trade(testTrader, "0xcancel"); got.State != models.StatePending || got.Processed {
		t.Errorf("record = %s processed=%v, want pending", got.State, got.Processed)
	}
}

func TestExecuteContextExpiringMidWalkSpendsNoRetries(t *testing.T) {
	for _, side := range []string{models.SideBuy, models.SideSell} {
		t.Run(side, func(t *testing.T) {
			exec, clob, store := newTestExecutor(t)
			rec := seed(t, store, tradeRecord("0xslow", side, 15, 0.50, 25))
			clob.SetBooks(testAsset, &api.OrderBook{
				Asks: []api.OrderBookLevel{lvl("0.50", "1000")},
				Bids: []api.OrderBookLevel{lvl("0.50", "1000")},
			})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			clob.OnGetOrderBook = cancel

			res := exec.Execute(ctx, Job{
				Trade:          rec,
				MyPosition:     &models.PositionSnapshot{Asset: testAsset, Size: 50},
				TraderPosition: &models.PositionSnapshot{Asset: testAsset, Size: 100},
				MyBalance:      1000,
				Strategy:       fixedStrategy(10),
			})

			if res.State != models.StatePending {
				t.Errorf("result = %+v, want pending", res)
			}
			if clob.Calls["GetOrderBook"] != 1 {
				t.Errorf("GetOrderBook calls = %d, want 1 without retrying a dead context", clob.Calls["GetOrderBook"])
			}
			got := store.Trade(testTrader, "0xslow")
			if got.State != models.StatePending || got.Processed || got.Attempts != 0 {
				t.Errorf("record = %s processed=%v attempts=%d, want untouched pending", got.State, got.Processed, got.Attempts)
			}
			if len(clob.Orders()) != 0 {
				t.Error("no order expected")
			}
		})
	}
}

func TestSellFraction(t *testing.T) {
	tests := []struct {
		sold, after, want float64
	}{
		{25, 100, 0.2},
		{50, 50, 0.5},
		{10, 0, 1},
		{0, 0, 0},
	}
	for _, tt := range tests {
		if got := sellFraction(tt.sold, tt.after); !almostEqual(got, tt.want) {
			t.Errorf("sellFraction(%v, %v) = %v, want %v", tt.sold, tt.after, got, tt.want)
		}
	}
}

func seedTrackedBuys(t *testing.T, store *storage.MockStore, sizes ...float64) {
	t.Helper()
	for i, size := range sizes {
		rec := tradeRecord("0xprevbuy"+string(rune('a'+i)), models.SideBuy, 10, 0.5, 20)
		rec.State = models.StateDone
		rec.Processed = true
		rec.MyBoughtSize = size
		seed(t, store, rec)
	}
}

func TestExecuteSellProportional(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	seedTrackedBuys(t, store, 30, 10)
	rec := seed(t, store, tradeRecord("0xsell", models.SideSell, 15, 0.60, 25))
	clob.SetBooks(testAsset, bids(lvl("0.58", "500"), lvl("0.60", "500")))

	res := exec.Execute(context.Background(), Job{
		Trade:          rec,
		MyPosition:     &models.PositionSnapshot{Asset: testAsset, ConditionID: testCond, Size: 50},
		TraderPosition: &models.PositionSnapshot{Asset: testAsset, ConditionID: testCond, Size: 100},
		Strategy:       fixedStrategy(10),
	})

	if res.State != models.StateDone {
		t.Fatalf("state = %s, want done (%s)", res.State, res.Reason)
	}
	orders := clob.Orders()
	if len(orders) != 1 {
		t.Fatalf("placed %d orders, want 1", len(orders))
	}
	if !almostEqual(orders[0].Amount, 8) || orders[0].Price != 0.60 || orders[0].Side != api.SideSell {
		t.Errorf("order = %+v, want 8 tokens SELL @ 0.60", orders[0])
	}

	// 8 of 40 tracked sold: every tracked purchase shrinks by 20%
	if got := store.Trade(testTrader, "0xprevbuya").MyBoughtSize; !almostEqual(got, 24) {
		t.Errorf("first tracked = %.4f, want 24", got)
	}
	if got := store.Trade(testTrader, "0xprevbuyb").MyBoughtSize; !almostEqual(got, 8) {
		t.Errorf("second tracked = %.4f, want 8", got)
	}
}

func TestExecuteSellWithoutTrackedUsesPosition(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	rec := seed(t, store, tradeRecord("0xsell", models.SideSell, 15, 0.60, 25))
	clob.SetBooks(testAsset, bids(lvl("0.60", "500")))

	exec.Execute(context.Background(), Job{
		Trade:          rec,
		MyPosition:     &models.PositionSnapshot{Asset: testAsset, Size: 50},
		TraderPosition: &models.PositionSnapshot{Asset: testAsset, Size: 100},
		Strategy:       fixedStrategy(10),
	})

	orders := clob.Orders()
	if len(orders) != 1 || !almostEqual(orders[0].Amount, 10) {
		t.Errorf("orders = %+v, want one 10 token sell", orders)
	}
}

func TestExecuteSellCappedAtPosition(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	seedTrackedBuys(t, store, 40)
	rec := seed(t, store, tradeRecord("0xdump", models.SideSell, 60, 0.60, 100))
	clob.SetBooks(testAsset, bids(lvl("0.60", "500")))

	res := exec.Execute(context.Background(), Job{
		Trade:          rec,
		MyPosition:     &models.PositionSnapshot{Asset: testAsset, Size: 5},
		TraderPosition: &models.PositionSnapshot{Asset: testAsset, Size: 0},
		Strategy:       fixedStrategy(10),
	})

	orders := clob.Orders()
	if len(orders) != 1 || !almostEqual(orders[0].Amount, 5) {
		t.Fatalf("orders = %+v, want one sell capped at the 5 token position", orders)
	}
	if !almostEqual(res.Filled, 5) {
		t.Errorf("filled = %.2f, want 5", res.Filled)
	}
	if got := store.Trade(testTrader, "0xprevbuya").MyBoughtSize; !almostEqual(got, 35) {
		t.Errorf("tracked = %.4f, want 35", got)
	}
}

func TestExecuteSellTraderClosedSellsAll(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	seedTrackedBuys(t, store, 12)
	rec := seed(t, store, tradeRecord("0xclose", models.SideSell, 60, 0.60, 100))
	clob.SetBooks(testAsset, bids(lvl("0.60", "500")))

	exec.Execute(context.Background(), Job{
		Trade:      rec,
		MyPosition: &models.PositionSnapshot{Asset: testAsset, Size: 12},
		Strategy:   fixedStrategy(10),
	})

	orders := clob.Orders()
	if len(orders) != 1 || !almostEqual(orders[0].Amount, 12) {
		t.Fatalf("orders = %+v, want the whole 12 token position", orders)
	}
	if got := store.Trade(testTrader, "0xprevbuya").MyBoughtSize; got != 0 {
		t.Errorf("tracked = %.4f, want 0 after selling everything", got)
	}
}

func TestExecuteSellEdgeCasesSkip(t *testing.T) {
	tests := []struct {
		name string
		my   *models.PositionSnapshot
		size float64
	}{
		{"no position", nil, 25},
		{"below minimum tokens", &models.PositionSnapshot{Asset: testAsset, Size: 3}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, clob, store := newTestExecutor(t)
			rec := seed(t, store, tradeRecord("0xskip", models.SideSell, 1, 0.60, tt.size))
			clob.SetBooks(testAsset, bids(lvl("0.60", "500")))

			res := exec.Execute(context.Background(), Job{
				Trade:          rec,
				MyPosition:     tt.my,
				TraderPosition: &models.PositionSnapshot{Asset: testAsset, Size: 100},
				Strategy:       fixedStrategy(10),
			})
			if res.State != models.StateSkipped {
				t.Errorf("state = %s, want skipped", res.State)
			}
			if len(clob.Orders()) != 0 {
				t.Error("no order expected")
			}
		})
	}
}

func TestExecuteSellNoBidsSkips(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	rec := seed(t, store, tradeRecord("0xnobids", models.SideSell, 15, 0.60, 25))
	clob.SetBooks(testAsset, asks(lvl("0.61", "500")))

	res := exec.Execute(context.Background(), Job{
		Trade:      rec,
		MyPosition: &models.PositionSnapshot{Asset: testAsset, Size: 50},
		Strategy:   fixedStrategy(10),
	})
	if res.State != models.StateSkipped {
		t.Errorf("state = %s, want skipped", res.State)
	}
}

func TestExecuteMergeSellsPosition(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	rec := tradeRecord("0xmerge", "", 0, 0, 20)
	rec.Type = models.ActivityMerge
	rec.Asset = ""
	seed(t, store, rec)
	clob.SetBooks(testAsset, bids(lvl("0.45", "15")), bids(lvl("0.44", "100")))

	res := exec.Execute(context.Background(), Job{
		Trade:      rec,
		MyPosition: &models.PositionSnapshot{Asset: testAsset, ConditionID: testCond, Size: 20},
		Strategy:   fixedStrategy(10),
	})

	if res.State != models.StateDone || !almostEqual(res.Filled, 20) {
		t.Fatalf("result = %+v, want done with 20 tokens sold", res)
	}
	orders := clob.Orders()
	if len(orders) != 2 || orders[0].TokenID != testAsset || !almostEqual(orders[0].Amount, 15) || !almostEqual(orders[1].Amount, 5) {
		t.Errorf("orders = %+v, want 15 then 5 tokens", orders)
	}
}

func TestExecuteMergeWithoutPositionSkips(t *testing.T) {
	exec, _, store := newTestExecutor(t)
	rec := tradeRecord("0xmerge", "", 0, 0, 20)
	rec.Type = models.ActivityMerge
	seed(t, store, rec)

	res := exec.Execute(context.Background(), Job{Trade: rec, Strategy: fixedStrategy(10)})
	if res.State != models.StateSkipped {
		t.Errorf("state = %s, want skipped", res.State)
	}
}

func TestExecuteAggregatedRecordsBoughtSizeOnce(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	buffer := NewAggregationBuffer(0, 1.0)
	for _, tx := range []string{"0xa1", "0xa2", "0xa3"} {
		buffer.Offer(seed(t, store, tradeRecord(tx, models.SideBuy, 0.5, 0.5, 1)))
	}
	groups := buffer.Drain(buffer.now())
	if len(groups) != 1 {
		t.Fatalf("drained %d groups, want 1", len(groups))
	}
	g := groups[0]
	clob.SetBooks(testAsset, asks(lvl("0.50", "1000")))

	res := exec.Execute(context.Background(), Job{
		Trade: g.Synthetic(), Constituents: g.Trades, MyBalance: 100, Strategy: fixedStrategy(2),
	})
	if res.State != models.StateDone {
		t.Fatalf("state = %s", res.State)
	}

	first := store.Trade(testTrader, "0xa1")
	if !almostEqual(first.MyBoughtSize, 4) {
		t.Errorf("first constituent bought = %.4f, want 4", first.MyBoughtSize)
	}
	for _, tx := range []string{"0xa2", "0xa3"} {
		got := store.Trade(testTrader, tx)
		if got.State != models.StateDone || got.MyBoughtSize != 0 {
			t.Errorf("%s = %s bought %.2f, want done with 0", tx, got.State, got.MyBoughtSize)
		}
	}
}

func TestExecuteAggregatedPartialClaimResizes(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	buffer := NewAggregationBuffer(0, 1.0)
	for _, tx := range []string{"0xp1", "0xp2", "0xp3", "0xp4"} {
		buffer.Offer(seed(t, store, tradeRecord(tx, models.SideBuy, 0.5, 0.5, 1)))
	}
	g := buffer.Drain(buffer.now())[0]
	if won, _ := store.ClaimTrade(context.Background(), models.TradeKey{Trader: testTrader, TxHash: "0xp2"}); !won {
		t.Fatal("setup claim failed")
	}
	clob.SetBooks(testAsset, asks(lvl("0.50", "1000")))
	copyAll := strategy.Config{Strategy: strategy.KindPercentage, CopySize: 100, MaxOrderSizeUSD: 100, MinOrderSizeUSD: 1}

	res := exec.Execute(context.Background(), Job{
		Trade: g.Synthetic(), Constituents: g.Trades, MyBalance: 100, Strategy: copyAll,
	})

	if res.State != models.StateDone {
		t.Fatalf("state = %s (%s)", res.State, res.Reason)
	}
	orders := clob.Orders()
	if len(orders) != 1 || !almostEqual(orders[0].Amount, 1.5) {
		t.Errorf("orders = %+v, want $1.50 for the three claimed trades", orders)
	}
	if got := store.Trade(testTrader, "0xp2"); got.State != models.StateInFlight {
		t.Errorf("foreign claim = %s, want left in flight", got.State)
	}
}

func TestExecutorMetrics(t *testing.T) {
	exec, clob, store := newTestExecutor(t)
	clob.SetBooks(testAsset, asks(lvl("0.50", "1000")))
	rec := seed(t, store, tradeRecord("0xm1", models.SideBuy, 100, 0.50, 200))
	exec.Execute(context.Background(), Job{Trade: rec, MyBalance: 1000, Strategy: fixedStrategy(10)})
	skip := seed(t, store, tradeRecord("0xm2", models.SideSell, 100, 0.50, 200))
	exec.Execute(context.Background(), Job{Trade: skip, Strategy: fixedStrategy(10)})

	m := exec.Metrics()
	if m.TradesExecuted != 2 || m.Done != 1 || m.Skipped != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.OrdersPlaced != 1 || m.OrdersFilled != 1 || !almostEqual(m.USDSpent, 10) || !almostEqual(m.TokensBought, 20) {
		t.Errorf("order metrics = %+v", m)
	}
}
