package syncer

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/api"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/storage"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/strategy"
)

// sellAllRatio is the share of tracked tokens above which a sell is treated
// as closing the tracked position entirely.
const sellAllRatio = 0.99

// priceEpsilon absorbs float noise in the slippage comparison.
const priceEpsilon = 1e-9

// ExecutorConfig holds the book walking limits.
type ExecutorConfig struct {
	RetryLimit         int
	MaxPriceSlippage   float64
	MinOrderSizeUSD    float64
	MinOrderSizeTokens float64
}

// Job is one unit of work for the executor: a trade (possibly synthetic for
// an aggregated group) plus the market context it is sized against.
type Job struct {
	Trade        models.TradeRecord
	Constituents []models.TradeRecord // empty means Trade itself

	MyPosition     *models.PositionSnapshot
	TraderPosition *models.PositionSnapshot
	MyBalance      float64
	TraderBalance  float64
	Strategy       strategy.Config
}

func (j Job) records() []models.TradeRecord {
	if len(j.Constituents) > 0 {
		return j.Constituents
	}
	return []models.TradeRecord{j.Trade}
}

// Result describes how a job ended.
type Result struct {
	ExecutionID string // correlates the log lines of one Execute call
	Claimed     bool
	State       models.ExecutionState
	Attempts    int
	Filled      float64 // tokens bought or sold
	USD         float64
	Orders      int
	Reason      string
}

// walk accumulates the outcome of one book walk.
type walk struct {
	state    models.ExecutionState
	attempts int
	filled   float64
	usd      float64
	orders   int
	fills    int
	reason   string

	// interrupted is set when a stop or a cancelled context ended the walk
	// before its own exit conditions did.
	interrupted bool
}

func (w *walk) interrupt(reason string) {
	w.interrupted = true
	w.reason = reason
}

func newWalk() walk {
	return walk{state: models.StateDone, attempts: models.AttemptsInFlight}
}

func skippedWalk(reason string) walk {
	w := newWalk()
	w.state = models.StateSkipped
	w.reason = reason
	return w
}

// OrderExecutor mirrors a single trade on the exchange by walking the order
// book with fill-or-kill orders.
type OrderExecutor struct {
	clob   api.OrderPlacer
	ledger storage.TradeLedger
	volume storage.VolumeTracker
	cfg    ExecutorConfig
	log    logrus.FieldLogger

	stopped atomic.Bool

	metricsMu sync.Mutex
	metrics   ExecutorMetrics
}

func NewOrderExecutor(clob api.OrderPlacer, ledger storage.TradeLedger, volume storage.VolumeTracker, cfg ExecutorConfig, log logrus.FieldLogger) *OrderExecutor {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.MinOrderSizeUSD <= 0 {
		cfg.MinOrderSizeUSD = 1.0
	}
	if cfg.MinOrderSizeTokens <= 0 {
		cfg.MinOrderSizeTokens = 1.0
	}
	if volume == nil {
		volume = storage.NewMemoryVolumeTracker()
	}
	return &OrderExecutor{
		clob:   clob,
		ledger: ledger,
		volume: volume,
		cfg:    cfg,
		log:    log,
	}
}

// Stop asks running book walks to finish after the current order.
func (e *OrderExecutor) Stop() {
	e.stopped.Store(true)
}

// halted reports why new orders must not be placed, if they must not.
func (e *OrderExecutor) halted(ctx context.Context) (string, bool) {
	if e.stopped.Load() {
		return "stopped", true
	}
	if err := ctx.Err(); err != nil {
		return err.Error(), true
	}
	return "", false
}

// Execute claims the job's records, runs the buy, sell or merge walk and
// writes the terminal state. A record that another worker already claimed is
// left alone. A walk interrupted before any fill returns its records to
// pending so they run again.
func (e *OrderExecutor) Execute(ctx context.Context, job Job) Result {
	start := time.Now()
	trade := job.Trade
	execID := uuid.NewString()
	log := e.log.WithFields(logrus.Fields{
		"execution": execID,
		"trader":    models.ShortAddress(trade.TraderAddress),
		"tx":        models.ShortID(trade.TransactionHash),
		"asset":     models.ShortID(trade.Asset),
	})

	if reason, ok := e.halted(ctx); ok {
		log.Debugf("[Executor] Not starting %s: %s", trade.Label(), reason)
		return Result{ExecutionID: execID, State: models.StatePending, Reason: reason}
	}

	claimed := e.claim(ctx, job.records(), log)
	if len(claimed) == 0 {
		return Result{ExecutionID: execID}
	}
	if len(job.Constituents) > 0 && len(claimed) < len(job.Constituents) {
		trade = regroup(trade, claimed)
		job.Trade = trade
		log.Infof("[Executor] Resized aggregate to $%.2f @ %.3f over %d claimed trades", trade.UsdcSize, trade.Price, len(claimed))
	}

	var (
		w   walk
		err error
	)
	switch {
	case trade.IsMerge():
		log.Infof("[Executor] MERGE on %s", trade.Label())
		w = e.merge(ctx, job, log)
	case trade.IsBuy():
		log.Infof("[Executor] BUY $%.2f @ %.3f on %s", trade.UsdcSize, trade.Price, trade.Label())
		w = e.buy(ctx, job, log)
	default:
		log.Infof("[Executor] SELL %.2f tokens @ %.3f on %s", trade.Size, trade.Price, trade.Label())
		w, err = e.sell(ctx, job, log)
	}
	if err != nil {
		if reason, ok := e.halted(ctx); ok {
			w.interrupt(reason)
		} else {
			log.Errorf("[Executor] Execution error, marking processed: %v", err)
			w.state = models.StateDone
			w.reason = err.Error()
		}
	}

	if w.interrupted && w.fills == 0 {
		e.release(ctx, claimed, log)
		log.Infof("[Executor] %s interrupted before any fill (%s), returned to pending", trade.Label(), w.reason)
		return Result{
			ExecutionID: execID,
			Claimed:     true,
			State:       models.StatePending,
			Orders:      w.orders,
			Reason:      w.reason,
		}
	}

	e.finalize(ctx, trade, claimed, w, log)
	e.record(trade, w, time.Since(start))

	return Result{
		ExecutionID: execID,
		Claimed:     true,
		State:       w.state,
		Attempts:    w.attempts,
		Filled:      w.filled,
		USD:         w.usd,
		Orders:      w.orders,
		Reason:      w.reason,
	}
}

func (e *OrderExecutor) claim(ctx context.Context, records []models.TradeRecord, log logrus.FieldLogger) []models.TradeRecord {
	claimed := make([]models.TradeRecord, 0, len(records))
	for _, rec := range records {
		won, err := e.ledger.ClaimTrade(ctx, rec.Key())
		if err != nil {
			log.Errorf("[Executor] Claim %s failed: %v", models.ShortID(rec.TransactionHash), err)
			continue
		}
		if !won {
			log.Debugf("[Executor] Trade %s already claimed", models.ShortID(rec.TransactionHash))
			continue
		}
		claimed = append(claimed, rec)
	}
	if len(claimed) > 0 && len(claimed) < len(records) {
		log.Warnf("[Executor] Claimed %d of %d aggregated trades", len(claimed), len(records))
	}
	return claimed
}

// release hands claimed records back to the pending queue.
func (e *OrderExecutor) release(ctx context.Context, claimed []models.TradeRecord, log logrus.FieldLogger) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	for _, rec := range claimed {
		ok, err := e.ledger.ReleaseTrade(writeCtx, rec.Key())
		if err != nil {
			log.Errorf("[Executor] Failed to release %s: %v", models.ShortID(rec.TransactionHash), err)
			continue
		}
		if !ok {
			log.Warnf("[Executor] %s was no longer in flight", models.ShortID(rec.TransactionHash))
		}
	}
}

// finalize writes the terminal state. It uses a context detached from
// cancellation so a shutdown never leaves records in flight.
func (e *OrderExecutor) finalize(ctx context.Context, trade models.TradeRecord, claimed []models.TradeRecord, w walk, log logrus.FieldLogger) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	for i, rec := range claimed {
		outcome := models.TradeOutcome{State: w.state, Attempts: w.attempts}
		if trade.IsBuy() && !trade.IsMerge() {
			bought := 0.0
			if i == 0 {
				bought = w.filled
			}
			outcome.MyBoughtSize = &bought
		}
		if err := e.ledger.CompleteTrade(writeCtx, rec.Key(), outcome); err != nil {
			log.Errorf("[Executor] Failed to finalize %s: %v", models.ShortID(rec.TransactionHash), err)
		}
	}

	msg := fmt.Sprintf("[Executor] %s -> %s (filled %.2f tokens, $%.2f, %d orders)",
		trade.Label(), w.state, w.filled, w.usd, w.orders)
	if w.reason != "" {
		msg += ": " + w.reason
	}
	if w.state == models.StateFailedInsufficientFunds {
		log.Warn(msg)
	} else {
		log.Info(msg)
	}
}

func (e *OrderExecutor) buy(ctx context.Context, job Job, log logrus.FieldLogger) walk {
	trade := job.Trade
	exposure := 0.0
	if job.MyPosition != nil {
		exposure = job.MyPosition.Notional()
	}

	size := strategy.CalculateOrderSize(job.Strategy, trade.UsdcSize, job.MyBalance, exposure)
	log.Infof("[Executor] Sizing: %s", size.Reasoning)
	if size.FinalAmount == 0 {
		return skippedWalk(size.Reasoning)
	}
	remaining := size.FinalAmount

	if limit := job.Strategy.MaxDailyVolumeUSD; limit != nil {
		used, err := e.volume.Used(ctx)
		if err != nil {
			log.Warnf("[Executor] Daily volume unavailable, not enforcing limit: %v", err)
		} else {
			headroom := *limit - used
			if headroom < job.Strategy.MinOrderSizeUSD || headroom < e.cfg.MinOrderSizeUSD {
				return skippedWalk(fmt.Sprintf("daily volume limit reached ($%.2f of $%.2f used)", used, *limit))
			}
			if remaining > headroom {
				log.Infof("[Executor] Capping $%.2f to daily headroom $%.2f", remaining, headroom)
				remaining = headroom
			}
		}
	}

	return e.walkAsks(ctx, trade, remaining, log)
}

func (e *OrderExecutor) walkAsks(ctx context.Context, trade models.TradeRecord, remaining float64, log logrus.FieldLogger) walk {
	w := newWalk()
	retry := 0
	for remaining > 0 && retry < e.cfg.RetryLimit {
		if reason, ok := e.halted(ctx); ok {
			w.interrupt(reason)
			return w
		}

		book, err := e.clob.GetOrderBook(ctx, trade.Asset)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			retry++
			log.Warnf("[Executor] Order book fetch failed (attempt %d/%d): %v", retry, e.cfg.RetryLimit, err)
			continue
		}
		ask, ok := book.BestAsk()
		if !ok {
			w.state = models.StateSkipped
			w.reason = "no asks in order book"
			return w
		}
		if ask.Price-e.cfg.MaxPriceSlippage > trade.Price+priceEpsilon {
			w.state = models.StateSkipped
			w.reason = fmt.Sprintf("ask %.3f exceeds trader price %.3f by more than %.3f", ask.Price, trade.Price, e.cfg.MaxPriceSlippage)
			return w
		}
		if remaining < e.cfg.MinOrderSizeUSD {
			w.reason = fmt.Sprintf("remaining $%.2f below minimum", remaining)
			return w
		}

		if reason, ok := e.halted(ctx); ok {
			w.interrupt(reason)
			return w
		}

		amount := math.Min(remaining, ask.Size*ask.Price)
		args := api.OrderArgs{
			TokenID:     trade.Asset,
			ConditionID: trade.ConditionID,
			Side:        api.SideBuy,
			Amount:      amount,
			Price:       ask.Price,
		}
		resp, err := e.clob.PlaceOrder(ctx, args)
		w.orders++
		if api.OrderFilled(resp, err) {
			retry = 0
			tokens, spent := submitted(args)
			w.fills++
			w.filled += tokens
			w.usd += spent
			remaining -= amount
			log.Infof("[Executor] Bought $%.2f at %.3f (%.2f tokens)", spent, ask.Price, tokens)
			if err := e.volume.Add(ctx, spent); err != nil {
				log.Warnf("[Executor] Failed to record daily volume: %v", err)
			}
			continue
		}
		if ctx.Err() != nil {
			continue
		}

		reason := api.RejectionReason(resp, err)
		if api.IsInsufficientFunds(reason) {
			w.state = models.StateFailedInsufficientFunds
			w.attempts = e.cfg.RetryLimit
			w.reason = reason
			return w
		}
		retry++
		log.Warnf("[Executor] Order failed (attempt %d/%d): %s", retry, e.cfg.RetryLimit, reason)
	}

	if retry >= e.cfg.RetryLimit {
		w.attempts = retry
		w.reason = "retries exhausted"
	}
	return w
}

// sellFraction is the share of the trader's pre-trade position that the
// trade sold. The pre-trade size is reconstructed as current + sold.
func sellFraction(sold, traderSizeAfter float64) float64 {
	before := traderSizeAfter + sold
	if before <= 0 {
		return 0
	}
	return sold / before
}

func (e *OrderExecutor) sell(ctx context.Context, job Job, log logrus.FieldLogger) (walk, error) {
	trade := job.Trade
	my := job.MyPosition
	if my == nil || my.Size <= 0 {
		return skippedWalk("no position to sell"), nil
	}

	tracked, err := e.ledger.TrackedPurchases(ctx, trade.TraderAddress, trade.ConditionID, trade.Asset)
	if err != nil {
		return newWalk(), fmt.Errorf("load tracked purchases: %w", err)
	}
	totalTracked := 0.0
	for _, rec := range tracked {
		totalTracked += rec.MyBoughtSize
	}

	var remaining float64
	if job.TraderPosition == nil {
		remaining = my.Size
		log.Infof("[Executor] Trader closed the position, selling all %.2f tokens", remaining)
	} else {
		fraction := sellFraction(trade.Size, job.TraderPosition.Size)
		var base float64
		if totalTracked > 0 {
			base = totalTracked * fraction
			log.Infof("[Executor] Selling %.2f%% of %.2f tracked tokens", fraction*100, totalTracked)
		} else {
			base = my.Size * fraction
			log.Warnf("[Executor] No tracked purchases, using %.2f%% of current position %.2f", fraction*100, my.Size)
		}
		multiplier := strategy.TradeMultiplier(job.Strategy, trade.UsdcSize)
		remaining = base * multiplier
		if multiplier != 1 {
			log.Infof("[Executor] Applying %.2fx multiplier: %.2f -> %.2f tokens", multiplier, base, remaining)
		}
	}

	if remaining < e.cfg.MinOrderSizeTokens {
		return skippedWalk(fmt.Sprintf("sell amount %.2f tokens below minimum %.2f", remaining, e.cfg.MinOrderSizeTokens)), nil
	}
	if remaining > my.Size {
		log.Warnf("[Executor] Sell %.2f exceeds position %.2f, capping", remaining, my.Size)
		remaining = my.Size
	}

	w := e.walkBids(ctx, trade.Asset, trade.ConditionID, remaining, log)

	if w.filled > 0 && totalTracked > 0 {
		ratio := w.filled / totalTracked
		factor := 1 - ratio
		if ratio >= sellAllRatio {
			factor = 0
		}
		if err := e.ledger.ScaleTrackedPurchases(ctx, trade.TraderAddress, trade.ConditionID, trade.Asset, factor); err != nil {
			log.Errorf("[Executor] Failed to update tracked purchases: %v", err)
		}
	}
	return w, nil
}

func (e *OrderExecutor) merge(ctx context.Context, job Job, log logrus.FieldLogger) walk {
	my := job.MyPosition
	if my == nil || my.Size < e.cfg.MinOrderSizeTokens {
		return skippedWalk("no position to merge")
	}
	log.Infof("[Executor] Closing %.2f tokens after merge", my.Size)
	return e.walkBids(ctx, my.Asset, my.ConditionID, my.Size, log)
}

func (e *OrderExecutor) walkBids(ctx context.Context, asset, conditionID string, remaining float64, log logrus.FieldLogger) walk {
	w := newWalk()
	retry := 0
	for remaining > 0 && retry < e.cfg.RetryLimit {
		if reason, ok := e.halted(ctx); ok {
			w.interrupt(reason)
			return w
		}

		book, err := e.clob.GetOrderBook(ctx, asset)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			retry++
			log.Warnf("[Executor] Order book fetch failed (attempt %d/%d): %v", retry, e.cfg.RetryLimit, err)
			continue
		}
		bid, ok := book.BestBid()
		if !ok {
			w.state = models.StateSkipped
			w.reason = "no bids in order book"
			return w
		}
		if remaining < e.cfg.MinOrderSizeTokens {
			w.reason = fmt.Sprintf("remaining %.2f tokens below minimum", remaining)
			return w
		}
		amount := math.Min(remaining, bid.Size)
		if amount < e.cfg.MinOrderSizeTokens {
			w.reason = fmt.Sprintf("order %.2f tokens below minimum", amount)
			return w
		}

		if reason, ok := e.halted(ctx); ok {
			w.interrupt(reason)
			return w
		}

		args := api.OrderArgs{
			TokenID:     asset,
			ConditionID: conditionID,
			Side:        api.SideSell,
			Amount:      amount,
			Price:       bid.Price,
		}
		resp, err := e.clob.PlaceOrder(ctx, args)
		w.orders++
		if api.OrderFilled(resp, err) {
			retry = 0
			tokens, received := submitted(args)
			w.fills++
			w.filled += tokens
			w.usd += received
			remaining -= amount
			log.Infof("[Executor] Sold %.2f tokens at %.3f ($%.2f)", tokens, bid.Price, received)
			continue
		}
		if ctx.Err() != nil {
			continue
		}

		reason := api.RejectionReason(resp, err)
		if api.IsInsufficientFunds(reason) {
			w.state = models.StateFailedInsufficientFunds
			w.attempts = e.cfg.RetryLimit
			w.reason = reason
			return w
		}
		retry++
		log.Warnf("[Executor] Order failed (attempt %d/%d): %s", retry, e.cfg.RetryLimit, reason)
	}

	if retry >= e.cfg.RetryLimit {
		w.attempts = retry
		w.reason = "retries exhausted"
	}
	return w
}

// submitted returns the tokens and USDC an accepted order traded after the
// exchange's tick and lot rounding.
func submitted(args api.OrderArgs) (tokens, usdc float64) {
	tokens, usdc, err := api.SubmittedAmounts(args)
	if err == nil {
		return tokens, usdc
	}
	if args.Side == api.SideBuy {
		return args.Amount / args.Price, args.Amount
	}
	return args.Amount, args.Amount * args.Price
}

func (e *OrderExecutor) record(trade models.TradeRecord, w walk, elapsed time.Duration) {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()

	m := &e.metrics
	m.TradesExecuted++
	switch w.state {
	case models.StateDone:
		m.Done++
	case models.StateSkipped:
		m.Skipped++
	case models.StateFailedInsufficientFunds:
		m.FailedInsufficientFunds++
	}
	m.OrdersPlaced += int64(w.orders)
	m.OrdersFilled += int64(w.fills)
	if trade.IsBuy() && !trade.IsMerge() {
		m.TokensBought += w.filled
		m.USDSpent += w.usd
	} else {
		m.TokensSold += w.filled
		m.USDReceived += w.usd
	}
	m.observeLatency(elapsed)
	m.LastExecutionAt = time.Now()
}

// Metrics returns a snapshot of the executor counters.
func (e *OrderExecutor) Metrics() ExecutorMetrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	return e.metrics
}
