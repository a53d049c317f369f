package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/api"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/storage"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/strategy"
)

// SchedulerConfig wires the two loops.
type SchedulerConfig struct {
	ProxyWallet   string
	FetchInterval time.Duration
	PollInterval  time.Duration

	// StrategyFor returns the sizing config for a trader.
	StrategyFor func(trader string) strategy.Config
}

// Scheduler drives ingestion and execution on two independent loops that
// share the ledger and the aggregation buffer.
type Scheduler struct {
	ingestor *TradeIngestor
	executor *OrderExecutor
	ledger   storage.TradeLedger
	data     api.DataClient
	balance  api.BalanceReader
	buffer   *AggregationBuffer // nil when aggregation is off
	metrics  MetricsStore
	cfg      SchedulerConfig
	log      logrus.FieldLogger
	now      func() time.Time

	running atomic.Bool
	stopCh  chan struct{}
	trigger chan string
	wg      sync.WaitGroup
}

func NewScheduler(
	ingestor *TradeIngestor,
	executor *OrderExecutor,
	ledger storage.TradeLedger,
	data api.DataClient,
	balance api.BalanceReader,
	buffer *AggregationBuffer,
	metrics MetricsStore,
	cfg SchedulerConfig,
	log logrus.FieldLogger,
) *Scheduler {
	if cfg.FetchInterval <= 0 {
		cfg.FetchInterval = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 300 * time.Millisecond
	}
	if cfg.StrategyFor == nil {
		def := strategy.Default()
		cfg.StrategyFor = func(string) strategy.Config { return def }
	}
	if metrics == nil {
		metrics = NewMemoryMetricsStore()
	}
	cfg.ProxyWallet = models.NormalizeAddress(cfg.ProxyWallet)

	return &Scheduler{
		ingestor: ingestor,
		executor: executor,
		ledger:   ledger,
		data:     data,
		balance:  balance,
		buffer:   buffer,
		metrics:  metrics,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		trigger:  make(chan string, 64),
	}
}

// Start launches both loops. The context bounds the loops' lifetime in
// addition to Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}

	s.log.Infof("[Scheduler] Starting: ingest every %v, execute every %v, aggregation=%v",
		s.cfg.FetchInterval, s.cfg.PollInterval, s.buffer != nil)

	s.wg.Add(2)
	go s.ingestLoop(ctx)
	go s.executeLoop(ctx)
	return nil
}

// Running reports whether the loops are active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Trigger requests an immediate ingest of one trader. It never blocks; a
// full queue drops the request since polling will catch up.
func (s *Scheduler) Trigger(trader string) {
	if !s.running.Load() || !s.ingestor.Tracks(trader) {
		return
	}
	select {
	case s.trigger <- models.NormalizeAddress(trader):
	default:
	}
}

// Stop clears the running flag, stops in-progress book walks and waits up to
// grace for both loops to exit. It reports whether they exited in time.
func (s *Scheduler) Stop(grace time.Duration) bool {
	if !s.running.CompareAndSwap(true, false) {
		return true
	}
	s.executor.Stop()
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("[Scheduler] Stopped")
		return true
	case <-time.After(grace):
		s.log.Warnf("[Scheduler] Loops still running after %v grace period", grace)
		return false
	}
}

func (s *Scheduler) ingestLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.FetchInterval)
	defer ticker.Stop()

	s.runIngest(ctx, "")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case trader := <-s.trigger:
			s.runIngest(ctx, trader)
		case <-ticker.C:
			s.runIngest(ctx, "")
		}
	}
}

// runIngest ingests one trader, or all of them when trader is empty.
func (s *Scheduler) runIngest(ctx context.Context, trader string) {
	if trader != "" {
		if err := s.ingestor.Ingest(ctx, trader); err != nil {
			s.log.WithField("trader", models.ShortAddress(trader)).Warnf("[Scheduler] Triggered ingest failed: %v", err)
		}
	} else {
		s.ingestor.IngestAll(ctx)
	}

	if err := s.metrics.SaveIngestMetrics(ctx, s.ingestor.Metrics()); err != nil {
		s.log.Debugf("[Scheduler] Failed to save ingest metrics: %v", err)
	}
}

func (s *Scheduler) executeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.executeTick(ctx)
		}
	}
}

// executeTick runs one execution pass: pending trades go to the buffer or
// straight to the executor, then ready aggregation groups are flushed.
func (s *Scheduler) executeTick(ctx context.Context) {
	pending := s.loadPending(ctx)

	var immediate []models.TradeRecord
	for _, t := range pending {
		if s.buffer != nil && s.buffer.Offer(t) {
			continue
		}
		immediate = append(immediate, t)
	}

	for _, t := range immediate {
		if !s.running.Load() {
			return
		}
		s.dispatch(ctx, t, nil)
	}

	if s.buffer != nil {
		for _, g := range s.buffer.Drain(s.now()) {
			if !s.running.Load() {
				return
			}
			s.flushGroup(ctx, g)
		}
	}

	if err := s.metrics.SaveExecutorMetrics(ctx, s.executor.Metrics()); err != nil {
		s.log.Debugf("[Scheduler] Failed to save executor metrics: %v", err)
	}
}

func (s *Scheduler) loadPending(ctx context.Context) []models.TradeRecord {
	var all []models.TradeRecord
	for _, trader := range s.ingestor.Traders() {
		trades, err := s.ledger.PendingTrades(ctx, trader)
		if err != nil {
			s.log.WithField("trader", models.ShortAddress(trader)).Errorf("[Scheduler] Failed to load pending trades: %v", err)
			continue
		}
		all = append(all, trades...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp < all[j].Timestamp })
	return all
}

func (s *Scheduler) flushGroup(ctx context.Context, g *AggregatedTrade) {
	log := s.log.WithField("trader", models.ShortAddress(g.Trader))
	if g.Discarded {
		log.Infof("[Scheduler] Aggregated %d trades totalling $%.2f below minimum, skipping", len(g.Trades), g.TotalUSDC)
		if err := s.ledger.MarkTradesSkipped(ctx, g.Keys(), 0); err != nil {
			log.Errorf("[Scheduler] Failed to skip aggregated trades: %v", err)
		}
		return
	}
	log.Infof("[Scheduler] Executing %d aggregated trades: $%.2f @ %.3f", len(g.Trades), g.TotalUSDC, g.AveragePrice)
	s.dispatch(ctx, g.Synthetic(), g.Trades)
}

// dispatch gathers the live positions and balance a trade is sized against
// and hands it to the executor. When any lookup fails the trade stays
// pending for the next tick.
func (s *Scheduler) dispatch(ctx context.Context, trade models.TradeRecord, constituents []models.TradeRecord) {
	trader := models.NormalizeAddress(trade.TraderAddress)
	log := s.log.WithFields(logrus.Fields{
		"trader": models.ShortAddress(trader),
		"tx":     models.ShortID(trade.TransactionHash),
	})

	myPositions, err := s.data.GetPositions(ctx, s.cfg.ProxyWallet)
	if err != nil {
		log.Warnf("[Scheduler] Own positions unavailable, retrying next tick: %v", err)
		return
	}
	traderPositions, err := s.data.GetPositions(ctx, trader)
	if err != nil {
		log.Warnf("[Scheduler] Trader positions unavailable, retrying next tick: %v", err)
		return
	}
	balance, err := s.balance.GetUSDCBalance(ctx, s.cfg.ProxyWallet)
	if err != nil {
		log.Warnf("[Scheduler] Balance unavailable, retrying next tick: %v", err)
		return
	}

	now := s.now()
	mine := api.Snapshots(s.cfg.ProxyWallet, myPositions, now)
	theirs := api.Snapshots(trader, traderPositions, now)

	s.executor.Execute(ctx, Job{
		Trade:          trade,
		Constituents:   constituents,
		MyPosition:     findPosition(mine, trade),
		TraderPosition: findPosition(theirs, trade),
		MyBalance:      balance,
		TraderBalance:  models.TotalCurrentValue(theirs),
		Strategy:       s.cfg.StrategyFor(trader),
	})
}

// findPosition matches on the outcome token, falling back to the market for
// activities that carry no asset.
func findPosition(positions []models.PositionSnapshot, trade models.TradeRecord) *models.PositionSnapshot {
	if trade.Asset == "" {
		return models.FindByCondition(positions, trade.ConditionID)
	}
	for i := range positions {
		if positions[i].Asset == trade.Asset {
			return &positions[i]
		}
	}
	return nil
}

// Buffer exposes the aggregation buffer for status reporting; nil when off.
func (s *Scheduler) Buffer() *AggregationBuffer {
	return s.buffer
}
