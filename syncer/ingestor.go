package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/api"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/storage"
)

// IngestorConfig controls how the activity feed is read.
type IngestorConfig struct {
	Traders    []string
	MaxAge     time.Duration // older trades are recorded as skipped
	PageLimit  int
	MaxPages   int
	CopyMerges bool
}

// TradeIngestor polls each tracked trader's activity feed and records new
// trades in the ledger. Insertion is idempotent so repeated polls and
// realtime triggers can overlap safely.
type TradeIngestor struct {
	data   api.DataClient
	ledger storage.TradeLedger
	cfg    IngestorConfig
	log    logrus.FieldLogger
	now    func() time.Time

	metricsMu sync.Mutex
	metrics   IngestMetrics
}

func NewTradeIngestor(data api.DataClient, ledger storage.TradeLedger, cfg IngestorConfig, log logrus.FieldLogger) *TradeIngestor {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	traders := make([]string, 0, len(cfg.Traders))
	for _, t := range cfg.Traders {
		traders = append(traders, models.NormalizeAddress(t))
	}
	cfg.Traders = traders

	return &TradeIngestor{
		data:   data,
		ledger: ledger,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// Traders returns the normalized tracked addresses.
func (i *TradeIngestor) Traders() []string {
	return append([]string(nil), i.cfg.Traders...)
}

// Tracks reports whether the address is one of the tracked traders.
func (i *TradeIngestor) Tracks(trader string) bool {
	trader = models.NormalizeAddress(trader)
	for _, t := range i.cfg.Traders {
		if t == trader {
			return true
		}
	}
	return false
}

func (i *TradeIngestor) activityTypes() string {
	if i.cfg.CopyMerges {
		return models.ActivityTrade + "," + models.ActivityMerge
	}
	return models.ActivityTrade
}

type ingestCounts struct {
	inserted, tooOld, invalid, seen int
}

// Ingest pulls the trader's recent activity, inserts unseen trades and
// refreshes the trader's position snapshot.
func (i *TradeIngestor) Ingest(ctx context.Context, trader string) error {
	trader = models.NormalizeAddress(trader)
	now := i.now()
	cutoff := now.Add(-i.cfg.MaxAge).Unix()

	var counts ingestCounts
	for page := 0; page < i.cfg.MaxPages; page++ {
		activities, err := i.data.GetActivity(ctx, trader, api.ActivityQuery{
			Type:   i.activityTypes(),
			Limit:  i.cfg.PageLimit,
			Offset: page * i.cfg.PageLimit,
		})
		if err != nil {
			return fmt.Errorf("fetch activity: %w", err)
		}

		for _, a := range activities {
			if err := i.record(ctx, trader, a, cutoff, now, &counts); err != nil {
				return err
			}
		}
		if len(activities) < i.cfg.PageLimit {
			break
		}
	}

	if counts.inserted > 0 || counts.tooOld > 0 {
		i.log.WithFields(logrus.Fields{
			"trader":  models.ShortAddress(trader),
			"new":     counts.inserted,
			"too_old": counts.tooOld,
		}).Infof("[Ingestor] Recorded %d new trades (%d too old)", counts.inserted, counts.tooOld)
	}

	if err := i.refreshPositions(ctx, trader, now); err != nil {
		return err
	}
	return nil
}

func (i *TradeIngestor) record(ctx context.Context, trader string, a api.Activity, cutoff int64, now time.Time, counts *ingestCounts) error {
	counts.seen++
	rec, err := a.ToTradeRecord(trader)
	if err != nil {
		counts.invalid++
		i.bump(func(m *IngestMetrics) { m.Invalid++ })
		i.log.WithField("trader", models.ShortAddress(trader)).Warnf("[Ingestor] Dropping activity: %v", err)
		return nil
	}

	tooOld := rec.Timestamp < cutoff
	if tooOld {
		rec.State = models.StateSkipped
		rec.Processed = true
		rec.Attempts = models.AttemptsTooOld
	} else {
		rec.State = models.StatePending
	}
	rec.InsertedAt = now

	inserted, err := i.ledger.InsertTrade(ctx, rec)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", models.ShortID(rec.TransactionHash), err)
	}
	if !inserted {
		return nil
	}

	if tooOld {
		counts.tooOld++
		i.bump(func(m *IngestMetrics) { m.TooOld++ })
		return nil
	}

	counts.inserted++
	detection := now.Sub(time.Unix(rec.Timestamp, 0))
	i.bump(func(m *IngestMetrics) {
		m.TradesInserted++
		m.observeDetection(detection)
	})
	i.log.WithFields(logrus.Fields{
		"trader": models.ShortAddress(trader),
		"tx":     models.ShortID(rec.TransactionHash),
		"asset":  models.ShortID(rec.Asset),
	}).Infof("[Ingestor] New %s %s $%.2f @ %.3f on %s", rec.Type, rec.Side, rec.UsdcSize, rec.Price, rec.Label())
	return nil
}

func (i *TradeIngestor) refreshPositions(ctx context.Context, trader string, now time.Time) error {
	positions, err := i.data.GetPositions(ctx, trader)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}
	if err := i.ledger.UpsertPositions(ctx, api.Snapshots(trader, positions, now)); err != nil {
		return fmt.Errorf("store positions: %w", err)
	}
	return nil
}

// IngestAll runs Ingest for every tracked trader. Failures are logged per
// trader and never abort the cycle.
func (i *TradeIngestor) IngestAll(ctx context.Context) {
	for _, trader := range i.cfg.Traders {
		if ctx.Err() != nil {
			return
		}
		if err := i.Ingest(ctx, trader); err != nil {
			i.bump(func(m *IngestMetrics) { m.Errors++ })
			i.log.WithField("trader", models.ShortAddress(trader)).Errorf("[Ingestor] Ingest failed: %v", err)
		}
	}
	i.bump(func(m *IngestMetrics) {
		m.Cycles++
		m.LastCycleAt = i.now()
	})
}

// ColdStart marks every non-terminal record of every tracked trader as
// skipped so nothing observed before this process started is executed.
func (i *TradeIngestor) ColdStart(ctx context.Context) (int64, error) {
	var total int64
	for _, trader := range i.cfg.Traders {
		n, err := i.ledger.SkipAllPending(ctx, trader)
		if err != nil {
			return total, fmt.Errorf("cold start for %s: %w", models.ShortAddress(trader), err)
		}
		if n > 0 {
			i.log.WithField("trader", models.ShortAddress(trader)).Infof("[Ingestor] Cold start: skipped %d unprocessed trades", n)
		}
		total += n
	}
	return total, nil
}

func (i *TradeIngestor) bump(apply func(*IngestMetrics)) {
	i.metricsMu.Lock()
	apply(&i.metrics)
	i.metricsMu.Unlock()
}

// Metrics returns a snapshot of the ingestion counters.
func (i *TradeIngestor) Metrics() IngestMetrics {
	i.metricsMu.Lock()
	defer i.metricsMu.Unlock()
	return i.metrics
}
