package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/storage"
	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/syncer"
)

const (
	defaultStatusTTL   = 2 * time.Second
	defaultRecentLimit = 50
	maxRecentLimit     = 500
	topPositions       = 5
)

// ErrInvalidAddress is returned for a malformed wallet argument.
var ErrInvalidAddress = errors.New("invalid wallet address")

// Service answers the status API from the ledger and the metrics store.
type Service struct {
	ledger  storage.TradeLedger
	metrics syncer.MetricsStore
	health  *HealthChecker

	statusTTL time.Duration
	now       func() time.Time

	cacheMu     sync.RWMutex
	statusCache *statusCacheEntry
}

type statusCacheEntry struct {
	data    *Status
	expires time.Time
}

// Status is the ledger and executor state served by /api/status.
type Status struct {
	Traders     []storage.TraderStats `json:"traders"`
	Totals      storage.TraderStats   `json:"totals"`
	Metrics     *syncer.SystemMetrics `json:"metrics,omitempty"`
	Latency     *syncer.LatencyStats  `json:"latency,omitempty"`
	GeneratedAt time.Time             `json:"generated_at"`
}

// WalletPositions is a wallet's stored snapshot with aggregate stats.
type WalletPositions struct {
	Wallet    string                    `json:"wallet"`
	Positions []models.PositionSnapshot `json:"positions"`
	Stats     models.PositionStats      `json:"stats"`
	Top       []models.PositionSnapshot `json:"top"`
}

// NewService creates a new service. metrics and health may be nil.
func NewService(ledger storage.TradeLedger, metrics syncer.MetricsStore, health *HealthChecker) *Service {
	return &Service{
		ledger:    ledger,
		metrics:   metrics,
		health:    health,
		statusTTL: defaultStatusTTL,
		now:       time.Now,
	}
}

// Status returns ledger counts per trader plus executor metrics. Results are
// cached for statusTTL.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	if st, ok := s.cachedStatus(); ok {
		return st, nil
	}

	stats, err := s.ledger.TradeStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("trade stats: %w", err)
	}

	st := &Status{Traders: stats, GeneratedAt: s.now()}
	st.Totals.Trader = "all"
	for _, ts := range stats {
		st.Totals.Total += ts.Total
		st.Totals.Pending += ts.Pending
		st.Totals.InFlight += ts.InFlight
		st.Totals.Done += ts.Done
		st.Totals.Skipped += ts.Skipped
		st.Totals.Failed += ts.Failed
	}

	if s.metrics != nil {
		// metrics are best effort
		if m, err := s.metrics.GetMetrics(ctx); err == nil {
			st.Metrics = m
		}
		if l, err := syncer.GetLatencyStats(ctx, s.metrics); err == nil {
			st.Latency = l
		}
	}

	s.storeStatus(st)
	return st, nil
}

// RecentTrades returns the newest ledger records. limit is clamped to
// [1, 500] with 50 as the default.
func (s *Service) RecentTrades(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	return s.ledger.RecentTrades(ctx, limit)
}

// TraderPositions returns the stored position snapshot of one wallet.
func (s *Service) TraderPositions(ctx context.Context, wallet string) (*WalletPositions, error) {
	normalized := models.NormalizeAddress(wallet)
	if normalized == "" {
		return nil, ErrInvalidAddress
	}
	positions, err := s.ledger.ListPositions(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return summarizePositions(normalized, positions), nil
}

// Health runs the health probes. Without a checker only the ledger is probed.
func (s *Service) Health(ctx context.Context) HealthReport {
	if s.health != nil {
		return s.health.Check(ctx)
	}
	return NewHealthChecker(s.ledger, nil, nil, nil, "").Check(ctx)
}

func summarizePositions(wallet string, positions []models.PositionSnapshot) *WalletPositions {
	if positions == nil {
		positions = []models.PositionSnapshot{}
	}
	return &WalletPositions{
		Wallet:    wallet,
		Positions: positions,
		Stats:     models.CalculatePositionStats(positions),
		Top:       models.TopByPercentPnl(positions, topPositions),
	}
}

func (s *Service) cachedStatus() (*Status, bool) {
	s.cacheMu.RLock()
	entry := s.statusCache
	s.cacheMu.RUnlock()
	if entry == nil || s.now().After(entry.expires) {
		return nil, false
	}
	return entry.data, true
}

func (s *Service) storeStatus(st *Status) {
	s.cacheMu.Lock()
	s.statusCache = &statusCacheEntry{data: st, expires: s.now().Add(s.statusTTL)}
	s.cacheMu.Unlock()
}
