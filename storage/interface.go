package storage

import (
	"context"
	"errors"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"
)

var (
	// ErrNotFound is returned when a trade lookup matches nothing.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidTransition is returned when a state write finds the record in
	// a state the write does not apply to.
	ErrInvalidTransition = errors.New("storage: invalid state transition")
)

// TradeLedger is the persistent record of observed trades, their execution
// state, and the latest position snapshots. State writes are
// compare-and-set so the ingest and execute loops can share it.
type TradeLedger interface {
	Ping(ctx context.Context) error
	Close() error

	// FindTrade returns ErrNotFound when the trader has no record for the hash.
	FindTrade(ctx context.Context, key models.TradeKey) (*models.TradeRecord, error)
	// InsertTrade stores a new record and reports false if it already existed.
	InsertTrade(ctx context.Context, rec models.TradeRecord) (bool, error)
	// PendingTrades returns a trader's pending records, oldest first.
	PendingTrades(ctx context.Context, trader string) ([]models.TradeRecord, error)

	// ClaimTrade moves pending -> in_flight. false means another writer won.
	ClaimTrade(ctx context.Context, key models.TradeKey) (bool, error)
	// ReleaseTrade moves in_flight -> pending for a claim that placed no order.
	// false means the record was no longer in flight.
	ReleaseTrade(ctx context.Context, key models.TradeKey) (bool, error)
	// CompleteTrade moves in_flight -> a terminal state.
	CompleteTrade(ctx context.Context, key models.TradeKey, outcome models.TradeOutcome) error
	// MarkTradesSkipped terminates pending or in-flight records without execution.
	MarkTradesSkipped(ctx context.Context, keys []models.TradeKey, attempts int) error
	// SkipAllPending terminates every non-terminal record of a trader.
	SkipAllPending(ctx context.Context, trader string) (int64, error)

	// TrackedPurchases returns the trader's BUY records in a market that still
	// hold mirrored tokens.
	TrackedPurchases(ctx context.Context, trader, conditionID, asset string) ([]models.TradeRecord, error)
	// ScaleTrackedPurchases multiplies MyBoughtSize of those records by factor.
	ScaleTrackedPurchases(ctx context.Context, trader, conditionID, asset string, factor float64) error

	UpsertPositions(ctx context.Context, positions []models.PositionSnapshot) error
	ListPositions(ctx context.Context, wallet string) ([]models.PositionSnapshot, error)

	TradeStats(ctx context.Context) ([]TraderStats, error)
	RecentTrades(ctx context.Context, limit int) ([]models.TradeRecord, error)
}

// TraderStats counts a trader's ledger records by state.
type TraderStats struct {
	Trader   string `json:"trader"`
	Total    int64  `json:"total"`
	Pending  int64  `json:"pending"`
	InFlight int64  `json:"in_flight"`
	Done     int64  `json:"done"`
	Skipped  int64  `json:"skipped"`
	Failed   int64  `json:"failed"`
}

func (s *TraderStats) add(state models.ExecutionState, n int64) {
	s.Total += n
	switch state {
	case models.StatePending:
		s.Pending += n
	case models.StateInFlight:
		s.InFlight += n
	case models.StateDone:
		s.Done += n
	case models.StateSkipped:
		s.Skipped += n
	case models.StateFailedInsufficientFunds:
		s.Failed += n
	}
}

// Ensure all implementations satisfy the interface
var (
	_ TradeLedger = (*Store)(nil)
	_ TradeLedger = (*PostgresStore)(nil)
	_ TradeLedger = (*MockStore)(nil)
)
