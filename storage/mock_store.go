package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"
)

// MockStore is an in-memory TradeLedger for testing
type MockStore struct {
	mu sync.Mutex

	Trades    map[models.TradeKey]*models.TradeRecord
	Positions map[string]models.PositionSnapshot // wallet:asset:condition
	nextID    int64

	// Call tracking for assertions
	Calls map[string]int

	// Error injection for testing error paths
	ErrorOnNext map[string]error
}

// NewMockStore creates a new mock store
func NewMockStore() *MockStore {
	return &MockStore{
		Trades:      make(map[models.TradeKey]*models.TradeRecord),
		Positions:   make(map[string]models.PositionSnapshot),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockStore) trackCall(name string) error {
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// CallCount returns how often a method was called.
func (m *MockStore) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[name]
}

// Trade returns a copy of a stored record, or nil.
func (m *MockStore) Trade(trader, txHash string) *models.TradeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Trades[models.TradeKey{Trader: models.NormalizeAddress(trader), TxHash: txHash}]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trackCall("Ping")
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trackCall("Close")
}

func normalizeKey(key models.TradeKey) models.TradeKey {
	return models.TradeKey{Trader: models.NormalizeAddress(key.Trader), TxHash: key.TxHash}
}

func (m *MockStore) FindTrade(ctx context.Context, key models.TradeKey) (*models.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("FindTrade"); err != nil {
		return nil, err
	}
	rec, ok := m.Trades[normalizeKey(key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MockStore) InsertTrade(ctx context.Context, rec models.TradeRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("InsertTrade"); err != nil {
		return false, err
	}
	rec.TraderAddress = models.NormalizeAddress(rec.TraderAddress)
	key := rec.Key()
	if _, exists := m.Trades[key]; exists {
		return false, nil
	}
	if rec.State == "" {
		rec.State = models.StatePending
	}
	if rec.InsertedAt.IsZero() {
		rec.InsertedAt = time.Now()
	}
	m.nextID++
	rec.ID = m.nextID
	m.Trades[key] = &rec
	return true, nil
}

func (m *MockStore) sortedTrades(match func(*models.TradeRecord) bool) []models.TradeRecord {
	var out []models.TradeRecord
	for _, rec := range m.Trades {
		if match(rec) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MockStore) PendingTrades(ctx context.Context, trader string) ([]models.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("PendingTrades"); err != nil {
		return nil, err
	}
	trader = models.NormalizeAddress(trader)
	return m.sortedTrades(func(r *models.TradeRecord) bool {
		return r.TraderAddress == trader && r.State == models.StatePending
	}), nil
}

func (m *MockStore) ClaimTrade(ctx context.Context, key models.TradeKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ClaimTrade"); err != nil {
		return false, err
	}
	rec, ok := m.Trades[normalizeKey(key)]
	if !ok || rec.State != models.StatePending {
		return false, nil
	}
	rec.State = models.StateInFlight
	rec.Attempts = models.AttemptsInFlight
	return true, nil
}

func (m *MockStore) ReleaseTrade(ctx context.Context, key models.TradeKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ReleaseTrade"); err != nil {
		return false, err
	}
	rec, ok := m.Trades[normalizeKey(key)]
	if !ok || rec.State != models.StateInFlight {
		return false, nil
	}
	rec.State = models.StatePending
	rec.Attempts = 0
	return true, nil
}

func (m *MockStore) CompleteTrade(ctx context.Context, key models.TradeKey, outcome models.TradeOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("CompleteTrade"); err != nil {
		return err
	}
	if !outcome.State.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, outcome.State)
	}
	rec, ok := m.Trades[normalizeKey(key)]
	if !ok {
		return ErrNotFound
	}
	if rec.State != models.StateInFlight {
		return fmt.Errorf("%w: %s is %s, not in flight", ErrInvalidTransition, models.ShortID(key.TxHash), rec.State)
	}
	rec.State = outcome.State
	rec.Processed = true
	rec.Attempts = outcome.Attempts
	if outcome.MyBoughtSize != nil {
		rec.MyBoughtSize = *outcome.MyBoughtSize
	}
	return nil
}

func (m *MockStore) MarkTradesSkipped(ctx context.Context, keys []models.TradeKey, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("MarkTradesSkipped"); err != nil {
		return err
	}
	for _, key := range keys {
		rec, ok := m.Trades[normalizeKey(key)]
		if !ok || rec.State.Terminal() {
			continue
		}
		rec.State = models.StateSkipped
		rec.Processed = true
		rec.Attempts = attempts
	}
	return nil
}

func (m *MockStore) SkipAllPending(ctx context.Context, trader string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("SkipAllPending"); err != nil {
		return 0, err
	}
	trader = models.NormalizeAddress(trader)
	var n int64
	for _, rec := range m.Trades {
		if rec.TraderAddress != trader || rec.State.Terminal() {
			continue
		}
		rec.State = models.StateSkipped
		rec.Processed = true
		rec.Attempts = models.AttemptsTooOld
		n++
	}
	return n, nil
}

func (m *MockStore) isTracked(r *models.TradeRecord, trader, conditionID, asset string) bool {
	return r.TraderAddress == trader && r.ConditionID == conditionID && r.Asset == asset &&
		r.Side == models.SideBuy && r.MyBoughtSize > 0
}

func (m *MockStore) TrackedPurchases(ctx context.Context, trader, conditionID, asset string) ([]models.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("TrackedPurchases"); err != nil {
		return nil, err
	}
	trader = models.NormalizeAddress(trader)
	return m.sortedTrades(func(r *models.TradeRecord) bool {
		return m.isTracked(r, trader, conditionID, asset)
	}), nil
}

func (m *MockStore) ScaleTrackedPurchases(ctx context.Context, trader, conditionID, asset string, factor float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ScaleTrackedPurchases"); err != nil {
		return err
	}
	if factor < 0 {
		factor = 0
	}
	trader = models.NormalizeAddress(trader)
	for _, rec := range m.Trades {
		if m.isTracked(rec, trader, conditionID, asset) {
			rec.MyBoughtSize *= factor
		}
	}
	return nil
}

func positionKey(p models.PositionSnapshot) string {
	return models.NormalizeAddress(p.ProxyWallet) + ":" + p.Asset + ":" + p.ConditionID
}

func (m *MockStore) UpsertPositions(ctx context.Context, positions []models.PositionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("UpsertPositions"); err != nil {
		return err
	}
	for _, p := range positions {
		p.ProxyWallet = models.NormalizeAddress(p.ProxyWallet)
		m.Positions[positionKey(p)] = p
	}
	return nil
}

func (m *MockStore) ListPositions(ctx context.Context, wallet string) ([]models.PositionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("ListPositions"); err != nil {
		return nil, err
	}
	wallet = models.NormalizeAddress(wallet)
	var out []models.PositionSnapshot
	for _, p := range m.Positions {
		if p.ProxyWallet == wallet {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrentValue > out[j].CurrentValue })
	return out, nil
}

func (m *MockStore) TradeStats(ctx context.Context) ([]TraderStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("TradeStats"); err != nil {
		return nil, err
	}
	byTrader := make(map[string]*TraderStats)
	for _, rec := range m.Trades {
		st, ok := byTrader[rec.TraderAddress]
		if !ok {
			st = &TraderStats{Trader: rec.TraderAddress}
			byTrader[rec.TraderAddress] = st
		}
		st.add(rec.State, 1)
	}
	return sortedStats(byTrader), nil
}

func (m *MockStore) RecentTrades(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.trackCall("RecentTrades"); err != nil {
		return nil, err
	}
	all := m.sortedTrades(func(*models.TradeRecord) bool { return true })
	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
