package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"

	_ "modernc.org/sqlite"
)

// Store is the SQLite ledger for single-host deployments.
type Store struct {
	db *sql.DB
}

// New opens (and creates if needed) the SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("storage: db path is empty")
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("storage: mkdir %s: %w", filepath.Dir(dbPath), err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	store := &Store{db: db}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const tradeColumns = `id, trader_address, type, timestamp, condition_id, asset, side, size, usdc_size, price,
	transaction_hash, title, slug, event_slug, outcome, outcome_index, name, pseudonym, inserted_at,
	processed, attempts, state, my_bought_size`

func (s *Store) FindTrade(ctx context.Context, key models.TradeKey) (*models.TradeRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE trader_address = ? AND transaction_hash = ?`,
		models.NormalizeAddress(key.Trader), key.TxHash)

	rec, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: find trade: %w", err)
	}
	return rec, nil
}

func (s *Store) InsertTrade(ctx context.Context, rec models.TradeRecord) (bool, error) {
	if rec.State == "" {
		rec.State = models.StatePending
	}
	if rec.InsertedAt.IsZero() {
		rec.InsertedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (
			trader_address, type, timestamp, condition_id, asset, side, size, usdc_size, price,
			transaction_hash, title, slug, event_slug, outcome, outcome_index, name, pseudonym, inserted_at,
			processed, attempts, state, my_bought_size
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trader_address, transaction_hash) DO NOTHING`,
		models.NormalizeAddress(rec.TraderAddress), rec.Type, rec.Timestamp, rec.ConditionID, rec.Asset,
		rec.Side, rec.Size, rec.UsdcSize, rec.Price, rec.TransactionHash, rec.Title, rec.Slug,
		rec.EventSlug, rec.Outcome, rec.OutcomeIndex, rec.Name, rec.Pseudonym, timeString(rec.InsertedAt),
		boolToInt(rec.Processed), rec.Attempts, string(rec.State), rec.MyBoughtSize,
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) PendingTrades(ctx context.Context, trader string) ([]models.TradeRecord, error) {
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE trader_address = ? AND state = ?
		ORDER BY timestamp ASC, id ASC`,
		models.NormalizeAddress(trader), string(models.StatePending))
}

func (s *Store) ClaimTrade(ctx context.Context, key models.TradeKey) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades SET state = ?, attempts = ?
		WHERE trader_address = ? AND transaction_hash = ? AND state = ?`,
		string(models.StateInFlight), models.AttemptsInFlight,
		models.NormalizeAddress(key.Trader), key.TxHash, string(models.StatePending),
	)
	if err != nil {
		return false, fmt.Errorf("storage: claim trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ReleaseTrade(ctx context.Context, key models.TradeKey) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades SET state = ?, attempts = 0
		WHERE trader_address = ? AND transaction_hash = ? AND state = ?`,
		string(models.StatePending),
		models.NormalizeAddress(key.Trader), key.TxHash, string(models.StateInFlight),
	)
	if err != nil {
		return false, fmt.Errorf("storage: release trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) CompleteTrade(ctx context.Context, key models.TradeKey, outcome models.TradeOutcome) error {
	if !outcome.State.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, outcome.State)
	}

	var bought sql.NullFloat64
	if outcome.MyBoughtSize != nil {
		bought = sql.NullFloat64{Float64: *outcome.MyBoughtSize, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE trades SET state = ?, processed = 1, attempts = ?,
			my_bought_size = COALESCE(?, my_bought_size)
		WHERE trader_address = ? AND transaction_hash = ? AND state = ?`,
		string(outcome.State), outcome.Attempts, bought,
		models.NormalizeAddress(key.Trader), key.TxHash, string(models.StateInFlight),
	)
	if err != nil {
		return fmt.Errorf("storage: complete trade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	rec, err := s.FindTrade(ctx, key)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, not in flight", ErrInvalidTransition, models.ShortID(key.TxHash), rec.State)
}

func (s *Store) MarkTradesSkipped(ctx context.Context, keys []models.TradeKey, attempts int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE trades SET state = ?, processed = 1, attempts = ?
		WHERE trader_address = ? AND transaction_hash = ? AND state IN (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, key := range keys {
		if _, err := stmt.ExecContext(ctx, string(models.StateSkipped), attempts,
			models.NormalizeAddress(key.Trader), key.TxHash,
			string(models.StatePending), string(models.StateInFlight)); err != nil {
			return fmt.Errorf("storage: skip trade %s: %w", models.ShortID(key.TxHash), err)
		}
	}
	return tx.Commit()
}

func (s *Store) SkipAllPending(ctx context.Context, trader string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trades SET state = ?, processed = 1, attempts = ?
		WHERE trader_address = ? AND state IN (?, ?)`,
		string(models.StateSkipped), models.AttemptsTooOld, models.NormalizeAddress(trader),
		string(models.StatePending), string(models.StateInFlight),
	)
	if err != nil {
		return 0, fmt.Errorf("storage: skip pending: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) TrackedPurchases(ctx context.Context, trader, conditionID, asset string) ([]models.TradeRecord, error) {
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE trader_address = ? AND condition_id = ? AND asset = ? AND side = ? AND my_bought_size > 0
		ORDER BY timestamp ASC, id ASC`,
		models.NormalizeAddress(trader), conditionID, asset, models.SideBuy)
}

func (s *Store) ScaleTrackedPurchases(ctx context.Context, trader, conditionID, asset string, factor float64) error {
	if factor < 0 {
		factor = 0
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE trades SET my_bought_size = my_bought_size * ?
		WHERE trader_address = ? AND condition_id = ? AND asset = ? AND side = ? AND my_bought_size > 0`,
		factor, models.NormalizeAddress(trader), conditionID, asset, models.SideBuy)
	if err != nil {
		return fmt.Errorf("storage: scale tracked purchases: %w", err)
	}
	return nil
}

func (s *Store) UpsertPositions(ctx context.Context, positions []models.PositionSnapshot) error {
	if len(positions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO positions (
			proxy_wallet, asset, condition_id, size, avg_price, initial_value, current_value,
			cash_pnl, percent_pnl, total_bought, realized_pnl, percent_realized_pnl, cur_price,
			redeemable, mergeable, title, slug, event_slug, outcome, outcome_index,
			opposite_outcome, opposite_asset, end_date, negative_risk, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(proxy_wallet, asset, condition_id) DO UPDATE SET
			size = excluded.size,
			avg_price = excluded.avg_price,
			initial_value = excluded.initial_value,
			current_value = excluded.current_value,
			cash_pnl = excluded.cash_pnl,
			percent_pnl = excluded.percent_pnl,
			total_bought = excluded.total_bought,
			realized_pnl = excluded.realized_pnl,
			percent_realized_pnl = excluded.percent_realized_pnl,
			cur_price = excluded.cur_price,
			redeemable = excluded.redeemable,
			mergeable = excluded.mergeable,
			title = excluded.title,
			slug = excluded.slug,
			event_slug = excluded.event_slug,
			outcome = excluded.outcome,
			outcome_index = excluded.outcome_index,
			opposite_outcome = excluded.opposite_outcome,
			opposite_asset = excluded.opposite_asset,
			end_date = excluded.end_date,
			negative_risk = excluded.negative_risk,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range positions {
		updated := p.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			models.NormalizeAddress(p.ProxyWallet), p.Asset, p.ConditionID, p.Size, p.AvgPrice,
			p.InitialValue, p.CurrentValue, p.CashPnl, p.PercentPnl, p.TotalBought, p.RealizedPnl,
			p.PercentRealizedPnl, p.CurPrice, boolToInt(p.Redeemable), boolToInt(p.Mergeable),
			p.Title, p.Slug, p.EventSlug, p.Outcome, p.OutcomeIndex, p.OppositeOutcome,
			p.OppositeAsset, p.EndDate, boolToInt(p.NegativeRisk), timeString(updated),
		); err != nil {
			return fmt.Errorf("storage: upsert position %s: %w", models.ShortID(p.Asset), err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListPositions(ctx context.Context, wallet string) ([]models.PositionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT proxy_wallet, asset, condition_id, size, avg_price, initial_value, current_value,
			cash_pnl, percent_pnl, total_bought, realized_pnl, percent_realized_pnl, cur_price,
			redeemable, mergeable, title, slug, event_slug, outcome, outcome_index,
			opposite_outcome, opposite_asset, end_date, negative_risk, updated_at
		FROM positions WHERE proxy_wallet = ?
		ORDER BY current_value DESC`, models.NormalizeAddress(wallet))
	if err != nil {
		return nil, fmt.Errorf("storage: list positions: %w", err)
	}
	defer rows.Close()

	var out []models.PositionSnapshot
	for rows.Next() {
		var p models.PositionSnapshot
		var redeemable, mergeable, negRisk int
		var updated sql.NullString
		if err := rows.Scan(
			&p.ProxyWallet, &p.Asset, &p.ConditionID, &p.Size, &p.AvgPrice, &p.InitialValue,
			&p.CurrentValue, &p.CashPnl, &p.PercentPnl, &p.TotalBought, &p.RealizedPnl,
			&p.PercentRealizedPnl, &p.CurPrice, &redeemable, &mergeable, &p.Title, &p.Slug,
			&p.EventSlug, &p.Outcome, &p.OutcomeIndex, &p.OppositeOutcome, &p.OppositeAsset,
			&p.EndDate, &negRisk, &updated,
		); err != nil {
			return nil, err
		}
		p.Redeemable = redeemable == 1
		p.Mergeable = mergeable == 1
		p.NegativeRisk = negRisk == 1
		p.UpdatedAt = parseTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) TradeStats(ctx context.Context) ([]TraderStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trader_address, state, COUNT(*) FROM trades
		GROUP BY trader_address, state`)
	if err != nil {
		return nil, fmt.Errorf("storage: trade stats: %w", err)
	}
	defer rows.Close()

	byTrader := make(map[string]*TraderStats)
	for rows.Next() {
		var (
			trader, state string
			n             int64
		)
		if err := rows.Scan(&trader, &state, &n); err != nil {
			return nil, err
		}
		st, ok := byTrader[trader]
		if !ok {
			st = &TraderStats{Trader: trader}
			byTrader[trader] = st
		}
		st.add(models.ExecutionState(state), n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sortedStats(byTrader), nil
}

func (s *Store) RecentTrades(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM trades
		ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

func (s *Store) queryTrades(ctx context.Context, query string, args ...interface{}) ([]models.TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query trades: %w", err)
	}
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(row rowScanner) (*models.TradeRecord, error) {
	var (
		rec       models.TradeRecord
		inserted  sql.NullString
		processed int
		state     string
	)
	if err := row.Scan(
		&rec.ID, &rec.TraderAddress, &rec.Type, &rec.Timestamp, &rec.ConditionID, &rec.Asset,
		&rec.Side, &rec.Size, &rec.UsdcSize, &rec.Price, &rec.TransactionHash, &rec.Title,
		&rec.Slug, &rec.EventSlug, &rec.Outcome, &rec.OutcomeIndex, &rec.Name, &rec.Pseudonym,
		&inserted, &processed, &rec.Attempts, &state, &rec.MyBoughtSize,
	); err != nil {
		return nil, err
	}
	rec.InsertedAt = parseTime(inserted)
	rec.Processed = processed == 1
	rec.State = models.ExecutionState(state)
	return &rec, nil
}

func sortedStats(byTrader map[string]*TraderStats) []TraderStats {
	out := make([]TraderStats, 0, len(byTrader))
	for _, st := range byTrader {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trader < out[j].Trader })
	return out
}

func (s *Store) runMigrations(ctx context.Context) error {
	for _, stmt := range strings.Split(sqliteSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate: %w", err)
		}
	}
	return nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trader_address TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'TRADE',
	timestamp INTEGER NOT NULL,
	condition_id TEXT NOT NULL DEFAULT '',
	asset TEXT NOT NULL DEFAULT '',
	side TEXT NOT NULL DEFAULT '',
	size REAL NOT NULL DEFAULT 0,
	usdc_size REAL NOT NULL DEFAULT 0,
	price REAL NOT NULL DEFAULT 0,
	transaction_hash TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	slug TEXT NOT NULL DEFAULT '',
	event_slug TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	outcome_index INTEGER NOT NULL DEFAULT 0,
	name TEXT NOT NULL DEFAULT '',
	pseudonym TEXT NOT NULL DEFAULT '',
	inserted_at TEXT,
	processed INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'pending',
	my_bought_size REAL NOT NULL DEFAULT 0,
	UNIQUE(trader_address, transaction_hash)
);
CREATE INDEX IF NOT EXISTS idx_trades_state ON trades(trader_address, state, timestamp);
CREATE INDEX IF NOT EXISTS idx_trades_tracked ON trades(trader_address, condition_id, asset, side);
CREATE TABLE IF NOT EXISTS positions (
	proxy_wallet TEXT NOT NULL,
	asset TEXT NOT NULL,
	condition_id TEXT NOT NULL,
	size REAL NOT NULL DEFAULT 0,
	avg_price REAL NOT NULL DEFAULT 0,
	initial_value REAL NOT NULL DEFAULT 0,
	current_value REAL NOT NULL DEFAULT 0,
	cash_pnl REAL NOT NULL DEFAULT 0,
	percent_pnl REAL NOT NULL DEFAULT 0,
	total_bought REAL NOT NULL DEFAULT 0,
	realized_pnl REAL NOT NULL DEFAULT 0,
	percent_realized_pnl REAL NOT NULL DEFAULT 0,
	cur_price REAL NOT NULL DEFAULT 0,
	redeemable INTEGER NOT NULL DEFAULT 0,
	mergeable INTEGER NOT NULL DEFAULT 0,
	title TEXT NOT NULL DEFAULT '',
	slug TEXT NOT NULL DEFAULT '',
	event_slug TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	outcome_index INTEGER NOT NULL DEFAULT 0,
	opposite_outcome TEXT NOT NULL DEFAULT '',
	opposite_asset TEXT NOT NULL DEFAULT '',
	end_date TEXT NOT NULL DEFAULT '',
	negative_risk INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT,
	PRIMARY KEY (proxy_wallet, asset, condition_id)
)
`

func timeString(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
