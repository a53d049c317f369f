package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/KonssnoK/Polymarket-Copy-Trading-Bot/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresStore is the PostgreSQL ledger.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects with dsn, or builds one from POSTGRES_* env when dsn
// is empty, then bootstraps the schema.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			getEnv("POSTGRES_USER", "copytrader"),
			getEnv("POSTGRES_PASSWORD", "copytrader"),
			getEnv("POSTGRES_HOST", "localhost"),
			getEnv("POSTGRES_PORT", "5432"),
			getEnv("POSTGRES_DB", "copytrader"))
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Close releases database connections
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindTrade(ctx context.Context, key models.TradeKey) (*models.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM copy_trades
		WHERE trader_address = $1 AND transaction_hash = $2`,
		models.NormalizeAddress(key.Trader), key.TxHash)
	if err != nil {
		return nil, fmt.Errorf("postgres: find trade: %w", err)
	}
	recs, err := collectTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: find trade: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return &recs[0], nil
}

// InsertTrade relies on the unique (trader, tx) index: a duplicate is
// reported as not inserted rather than as an error.
func (s *PostgresStore) InsertTrade(ctx context.Context, rec models.TradeRecord) (bool, error) {
	if rec.State == "" {
		rec.State = models.StatePending
	}
	if rec.InsertedAt.IsZero() {
		rec.InsertedAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO copy_trades (
			trader_address, type, timestamp, condition_id, asset, side, size, usdc_size, price,
			transaction_hash, title, slug, event_slug, outcome, outcome_index, name, pseudonym, inserted_at,
			processed, attempts, state, my_bought_size
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		models.NormalizeAddress(rec.TraderAddress), rec.Type, rec.Timestamp, rec.ConditionID, rec.Asset,
		rec.Side, rec.Size, rec.UsdcSize, rec.Price, rec.TransactionHash, rec.Title, rec.Slug,
		rec.EventSlug, rec.Outcome, rec.OutcomeIndex, rec.Name, rec.Pseudonym, rec.InsertedAt.UTC(),
		rec.Processed, rec.Attempts, string(rec.State), rec.MyBoughtSize,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("postgres: insert trade: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) PendingTrades(ctx context.Context, trader string) ([]models.TradeRecord, error) {
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM copy_trades
		WHERE trader_address = $1 AND state = $2
		ORDER BY timestamp ASC, id ASC`,
		models.NormalizeAddress(trader), string(models.StatePending))
}

func (s *PostgresStore) ClaimTrade(ctx context.Context, key models.TradeKey) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE copy_trades SET state = $1, attempts = $2
		WHERE trader_address = $3 AND transaction_hash = $4 AND state = $5`,
		string(models.StateInFlight), models.AttemptsInFlight,
		models.NormalizeAddress(key.Trader), key.TxHash, string(models.StatePending))
	if err != nil {
		return false, fmt.Errorf("postgres: claim trade: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseTrade(ctx context.Context, key models.TradeKey) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE copy_trades SET state = $1, attempts = 0
		WHERE trader_address = $2 AND transaction_hash = $3 AND state = $4`,
		string(models.StatePending),
		models.NormalizeAddress(key.Trader), key.TxHash, string(models.StateInFlight))
	if err != nil {
		return false, fmt.Errorf("postgres: release trade: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompleteTrade(ctx context.Context, key models.TradeKey, outcome models.TradeOutcome) error {
	if !outcome.State.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, outcome.State)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE copy_trades SET state = $1, processed = TRUE, attempts = $2,
			my_bought_size = COALESCE($3, my_bought_size)
		WHERE trader_address = $4 AND transaction_hash = $5 AND state = $6`,
		string(outcome.State), outcome.Attempts, outcome.MyBoughtSize,
		models.NormalizeAddress(key.Trader), key.TxHash, string(models.StateInFlight))
	if err != nil {
		return fmt.Errorf("postgres: complete trade: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	rec, err := s.FindTrade(ctx, key)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, not in flight", ErrInvalidTransition, models.ShortID(key.TxHash), rec.State)
}

func (s *PostgresStore) MarkTradesSkipped(ctx context.Context, keys []models.TradeKey, attempts int) error {
	if len(keys) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, key := range keys {
		batch.Queue(`
			UPDATE copy_trades SET state = $1, processed = TRUE, attempts = $2
			WHERE trader_address = $3 AND transaction_hash = $4 AND state IN ($5, $6)`,
			string(models.StateSkipped), attempts, models.NormalizeAddress(key.Trader), key.TxHash,
			string(models.StatePending), string(models.StateInFlight))
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range keys {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: skip trades: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SkipAllPending(ctx context.Context, trader string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE copy_trades SET state = $1, processed = TRUE, attempts = $2
		WHERE trader_address = $3 AND state IN ($4, $5)`,
		string(models.StateSkipped), models.AttemptsTooOld, models.NormalizeAddress(trader),
		string(models.StatePending), string(models.StateInFlight))
	if err != nil {
		return 0, fmt.Errorf("postgres: skip pending: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) TrackedPurchases(ctx context.Context, trader, conditionID, asset string) ([]models.TradeRecord, error) {
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM copy_trades
		WHERE trader_address = $1 AND condition_id = $2 AND asset = $3 AND side = $4 AND my_bought_size > 0
		ORDER BY timestamp ASC, id ASC`,
		models.NormalizeAddress(trader), conditionID, asset, models.SideBuy)
}

func (s *PostgresStore) ScaleTrackedPurchases(ctx context.Context, trader, conditionID, asset string, factor float64) error {
	if factor < 0 {
		factor = 0
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE copy_trades SET my_bought_size = my_bought_size * $1
		WHERE trader_address = $2 AND condition_id = $3 AND asset = $4 AND side = $5 AND my_bought_size > 0`,
		factor, models.NormalizeAddress(trader), conditionID, asset, models.SideBuy)
	if err != nil {
		return fmt.Errorf("postgres: scale tracked purchases: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertPositions(ctx context.Context, positions []models.PositionSnapshot) error {
	if len(positions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range positions {
		updated := p.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		batch.Queue(`
			INSERT INTO copy_positions (
				proxy_wallet, asset, condition_id, size, avg_price, initial_value, current_value,
				cash_pnl, percent_pnl, total_bought, realized_pnl, percent_realized_pnl, cur_price,
				redeemable, mergeable, title, slug, event_slug, outcome, outcome_index,
				opposite_outcome, opposite_asset, end_date, negative_risk, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
			ON CONFLICT (proxy_wallet, asset, condition_id) DO UPDATE SET
				size = EXCLUDED.size,
				avg_price = EXCLUDED.avg_price,
				initial_value = EXCLUDED.initial_value,
				current_value = EXCLUDED.current_value,
				cash_pnl = EXCLUDED.cash_pnl,
				percent_pnl = EXCLUDED.percent_pnl,
				total_bought = EXCLUDED.total_bought,
				realized_pnl = EXCLUDED.realized_pnl,
				percent_realized_pnl = EXCLUDED.percent_realized_pnl,
				cur_price = EXCLUDED.cur_price,
				redeemable = EXCLUDED.redeemable,
				mergeable = EXCLUDED.mergeable,
				title = EXCLUDED.title,
				slug = EXCLUDED.slug,
				event_slug = EXCLUDED.event_slug,
				outcome = EXCLUDED.outcome,
				outcome_index = EXCLUDED.outcome_index,
				opposite_outcome = EXCLUDED.opposite_outcome,
				opposite_asset = EXCLUDED.opposite_asset,
				end_date = EXCLUDED.end_date,
				negative_risk = EXCLUDED.negative_risk,
				updated_at = EXCLUDED.updated_at`,
			models.NormalizeAddress(p.ProxyWallet), p.Asset, p.ConditionID, p.Size, p.AvgPrice,
			p.InitialValue, p.CurrentValue, p.CashPnl, p.PercentPnl, p.TotalBought, p.RealizedPnl,
			p.PercentRealizedPnl, p.CurPrice, p.Redeemable, p.Mergeable, p.Title, p.Slug,
			p.EventSlug, p.Outcome, p.OutcomeIndex, p.OppositeOutcome, p.OppositeAsset, p.EndDate,
			p.NegativeRisk, updated.UTC())
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range positions {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: upsert positions: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, wallet string) ([]models.PositionSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT proxy_wallet, asset, condition_id, size, avg_price, initial_value, current_value,
			cash_pnl, percent_pnl, total_bought, realized_pnl, percent_realized_pnl, cur_price,
			redeemable, mergeable, title, slug, event_slug, outcome, outcome_index,
			opposite_outcome, opposite_asset, end_date, negative_risk, updated_at
		FROM copy_positions WHERE proxy_wallet = $1
		ORDER BY current_value DESC`, models.NormalizeAddress(wallet))
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var out []models.PositionSnapshot
	for rows.Next() {
		var p models.PositionSnapshot
		if err := rows.Scan(
			&p.ProxyWallet, &p.Asset, &p.ConditionID, &p.Size, &p.AvgPrice, &p.InitialValue,
			&p.CurrentValue, &p.CashPnl, &p.PercentPnl, &p.TotalBought, &p.RealizedPnl,
			&p.PercentRealizedPnl, &p.CurPrice, &p.Redeemable, &p.Mergeable, &p.Title, &p.Slug,
			&p.EventSlug, &p.Outcome, &p.OutcomeIndex, &p.OppositeOutcome, &p.OppositeAsset,
			&p.EndDate, &p.NegativeRisk, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TradeStats(ctx context.Context) ([]TraderStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trader_address, state, COUNT(*) FROM copy_trades
		GROUP BY trader_address, state`)
	if err != nil {
		return nil, fmt.Errorf("postgres: trade stats: %w", err)
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

func (s *PostgresStore) RecentTrades(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryTrades(ctx, `SELECT `+tradeColumns+` FROM copy_trades
		ORDER BY timestamp DESC, id DESC LIMIT $1`, limit)
}

func (s *PostgresStore) queryTrades(ctx context.Context, query string, args ...interface{}) ([]models.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query trades: %w", err)
	}
	return collectTrades(rows)
}

func collectTrades(rows pgx.Rows) ([]models.TradeRecord, error) {
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		var (
			rec   models.TradeRecord
			state string
		)
		if err := rows.Scan(
			&rec.ID, &rec.TraderAddress, &rec.Type, &rec.Timestamp, &rec.ConditionID, &rec.Asset,
			&rec.Side, &rec.Size, &rec.UsdcSize, &rec.Price, &rec.TransactionHash, &rec.Title,
			&rec.Slug, &rec.EventSlug, &rec.Outcome, &rec.OutcomeIndex, &rec.Name, &rec.Pseudonym,
			&rec.InsertedAt, &rec.Processed, &rec.Attempts, &state, &rec.MyBoughtSize,
		); err != nil {
			return nil, err
		}
		rec.State = models.ExecutionState(state)
		out = append(out, rec)
	}
	return out, rows.Err()
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS copy_trades (
	id BIGSERIAL PRIMARY KEY,
	trader_address TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'TRADE',
	timestamp BIGINT NOT NULL,
	condition_id TEXT NOT NULL DEFAULT '',
	asset TEXT NOT NULL DEFAULT '',
	side TEXT NOT NULL DEFAULT '',
	size DOUBLE PRECISION NOT NULL DEFAULT 0,
	usdc_size DOUBLE PRECISION NOT NULL DEFAULT 0,
	price DOUBLE PRECISION NOT NULL DEFAULT 0,
	transaction_hash TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	slug TEXT NOT NULL DEFAULT '',
	event_slug TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	outcome_index INTEGER NOT NULL DEFAULT 0,
	name TEXT NOT NULL DEFAULT '',
	pseudonym TEXT NOT NULL DEFAULT '',
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed BOOLEAN NOT NULL DEFAULT FALSE,
	attempts INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'pending',
	my_bought_size DOUBLE PRECISION NOT NULL DEFAULT 0,
	UNIQUE (trader_address, transaction_hash)
);
CREATE INDEX IF NOT EXISTS idx_copy_trades_state ON copy_trades (trader_address, state, timestamp);
CREATE INDEX IF NOT EXISTS idx_copy_trades_tracked ON copy_trades (trader_address, condition_id, asset, side);
CREATE TABLE IF NOT EXISTS copy_positions (
	proxy_wallet TEXT NOT NULL,
	asset TEXT NOT NULL,
	condition_id TEXT NOT NULL,
	size DOUBLE PRECISION NOT NULL DEFAULT 0,
	avg_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	initial_value DOUBLE PRECISION NOT NULL DEFAULT 0,
	current_value DOUBLE PRECISION NOT NULL DEFAULT 0,
	cash_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
	percent_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_bought DOUBLE PRECISION NOT NULL DEFAULT 0,
	realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
	percent_realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
	cur_price DOUBLE PRECISION NOT NULL DEFAULT 0,
	redeemable BOOLEAN NOT NULL DEFAULT FALSE,
	mergeable BOOLEAN NOT NULL DEFAULT FALSE,
	title TEXT NOT NULL DEFAULT '',
	slug TEXT NOT NULL DEFAULT '',
	event_slug TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	outcome_index INTEGER NOT NULL DEFAULT 0,
	opposite_outcome TEXT NOT NULL DEFAULT '',
	opposite_asset TEXT NOT NULL DEFAULT '',
	end_date TEXT NOT NULL DEFAULT '',
	negative_risk BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (proxy_wallet, asset, condition_id)
);
`
