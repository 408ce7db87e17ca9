// Package candlestore persists OHLCV candles in PostgreSQL, one table per
// symbol, keyed by (timestamp, timeframe).
package candlestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ajitpratap0/stratqual/internal/config"
	"github.com/ajitpratap0/stratqual/internal/domain"
)

// Mode selects the durability profile of the store.
type Mode string

const (
	// ModeBacktest relaxes synchronous commit for bulk replay throughput.
	ModeBacktest Mode = "backtest"
	// ModeProduction keeps full durability.
	ModeProduction Mode = "production"
)

// DB is the subset of pgxpool.Pool the store needs. pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store reads and writes candles for any number of symbols.
type Store struct {
	db      DB
	mode    Mode
	ensured map[string]bool
	pool    *pgxpool.Pool
	logger  zerolog.Logger
}

// New creates a Store on an existing connection source.
func New(db DB, mode Mode) *Store {
	return &Store{
		db:      db,
		mode:    mode,
		ensured: make(map[string]bool),
		logger:  config.NewLogger("candlestore"),
	}
}

// Connect opens a pgx pool from cfg and returns a Store that owns it.
func Connect(ctx context.Context, cfg *config.DatabaseConfig, mode Mode) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.PoolSize)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(pool, mode)
	s.pool = pool
	return s, nil
}

// Close releases the pool when the store owns one. Safe to call twice.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

// tableName maps a symbol to its kline table. Symbols come from a fixed
// exchange vocabulary, but sanitize anyway since the name is interpolated.
func tableName(symbol string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(symbol) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String() + "_kline"
}

// EnsureTable creates the symbol's kline table and indexes if missing.
// In backtest mode it also relaxes synchronous commit for the session.
func (s *Store) EnsureTable(ctx context.Context, symbol string) error {
	if s.ensured[symbol] {
		return nil
	}
	table := tableName(symbol)

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		timeframe TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		open NUMERIC NOT NULL,
		high NUMERIC NOT NULL,
		low NUMERIC NOT NULL,
		close NUMERIC NOT NULL,
		volume NUMERIC NOT NULL,
		PRIMARY KEY (timestamp, timeframe)
	)`, table)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}

	idx1 := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_tf_ts ON %s (timeframe, timestamp)", table, table)
	if _, err := s.db.Exec(ctx, idx1); err != nil {
		return fmt.Errorf("failed to create index on %s: %w", table, err)
	}
	idx2 := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (timestamp)", table, table)
	if _, err := s.db.Exec(ctx, idx2); err != nil {
		return fmt.Errorf("failed to create index on %s: %w", table, err)
	}

	if s.mode == ModeBacktest {
		if _, err := s.db.Exec(ctx, "SET synchronous_commit TO off"); err != nil {
			return fmt.Errorf("failed to relax durability: %w", err)
		}
	}

	s.ensured[symbol] = true
	s.logger.Debug().Str("symbol", symbol).Str("table", table).Msg("Candle table ready")
	return nil
}

// AddCandles upserts the batch in one transaction. Re-inserting the same
// (timestamp, timeframe) overwrites the row, so refetches are idempotent.
func (s *Store) AddCandles(ctx context.Context, symbol string, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	if err := s.EnsureTable(ctx, symbol); err != nil {
		return err
	}
	table := tableName(symbol)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stmt := fmt.Sprintf(`INSERT INTO %s (timeframe, timestamp, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (timestamp, timeframe) DO UPDATE SET
		open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		close = EXCLUDED.close, volume = EXCLUDED.volume`, table)

	for _, c := range candles {
		if _, err := tx.Exec(ctx, stmt,
			c.Timeframe, c.Timestamp,
			c.Open.String(), c.High.String(), c.Low.String(),
			c.Close.String(), c.Volume.String(),
		); err != nil {
			return fmt.Errorf("failed to upsert candle %s/%s@%d: %w", symbol, c.Timeframe, c.Timestamp, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit candle batch: %w", err)
	}
	return nil
}

// NextCandle returns the first candle strictly after ts for the timeframe,
// or nil when the table holds none.
func (s *Store) NextCandle(ctx context.Context, symbol string, ts int64, timeframe string) (*domain.Candle, error) {
	if err := s.EnsureTable(ctx, symbol); err != nil {
		return nil, err
	}
	table := tableName(symbol)

	query := fmt.Sprintf(`SELECT timestamp, open::text, high::text, low::text, close::text, volume::text
		FROM %s WHERE timeframe = $1 AND timestamp > $2
		ORDER BY timestamp ASC LIMIT 1`, table)

	c, err := s.scanCandle(s.db.QueryRow(ctx, query, timeframe, ts), symbol, timeframe)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query next candle: %w", err)
	}
	return c, nil
}

// Candles returns up to limit candles with timestamp >= start, ascending.
func (s *Store) Candles(ctx context.Context, symbol, timeframe string, start int64, limit int) ([]domain.Candle, error) {
	if err := s.EnsureTable(ctx, symbol); err != nil {
		return nil, err
	}
	table := tableName(symbol)

	query := fmt.Sprintf(`SELECT timestamp, open::text, high::text, low::text, close::text, volume::text
		FROM %s WHERE timeframe = $1 AND timestamp >= $2
		ORDER BY timestamp ASC LIMIT $3`, table)

	rows, err := s.db.Query(ctx, query, timeframe, start, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		c, err := s.scanCandle(rows, symbol, timeframe)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candle row: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candle rows: %w", err)
	}
	return out, nil
}

func (s *Store) scanCandle(row pgx.Row, symbol, timeframe string) (*domain.Candle, error) {
	var (
		ts             int64
		o, h, l, cl, v string
	)
	if err := row.Scan(&ts, &o, &h, &l, &cl, &v); err != nil {
		return nil, err
	}
	open, err := decimal.NewFromString(o)
	if err != nil {
		return nil, fmt.Errorf("bad open %q: %w", o, err)
	}
	high, err := decimal.NewFromString(h)
	if err != nil {
		return nil, fmt.Errorf("bad high %q: %w", h, err)
	}
	low, err := decimal.NewFromString(l)
	if err != nil {
		return nil, fmt.Errorf("bad low %q: %w", l, err)
	}
	closeP, err := decimal.NewFromString(cl)
	if err != nil {
		return nil, fmt.Errorf("bad close %q: %w", cl, err)
	}
	vol, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("bad volume %q: %w", v, err)
	}
	return &domain.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		Timestamp: ts,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeP,
		Volume:    vol,
	}, nil
}
