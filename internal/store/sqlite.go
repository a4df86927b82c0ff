package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-agent/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteBarStore implements BarStore using SQLite.
type SQLiteBarStore struct {
	db *sql.DB
}

// NewSQLiteBarStore opens (or creates) the database at path and migrates it.
func NewSQLiteBarStore(path string) (*SQLiteBarStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteBarStore{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Migrate creates the schema.
func (s *SQLiteBarStore) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			symbol TEXT NOT NULL,
			bar_size TEXT NOT NULL,
			ts INTEGER NOT NULL,
			open TEXT NOT NULL,
			high TEXT NOT NULL,
			low TEXT NOT NULL,
			close TEXT NOT NULL,
			volume TEXT NOT NULL,
			wap TEXT NOT NULL DEFAULT '0',
			bar_count INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (symbol, bar_size, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bars_symbol_ts ON bars(symbol, ts)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// SaveBars upserts bars in one transaction.
func (s *SQLiteBarStore) SaveBars(ctx context.Context, symbol, barSize string, bars []types.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO bars
		(symbol, bar_size, ts, open, high, low, close, volume, wap, bar_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, bar_size, ts) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			wap = excluded.wap,
			bar_count = excluded.bar_count,
			updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	symbol = strings.ToUpper(symbol)
	for _, b := range bars {
		_, err := stmt.ExecContext(ctx,
			symbol,
			barSize,
			b.Time.UTC().Unix(),
			b.Open.String(),
			b.High.String(),
			b.Low.String(),
			b.Close.String(),
			b.Volume.String(),
			b.WAP.String(),
			b.BarCount,
		)
		if err != nil {
			return 0, fmt.Errorf("insert bar %s %s: %w", symbol, b.Time.Format(time.RFC3339), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(bars), nil
}

// LoadBars returns stored bars oldest first.
func (s *SQLiteBarStore) LoadBars(ctx context.Context, symbol, barSize string, from, to time.Time) ([]types.Bar, error) {
	query := `SELECT ts, open, high, low, close, volume, wap, bar_count
		FROM bars WHERE symbol = ? AND bar_size = ?`
	args := []any{strings.ToUpper(symbol), barSize}
	if !from.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, from.UTC().Unix())
	}
	if !to.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, to.UTC().Unix())
	}
	query += ` ORDER BY ts`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bars []types.Bar
	for rows.Next() {
		var ts int64
		var open, high, low, closePx, volume, wap string
		b := types.Bar{Symbol: strings.ToUpper(symbol)}

		if err := rows.Scan(&ts, &open, &high, &low, &closePx, &volume, &wap, &b.BarCount); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		b.Time = time.Unix(ts, 0).UTC()
		if err := parseDecimals(
			decimalField{&b.Open, open},
			decimalField{&b.High, high},
			decimalField{&b.Low, low},
			decimalField{&b.Close, closePx},
			decimalField{&b.Volume, volume},
			decimalField{&b.WAP, wap},
		); err != nil {
			return nil, fmt.Errorf("bar %s at %d: %w", symbol, ts, err)
		}

		bars = append(bars, b)
	}

	return bars, rows.Err()
}

// Latest returns the time of the newest stored bar.
func (s *SQLiteBarStore) Latest(ctx context.Context, symbol, barSize string) (time.Time, bool, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT ts FROM bars WHERE symbol = ? AND bar_size = ? ORDER BY ts DESC LIMIT 1`,
		strings.ToUpper(symbol), barSize,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query latest bar: %w", err)
	}
	return time.Unix(ts, 0).UTC(), true, nil
}

// Count returns the number of stored bars for symbol across bar sizes.
func (s *SQLiteBarStore) Count(ctx context.Context, symbol string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bars WHERE symbol = ?`, strings.ToUpper(symbol)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count bars: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteBarStore) Close() error {
	return s.db.Close()
}

type decimalField struct {
	dst *decimal.Decimal
	raw string
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("parse decimal %q: %w", f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

var _ BarStore = (*SQLiteBarStore)(nil)
