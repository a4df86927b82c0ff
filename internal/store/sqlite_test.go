package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

func setupTestDB(t *testing.T) *SQLiteBarStore {
	t.Helper()

	s, err := NewSQLiteBarStore(filepath.Join(t.TempDir(), "bars.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dailyBar(day int, closePx string) types.Bar {
	c := decimal.RequireFromString(closePx)
	return types.Bar{
		Symbol:   "SPY",
		Time:     time.Date(2026, 10, day, 0, 0, 0, 0, time.UTC),
		Open:     c.Sub(decimal.NewFromInt(1)),
		High:     c.Add(decimal.NewFromInt(2)),
		Low:      c.Sub(decimal.NewFromInt(3)),
		Close:    c,
		Volume:   decimal.NewFromInt(1200),
		WAP:      c.Sub(decimal.RequireFromString("0.25")),
		BarCount: 300 + day,
	}
}

func TestSQLiteBarStore_SaveAndLoad(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	bars := []types.Bar{dailyBar(14, "510.5"), dailyBar(13, "509"), dailyBar(15, "512.25")}
	n, err := s.SaveBars(ctx, "spy", "1 day", bars)
	if err != nil {
		t.Fatalf("SaveBars() error = %v", err)
	}
	if n != 3 {
		t.Errorf("SaveBars() = %d, want 3", n)
	}

	got, err := s.LoadBars(ctx, "SPY", "1 day", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("LoadBars() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("LoadBars() returned %d bars, want 3", len(got))
	}
	if got[0].Time.Day() != 13 || got[2].Time.Day() != 15 {
		t.Errorf("bars not ordered oldest first: %v, %v", got[0].Time, got[2].Time)
	}

	want := dailyBar(15, "512.25")
	last := got[2]
	if !last.Close.Equal(want.Close) || !last.WAP.Equal(want.WAP) || !last.Low.Equal(want.Low) {
		t.Errorf("bar = %+v, want %+v", last, want)
	}
	if last.BarCount != 315 || last.Symbol != "SPY" {
		t.Errorf("bar meta = %d %s", last.BarCount, last.Symbol)
	}
}

func TestSQLiteBarStore_Upsert(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if _, err := s.SaveBars(ctx, "SPY", "1 day", []types.Bar{dailyBar(14, "510")}); err != nil {
		t.Fatalf("SaveBars() error = %v", err)
	}
	if _, err := s.SaveBars(ctx, "SPY", "1 day", []types.Bar{dailyBar(14, "511")}); err != nil {
		t.Fatalf("SaveBars() error = %v", err)
	}

	n, err := s.Count(ctx, "SPY")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}

	got, _ := s.LoadBars(ctx, "SPY", "1 day", time.Time{}, time.Time{})
	if !got[0].Close.Equal(decimal.NewFromInt(511)) {
		t.Errorf("close = %s, want 511 (last write wins)", got[0].Close)
	}
}

func TestSQLiteBarStore_Range(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	var bars []types.Bar
	for d := 5; d <= 15; d++ {
		bars = append(bars, dailyBar(d, "500"))
	}
	if _, err := s.SaveBars(ctx, "SPY", "1 day", bars); err != nil {
		t.Fatalf("SaveBars() error = %v", err)
	}
	if _, err := s.SaveBars(ctx, "SPY", "1 hour", bars[:2]); err != nil {
		t.Fatalf("SaveBars() error = %v", err)
	}

	tests := []struct {
		name     string
		barSize  string
		from, to time.Time
		want     int
	}{
		{"all daily", "1 day", time.Time{}, time.Time{}, 11},
		{"from only", "1 day", time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC), time.Time{}, 3},
		{"to only", "1 day", time.Time{}, time.Date(2026, 10, 6, 0, 0, 0, 0, time.UTC), 2},
		{"window", "1 day", time.Date(2026, 10, 8, 0, 0, 0, 0, time.UTC), time.Date(2026, 10, 10, 0, 0, 0, 0, time.UTC), 3},
		{"other bar size", "1 hour", time.Time{}, time.Time{}, 2},
		{"unknown bar size", "5 mins", time.Time{}, time.Time{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.LoadBars(ctx, "SPY", tt.barSize, tt.from, tt.to)
			if err != nil {
				t.Fatalf("LoadBars() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("LoadBars() = %d bars, want %d", len(got), tt.want)
			}
		})
	}
}

func TestSQLiteBarStore_Latest(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if _, ok, err := s.Latest(ctx, "SPY", "1 day"); err != nil || ok {
		t.Fatalf("Latest() on empty store = %v, %v", ok, err)
	}

	if _, err := s.SaveBars(ctx, "SPY", "1 day", []types.Bar{dailyBar(9, "1"), dailyBar(12, "1")}); err != nil {
		t.Fatalf("SaveBars() error = %v", err)
	}

	latest, ok, err := s.Latest(ctx, "SPY", "1 day")
	if err != nil || !ok {
		t.Fatalf("Latest() = %v, %v", ok, err)
	}
	if !latest.Equal(time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Latest() = %v, want 2026-10-12", latest)
	}
}

func TestSQLiteBarStore_SaveEmpty(t *testing.T) {
	s := setupTestDB(t)

	n, err := s.SaveBars(context.Background(), "SPY", "1 day", nil)
	if err != nil || n != 0 {
		t.Errorf("SaveBars(nil) = %d, %v", n, err)
	}
}

func TestSQLiteBarStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.db")
	ctx := context.Background()

	s, err := NewSQLiteBarStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.SaveBars(ctx, "QQQ", "1 day", []types.Bar{dailyBar(1, "400")}); err != nil {
		t.Fatalf("SaveBars() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = NewSQLiteBarStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	n, err := s.Count(ctx, "QQQ")
	if err != nil || n != 1 {
		t.Errorf("Count() after reopen = %d, %v", n, err)
	}
}
