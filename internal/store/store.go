// Package store persists downloaded historical bars.
package store

import (
	"context"
	"time"

	"github.com/tathienbao/ibkr-agent/internal/types"
)

// BarStore saves and loads bars keyed by (symbol, bar size, bar time).
type BarStore interface {
	// SaveBars upserts bars and returns how many rows were written.
	SaveBars(ctx context.Context, symbol, barSize string, bars []types.Bar) (int, error)
	// LoadBars returns bars with from <= time <= to, oldest first. A zero
	// bound is open.
	LoadBars(ctx context.Context, symbol, barSize string, from, to time.Time) ([]types.Bar, error)
	// Latest returns the time of the newest stored bar.
	Latest(ctx context.Context, symbol, barSize string) (time.Time, bool, error)

	Close() error
}
