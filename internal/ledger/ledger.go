// Package ledger keeps the account's position table.
//
// Rows are keyed by (account, contract id) and are only ever upserted. While
// a snapshot is in progress rows are staged and merged on Commit, so readers
// never see a half-applied snapshot.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-agent/internal/broker"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// Key identifies a position row.
type Key struct {
	Account string
	ConID   int64
}

// Record is one position row.
type Record struct {
	Key
	Symbol    string
	SecType   string
	Currency  string
	Quantity  int64
	AvgCost   decimal.Decimal
	UpdatedAt time.Time
}

// SnapshotRequester issues a position snapshot request and blocks until the
// snapshot end marker has been processed.
type SnapshotRequester interface {
	RequestPositions(ctx context.Context) error
}

// SnapshotFunc adapts a function to SnapshotRequester.
type SnapshotFunc func(ctx context.Context) error

// RequestPositions calls f.
func (f SnapshotFunc) RequestPositions(ctx context.Context) error { return f(ctx) }

// Ledger is the position table.
type Ledger struct {
	account   string
	requester SnapshotRequester
	logger    *slog.Logger

	mu          sync.RWMutex
	rows        map[Key]*Record
	order       []Key
	staging     map[Key]Record
	staged      []Key
	inSnapshot  bool
	lateEnds    int
	refreshedAt time.Time
}

// New creates a ledger. When account is non-empty only rows of that account
// count toward net positions.
func New(account string, requester SnapshotRequester, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		account:   account,
		requester: requester,
		logger:    logger,
		rows:      make(map[Key]*Record),
	}
}

func keyFor(p broker.Position) Key {
	k := Key{Account: p.Account, ConID: p.Contract.ConID}
	if k.ConID == 0 {
		// Paper venues may omit contract ids; fall back to a symbol key.
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.ToUpper(p.Contract.Symbol) + "/" + p.Contract.SecType))
		k.ConID = -int64(h.Sum32() & 0x7fffffff)
	}
	return k
}

// Begin starts staging a snapshot. Rows staged by an earlier unfinished
// snapshot are discarded.
func (l *Ledger) Begin() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.inSnapshot = true
	l.staging = make(map[Key]Record)
	l.staged = l.staged[:0]
}

// Abort discards a snapshot in progress.
func (l *Ledger) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.inSnapshot = false
	l.staging = nil
	l.staged = nil
}

// Apply upserts one position row, or stages it during a snapshot.
func (l *Ledger) Apply(p broker.Position) {
	rec := Record{
		Key:       keyFor(p),
		Symbol:    strings.ToUpper(p.Contract.Symbol),
		SecType:   p.Contract.SecType,
		Currency:  p.Contract.Currency,
		Quantity:  p.Quantity,
		AvgCost:   p.AvgCost,
		UpdatedAt: time.Now(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inSnapshot {
		if _, seen := l.staging[rec.Key]; !seen {
			l.staged = append(l.staged, rec.Key)
		}
		l.staging[rec.Key] = rec
		return
	}
	l.upsert(rec)
}

func (l *Ledger) upsert(rec Record) {
	if cur, ok := l.rows[rec.Key]; ok {
		*cur = rec
		return
	}
	r := rec
	l.rows[rec.Key] = &r
	l.order = append(l.order, rec.Key)
}

// End handles a snapshot end marker. The marker of a snapshot abandoned
// after its request went out is dropped and End reports false; otherwise
// the staged rows are committed.
func (l *Ledger) End() (int, bool) {
	l.mu.Lock()
	if l.lateEnds > 0 {
		l.lateEnds--
		l.mu.Unlock()
		l.logger.Debug("dropping end marker of abandoned snapshot")
		return 0, false
	}
	l.mu.Unlock()
	return l.Commit(), true
}

// Reset forgets end markers still owed by abandoned snapshots. Called when
// the gateway session is lost.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lateEnds = 0
}

// Commit merges the staged snapshot. It returns the number of rows merged.
func (l *Ledger) Commit() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, k := range l.staged {
		l.upsert(l.staging[k])
		n++
	}
	l.inSnapshot = false
	l.staging = nil
	l.staged = nil
	l.refreshedAt = time.Now()
	return n
}

// Refresh requests a fresh snapshot and returns the resulting table.
func (l *Ledger) Refresh(ctx context.Context) ([]Record, error) {
	if l.requester == nil {
		return nil, fmt.Errorf("refresh positions: no snapshot requester")
	}

	l.Begin()
	if err := l.requester.RequestPositions(ctx); err != nil {
		l.Abort()
		if answerPending(err) {
			l.mu.Lock()
			l.lateEnds++
			l.mu.Unlock()
		}
		return nil, fmt.Errorf("refresh positions: %w", err)
	}

	l.logger.Debug("positions refreshed", "rows", l.Len())
	return l.Table(), nil
}

// answerPending reports whether err left a sent snapshot request whose end
// marker may still arrive.
func answerPending(err error) bool {
	if errors.Is(err, types.ErrSendFailed) {
		return false
	}
	return errors.Is(err, types.ErrRequestTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// NetPosition sums the signed quantity of every row matching the contract.
func (l *Ledger) NetPosition(c broker.Contract) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var net int64
	for _, r := range l.rows {
		if l.account != "" && r.Account != l.account {
			continue
		}
		if !strings.EqualFold(r.Symbol, c.Symbol) || !strings.EqualFold(r.SecType, c.SecType) {
			continue
		}
		net += r.Quantity
	}
	return net
}

// Table returns a copy of the rows in first-seen order.
func (l *Ledger) Table() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0, len(l.order))
	for _, k := range l.order {
		out = append(out, *l.rows[k])
	}
	return out
}

// Len returns the number of rows.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rows)
}

// RefreshedAt returns the time of the last committed snapshot.
func (l *Ledger) RefreshedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.refreshedAt
}
