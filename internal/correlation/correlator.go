// Package correlation turns the gateway's callback-driven responses into
// blocking calls.
//
// Each request category owns one slot. A caller reserves the slot, sends
// exactly one request and blocks until the event router completes (or
// fails) the pending request, the context ends, or the request timeout
// fires. Every request gets its own completion channel, so a completion that
// belonged to an earlier request can never satisfy a later one.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tathienbao/ibkr-agent/internal/metrics"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// Category groups requests that share a completion slot.
type Category int

const (
	CategoryAccountData Category = iota
	CategoryIdentifierAllocation
	CategoryOrderStatus
	CategoryMarketData
	CategoryHistoricalBars
)

func (c Category) String() string {
	switch c {
	case CategoryAccountData:
		return "account-data"
	case CategoryIdentifierAllocation:
		return "identifier-allocation"
	case CategoryOrderStatus:
		return "order-status"
	case CategoryMarketData:
		return "market-data"
	case CategoryHistoricalBars:
		return "historical-bars"
	default:
		return "unknown"
	}
}

// AnyID matches a completion carrying any identifier. Used for requests the
// gateway answers without echoing an id (position snapshots, id grants).
const AnyID int64 = -1

// Pending is one outstanding request.
type Pending struct {
	ID       int64
	Category Category
	Started  time.Time

	done     chan struct{}
	finished bool
	payload  any
	err      error
}

// Correlator pairs outbound requests with their inbound completions.
type Correlator struct {
	timeout  time.Duration
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu    sync.Mutex
	slots map[Category]*Pending

	nextOrderID atomic.Int64
}

// New creates a correlator. A zero timeout waits until the context ends.
func New(timeout time.Duration, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Correlator{
		timeout:  timeout,
		logger:   logger,
		recorder: metrics.NewRecorder(),
		slots:    make(map[Category]*Pending),
	}
	c.nextOrderID.Store(-1)

	return c
}

// Do reserves the category slot, calls send once and waits for the matching
// completion. It returns types.ErrRequestInFlight, without touching the
// outstanding request, when the slot is already taken.
func (c *Correlator) Do(ctx context.Context, cat Category, id int64, send func() error) (any, error) {
	return c.DoTimeout(ctx, cat, id, c.timeout, send)
}

// DoTimeout is Do with a per-call timeout in place of the default.
func (c *Correlator) DoTimeout(ctx context.Context, cat Category, id int64, timeout time.Duration, send func() error) (any, error) {
	p, err := c.begin(cat, id)
	if err != nil {
		c.recorder.RecordRequest(cat.String(), "in_flight", 0)
		return nil, err
	}
	defer c.release(p)

	if err := send(); err != nil {
		c.recorder.RecordRequest(cat.String(), "send_error", time.Since(p.Started))
		return nil, fmt.Errorf("%w: %s request: %w", types.ErrSendFailed, cat, err)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-p.done:
		outcome := "ok"
		if p.err != nil {
			outcome = "failed"
		}
		c.recorder.RecordRequest(cat.String(), outcome, time.Since(p.Started))
		return p.payload, p.err
	case <-ctx.Done():
		c.recorder.RecordRequest(cat.String(), "cancelled", time.Since(p.Started))
		return nil, ctx.Err()
	case <-expired:
		c.recorder.RecordRequest(cat.String(), "timeout", time.Since(p.Started))
		c.logger.Warn("gateway request timed out",
			"category", cat.String(),
			"id", id,
			"timeout", timeout,
		)
		return nil, fmt.Errorf("%s id=%d: %w", cat, id, types.ErrRequestTimeout)
	}
}

func (c *Correlator) begin(cat Category, id int64) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.slots[cat]; ok {
		return nil, fmt.Errorf("%s (pending id=%d): %w", cat, cur.ID, types.ErrRequestInFlight)
	}

	p := &Pending{
		ID:       id,
		Category: cat,
		Started:  time.Now(),
		done:     make(chan struct{}),
	}
	c.slots[cat] = p
	return p, nil
}

func (c *Correlator) release(p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.slots[p.Category] == p {
		delete(c.slots, p.Category)
	}
}

// Complete delivers payload to the pending request of cat whose id matches.
// It reports whether a request was completed.
func (c *Correlator) Complete(cat Category, id int64, payload any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.slots[cat]
	if !ok || p.finished {
		return false
	}
	if p.ID != AnyID && p.ID != id {
		return false
	}

	p.payload = payload
	p.finished = true
	close(p.done)
	return true
}

// Fail completes every pending request whose id equals id with err. When
// cats is non-empty only requests of those categories are considered.
// Requests registered with AnyID are never failed by id.
func (c *Correlator) Fail(id int64, err error, cats ...Category) bool {
	if id < 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	failed := false
	for cat, p := range c.slots {
		if p.finished || p.ID != id {
			continue
		}
		if len(cats) > 0 && !slices.Contains(cats, cat) {
			continue
		}
		p.err = err
		p.finished = true
		close(p.done)
		failed = true
	}
	return failed
}

// FailAll fails every outstanding request, e.g. on connection loss.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, p := range c.slots {
		if p.finished {
			continue
		}
		p.err = err
		p.finished = true
		close(p.done)
		n++
	}
	return n
}

// InFlight reports whether cat has an outstanding request.
func (c *Correlator) InFlight(cat Category) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.slots[cat]
	return ok
}

// SetNextOrderID records an identifier grant. The counter never moves
// backwards, so a stale grant cannot cause an id collision.
func (c *Correlator) SetNextOrderID(id int64) {
	for {
		cur := c.nextOrderID.Load()
		if id <= cur {
			return
		}
		if c.nextOrderID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// NextOrderID returns the next usable order identifier, or -1 before the
// first grant.
func (c *Correlator) NextOrderID() int64 {
	return c.nextOrderID.Load()
}

// IsTimeout reports whether err came from the request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, types.ErrRequestTimeout)
}
