package marketdata

import (
	"sync"

	"github.com/tathienbao/ibkr-agent/internal/broker"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// History accumulates bars of in-progress historical requests.
type History struct {
	mu      sync.Mutex
	symbols map[int64]string
	bars    map[int64][]types.Bar
}

// NewHistory creates an empty collector.
func NewHistory() *History {
	return &History{
		symbols: make(map[int64]string),
		bars:    make(map[int64][]types.Bar),
	}
}

// Start opens a collection for reqID. Bars of an earlier collection under
// the same id are discarded.
func (h *History) Start(reqID int64, symbol string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.symbols[reqID] = symbol
	h.bars[reqID] = nil
}

// Add appends a bar. Bars for ids without an open collection are dropped.
func (h *History) Add(ev broker.HistoricalBar) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	symbol, ok := h.symbols[ev.ReqID]
	if !ok {
		return false
	}
	bar := ev.Bar
	bar.Symbol = symbol
	h.bars[ev.ReqID] = append(h.bars[ev.ReqID], bar)
	return true
}

// Finish closes the collection for reqID and returns its bars.
func (h *History) Finish(reqID int64) ([]types.Bar, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.symbols[reqID]; !ok {
		return nil, false
	}
	bars := h.bars[reqID]
	delete(h.symbols, reqID)
	delete(h.bars, reqID)
	return bars, true
}

// Discard drops an open collection.
func (h *History) Discard(reqID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.symbols, reqID)
	delete(h.bars, reqID)
}
