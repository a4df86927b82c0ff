// Package marketdata holds streamed prices and collects historical bars.
package marketdata

import (
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-agent/internal/broker"
)

// Quote is the latest known prices of one instrument.
type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Last   decimal.Decimal
	LastAt time.Time
}

// HasLast reports whether a last trade price has been seen.
func (q Quote) HasLast() bool {
	return !q.LastAt.IsZero()
}

// Book maps ticker ids to symbols and keeps their latest quote.
type Book struct {
	mu      sync.RWMutex
	tickers map[int64]string
	quotes  map[string]*Quote
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{
		tickers: make(map[int64]string),
		quotes:  make(map[string]*Quote),
	}
}

// Track associates a ticker id with a symbol.
func (b *Book) Track(tickerID int64, symbol string) {
	symbol = strings.ToUpper(symbol)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.tickers[tickerID] = symbol
	if _, ok := b.quotes[symbol]; !ok {
		b.quotes[symbol] = &Quote{Symbol: symbol}
	}
}

// Symbol returns the symbol tracked under tickerID.
func (b *Book) Symbol(tickerID int64) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.tickers[tickerID]
	return s, ok
}

// Update applies a tick. It returns the symbol and whether the tick set the
// last trade price. Ticks for unknown ticker ids are dropped.
func (b *Book) Update(t broker.TickPrice) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	symbol, ok := b.tickers[t.TickerID]
	if !ok {
		return "", false
	}
	q := b.quotes[symbol]

	switch t.TickType {
	case broker.TickBid:
		q.Bid = t.Price
	case broker.TickAsk:
		q.Ask = t.Price
	case broker.TickLast:
		if !t.Price.IsPositive() {
			return symbol, false
		}
		q.Last = t.Price
		q.LastAt = t.At
		if q.LastAt.IsZero() {
			q.LastAt = time.Now()
		}
		return symbol, true
	}
	return symbol, false
}

// Last returns the latest trade price for symbol.
func (b *Book) Last(symbol string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.quotes[strings.ToUpper(symbol)]
	if !ok || !q.HasLast() {
		return decimal.Zero, false
	}
	return q.Last, true
}

// Quote returns a copy of the quote for symbol.
func (b *Book) Quote(symbol string) (Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, ok := b.quotes[strings.ToUpper(symbol)]
	if !ok {
		return Quote{}, false
	}
	return *q, true
}
