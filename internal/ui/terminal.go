// Package ui renders command results for the terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-agent/internal/execution"
	"github.com/tathienbao/ibkr-agent/internal/ledger"
	"github.com/tathienbao/ibkr-agent/internal/types"
	"golang.org/x/term"
)

// ANSI escape codes
const (
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorRed    = "\033[31m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorDim    = "\033[2m"
	ColorBold   = "\033[1m"
)

var sparks = []rune("▁▂▃▄▅▆▇█")

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Printer writes tables and summaries. Colors are used only on terminals.
type Printer struct {
	w     io.Writer
	color bool
	width int
}

// NewPrinter creates a printer for f.
func NewPrinter(f *os.File) *Printer {
	color := IsTerminal(f)
	width := 80
	if color {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			width = w
		}
	}
	return &Printer{w: f, color: color, width: width}
}

// NewPlainPrinter creates a colorless printer of the given width.
func NewPlainPrinter(w io.Writer, width int) *Printer {
	if width <= 0 {
		width = 80
	}
	return &Printer{w: w, width: width}
}

func (p *Printer) paint(color, s string) string {
	if !p.color {
		return s
	}
	return color + s + ColorReset
}

// Positions prints the position table.
func (p *Printer) Positions(records []ledger.Record) {
	if len(records) == 0 {
		fmt.Fprintln(p.w, p.paint(ColorDim, "no positions"))
		return
	}

	fmt.Fprintln(p.w, p.paint(ColorBold, fmt.Sprintf("%-12s %-8s %-5s %-4s %10s %12s", "ACCOUNT", "SYMBOL", "TYPE", "CCY", "QTY", "AVG COST")))
	for _, r := range records {
		qty := fmt.Sprintf("%10d", r.Quantity)
		switch {
		case r.Quantity > 0:
			qty = p.paint(ColorGreen, qty)
		case r.Quantity < 0:
			qty = p.paint(ColorRed, qty)
		}
		fmt.Fprintf(p.w, "%-12s %-8s %-5s %-4s %s %12s\n",
			r.Account, r.Symbol, r.SecType, r.Currency, qty, r.AvgCost.StringFixed(4))
	}
}

// Position prints a single net position.
func (p *Printer) Position(symbol string, qty int64) {
	fmt.Fprintf(p.w, "%s %d\n", p.paint(ColorBold, symbol), qty)
}

// Report prints an execution report, one line per slice.
func (p *Printer) Report(r *execution.Report) {
	if r == nil {
		fmt.Fprintln(p.w, p.paint(ColorDim, "already at target, no orders sent"))
		return
	}

	status := string(r.Status)
	switch r.Status {
	case execution.StatusCompleted:
		status = p.paint(ColorGreen, status)
	case execution.StatusIncomplete, execution.StatusFailed:
		status = p.paint(ColorRed, status)
	default:
		status = p.paint(ColorYellow, status)
	}

	fmt.Fprintf(p.w, "%s %s %s %d -> %d (final %d) %s\n",
		p.paint(ColorBold, r.Symbol), r.Side, status, r.Initial, r.Target, r.Final,
		p.paint(ColorDim, "task "+r.TaskID))
	for _, s := range r.Slices {
		mark := p.paint(ColorGreen, "ok")
		if !s.Reached {
			mark = p.paint(ColorRed, "missed")
		}
		fmt.Fprintf(p.w, "  slice %d target %d holding %d attempts %d orders %d %s %s\n",
			s.Index, s.Target, s.Holding, s.Attempts, len(s.OrderIDs), s.Duration.Round(time.Millisecond), mark)
	}
}

// Bars prints a one-line summary with a close-price sparkline.
func (p *Printer) Bars(symbol string, bars []types.Bar) {
	if len(bars) == 0 {
		fmt.Fprintf(p.w, "%-8s %s\n", symbol, p.paint(ColorDim, "no bars"))
		return
	}
	first, last := bars[0], bars[len(bars)-1]

	change := decimal.Zero
	if !first.Close.IsZero() {
		change = last.Close.Sub(first.Close).Div(first.Close).Mul(decimal.NewFromInt(100))
	}
	pct := fmt.Sprintf("%+.2f%%", change.InexactFloat64())
	if change.IsNegative() {
		pct = p.paint(ColorRed, pct)
	} else {
		pct = p.paint(ColorGreen, pct)
	}

	header := fmt.Sprintf("%-8s %4d bars %s..%s close %s %s ",
		symbol, len(bars), first.Time.Format("2006-01-02"), last.Time.Format("2006-01-02"), last.Close.String(), pct)
	room := p.width - len(header) + len(pct) - len(stripColor(pct))
	fmt.Fprintln(p.w, header+p.paint(ColorCyan, Sparkline(bars, room)))
}

// Sparkline renders the most recent closes as block characters, at most
// width runes wide.
func Sparkline(bars []types.Bar, width int) string {
	if width <= 0 || len(bars) == 0 {
		return ""
	}
	if len(bars) > width {
		bars = bars[len(bars)-width:]
	}

	lo, hi := bars[0].Close, bars[0].Close
	for _, b := range bars[1:] {
		lo = decimal.Min(lo, b.Close)
		hi = decimal.Max(hi, b.Close)
	}
	span := hi.Sub(lo)
	top := decimal.NewFromInt(int64(len(sparks) - 1))

	var sb strings.Builder
	for _, b := range bars {
		idx := 0
		if !span.IsZero() {
			idx = int(b.Close.Sub(lo).Div(span).Mul(top).Round(0).IntPart())
		}
		sb.WriteRune(sparks[idx])
	}
	return sb.String()
}

func stripColor(s string) string {
	for _, c := range []string{ColorReset, ColorGreen, ColorRed, ColorYellow, ColorCyan, ColorDim, ColorBold} {
		s = strings.ReplaceAll(s, c, "")
	}
	return s
}
