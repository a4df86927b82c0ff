package ibkr

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tathienbao/ibkr-agent/internal/broker"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// Inbound message ids.
const (
	inTickPrice      = 1
	inOrderStatus    = 3
	inErrMsg         = 4
	inNextValidID    = 9
	inHistoricalData = 17
	inPosition       = 61
	inPositionEnd    = 62
)

// decodeMessage converts one inbound message into zero or more events.
// Message types the agent does not use decode to nothing.
func decodeMessage(fields []string, now time.Time) ([]broker.Event, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	msgID, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("message id %q: %w", fields[0], err)
	}
	r := newFieldReader(fields[1:])

	var events []broker.Event
	switch msgID {
	case inTickPrice:
		r.skip(1) // version
		ev := broker.TickPrice{
			TickerID: r.int64(),
			TickType: r.int(),
			Price:    r.dec(),
			At:       now,
		}
		events = append(events, ev)

	case inOrderStatus:
		events = append(events, broker.OrderStatus{
			OrderID:      r.int64(),
			Status:       r.str(),
			Filled:       r.quantity(),
			Remaining:    r.quantity(),
			AvgFillPrice: r.dec(),
		})

	case inErrMsg:
		r.skip(1) // version
		events = append(events, broker.ErrorEvent{
			ReqID:   r.int64(),
			Code:    r.int(),
			Message: r.str(),
		})

	case inNextValidID:
		r.skip(1) // version
		events = append(events, broker.NextValidID{OrderID: r.int64()})

	case inPosition:
		r.skip(1) // version
		account := r.str()
		c := broker.Contract{ConID: r.int64(), Symbol: r.str(), SecType: r.str()}
		r.skip(4) // last trade date, strike, right, multiplier
		c.Exchange = r.str()
		c.Currency = r.str()
		r.skip(2) // local symbol, trading class
		events = append(events, broker.Position{
			Account:  account,
			Contract: c,
			Quantity: r.quantity(),
			AvgCost:  r.dec(),
		})

	case inPositionEnd:
		events = append(events, broker.PositionEnd{})

	case inHistoricalData:
		reqID := r.int64()
		start, end := r.str(), r.str()
		count := r.int()
		for i := 0; i < count && r.err == nil; i++ {
			bar := types.Bar{}
			stamp := r.str()
			bar.Open, bar.High, bar.Low, bar.Close = r.dec(), r.dec(), r.dec(), r.dec()
			bar.Volume, bar.WAP = r.dec(), r.dec()
			bar.BarCount = r.int()
			if r.err != nil {
				break
			}
			t, err := parseBarTime(stamp)
			if err != nil {
				return nil, fmt.Errorf("historical bar %d: %w", i, err)
			}
			bar.Time = t
			events = append(events, broker.HistoricalBar{ReqID: reqID, Bar: bar})
		}
		events = append(events, broker.HistoricalDataEnd{ReqID: reqID, Start: start, End: end})

	default:
		return nil, nil
	}

	if r.err != nil {
		return nil, fmt.Errorf("decode message %d: %w", msgID, r.err)
	}
	return events, nil
}

// parseBarTime parses bar stamps in date format 1: "20240102" for daily bars
// and "20240102  09:30:00" for intraday bars, optionally followed by a zone
// name such as "US/Eastern".
func parseBarTime(s string) (time.Time, error) {
	parts := strings.Fields(s)
	switch len(parts) {
	case 1:
		return time.ParseInLocation("20060102", parts[0], time.UTC)
	case 2, 3:
		loc := time.Local
		if len(parts) == 3 {
			l, err := time.LoadLocation(parts[2])
			if err != nil {
				return time.Time{}, fmt.Errorf("bar time zone %q: %w", parts[2], err)
			}
			loc = l
		}
		return time.ParseInLocation("20060102 15:04:05", parts[0]+" "+parts[1], loc)
	default:
		return time.Time{}, fmt.Errorf("bar time %q: unexpected format", s)
	}
}
