package ibkr

import (
	"fmt"

	"github.com/tathienbao/ibkr-agent/internal/broker"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// Outbound message ids.
const (
	outReqMktData         = 1
	outCancelMktData      = 2
	outPlaceOrder         = 3
	outCancelOrder        = 4
	outReqIDs             = 8
	outReqHistoricalData  = 20
	outReqGlobalCancel    = 58
	outReqPositions       = 61
	outCancelPositions    = 64
	outStartAPI           = 71
	minClientVersion      = 100
	maxClientVersion      = 151
	historicalDateFormat  = 1
	defaultHistoryShowing = "ADJUSTED_LAST"
)

// encodeRequest serialises req into a message body.
func encodeRequest(req broker.Request) ([]byte, error) {
	switch r := req.(type) {
	case broker.ReqIDs:
		return newFieldWriter(outReqIDs).int(1).int(1).bytes(), nil

	case broker.ReqPositions:
		return newFieldWriter(outReqPositions).int(1).bytes(), nil

	case broker.CancelPositions:
		return newFieldWriter(outCancelPositions).int(1).bytes(), nil

	case broker.GlobalCancel:
		return newFieldWriter(outReqGlobalCancel).int(1).bytes(), nil

	case broker.CancelOrder:
		return newFieldWriter(outCancelOrder).int(1).int64(r.OrderID).bytes(), nil

	case broker.CancelMarketData:
		return newFieldWriter(outCancelMktData).int(2).int64(r.TickerID).bytes(), nil

	case broker.ReqMarketData:
		if err := r.Contract.Validate(); err != nil {
			return nil, err
		}
		w := newFieldWriter(outReqMktData).int(11).int64(r.TickerID)
		writeContract(w, r.Contract)
		w.bool(false) // delta neutral
		w.str("")     // generic tick list
		w.bool(false) // snapshot
		w.bool(false) // regulatory snapshot
		w.str("")     // options
		return w.bytes(), nil

	case broker.ReqHistoricalData:
		if err := r.Contract.Validate(); err != nil {
			return nil, err
		}
		show := r.WhatToShow
		if show == "" {
			show = defaultHistoryShowing
		}
		w := newFieldWriter(outReqHistoricalData).int64(r.ReqID)
		writeContract(w, r.Contract)
		w.bool(false) // include expired
		w.str(r.EndDateTime)
		w.str(r.BarSize)
		w.str(r.Duration)
		w.bool(r.UseRTH)
		w.str(show)
		w.int(historicalDateFormat)
		w.bool(false) // keep up to date
		w.str("")     // chart options
		return w.bytes(), nil

	case broker.PlaceOrder:
		return encodePlaceOrder(r)

	default:
		return nil, fmt.Errorf("%w: %T", broker.ErrUnsupportedRequest, req)
	}
}

func writeContract(w *fieldWriter, c broker.Contract) {
	w.int64(c.ConID)
	w.str(c.Symbol)
	w.str(c.SecType)
	w.str("")  // last trade date
	w.str("0") // strike
	w.str("")  // right
	w.str("")  // multiplier
	w.str(c.Exchange)
	w.str(c.PrimaryExchange)
	w.str(c.Currency)
	w.str("") // local symbol
	w.str("") // trading class
}

func encodePlaceOrder(r broker.PlaceOrder) ([]byte, error) {
	if err := r.Contract.Validate(); err != nil {
		return nil, err
	}
	o := r.Order
	if o.Quantity <= 0 {
		return nil, fmt.Errorf("quantity %d: %w", o.Quantity, types.ErrInvalidOrderSize)
	}
	if o.Action != types.ActionBuy && o.Action != types.ActionSell {
		return nil, fmt.Errorf("order action %s: %w", o.Action, broker.ErrUnsupportedRequest)
	}

	w := newFieldWriter(outPlaceOrder).int64(r.OrderID)
	writeContract(w, r.Contract)
	w.str("") // sec id type
	w.str("") // sec id

	w.str(o.Action.String())
	w.int64(o.Quantity)
	switch o.Type {
	case types.OrderTypeLimit:
		if !o.LimitPrice.IsPositive() {
			return nil, fmt.Errorf("limit price %s: %w", o.LimitPrice, types.ErrNoReferencePrice)
		}
		w.str(string(o.Type))
		w.dec(o.LimitPrice, false)
	case types.OrderTypeMarket:
		w.str(string(o.Type))
		w.str("")
	default:
		return nil, fmt.Errorf("order type %q: %w", o.Type, types.ErrUnknownOrderType)
	}
	w.str("") // aux price

	tif := o.TIF
	if tif == "" {
		tif = "DAY"
	}
	w.str(tif)
	w.str("") // oca group
	w.str("") // account
	w.str("") // open/close
	w.int(0)  // origin: customer
	w.str(o.OrderRef)
	w.bool(o.Transmit)
	w.int(0)      // parent id
	w.bool(false) // block order
	w.bool(false) // sweep to fill
	w.int(0)      // display size
	w.int(0)      // trigger method
	w.bool(false) // outside RTH
	w.bool(false) // hidden

	// The remaining attributes are sent at their gateway defaults, in the
	// order the gateway expects for server versions up to maxClientVersion.
	w.str("")  // shares allocation (deprecated)
	w.str("0") // discretionary amount
	w.empty(2) // good after time, good till date
	w.empty(3) // FA group, method, percentage
	w.str("")  // FA profile
	w.str("")  // model code
	w.int(0)   // short sale slot
	w.str("")  // designated location
	w.int(-1)  // exempt code
	w.int(0)   // OCA type
	w.str("")  // rule 80A
	w.str("")  // settling firm
	w.bool(false)
	w.str("")     // min qty
	w.str("")     // percent offset
	w.bool(false) // e-trade only
	w.bool(false) // firm quote only
	w.str("")     // NBBO price cap
	w.int(0)      // auction strategy
	w.empty(5)    // starting price, stock ref price, delta, stock range lower/upper
	w.bool(false) // override percentage constraints
	w.empty(2)    // volatility, volatility type
	w.str("")     // delta neutral order type
	w.str("")     // delta neutral aux price
	w.bool(false) // continuous update
	w.str("")     // reference price type
	w.empty(2)    // trail stop price, trailing percent
	w.empty(3)    // scale init/subs level size, price increment
	w.empty(3)    // scale table, active start/stop time
	w.str("")     // hedge type
	w.bool(false) // opt out smart routing
	w.empty(2)    // clearing account, intent
	w.bool(false) // not held
	w.bool(false) // delta neutral contract
	w.str("")     // algo strategy
	w.str("")     // algo id
	w.bool(false) // what-if
	w.str("")     // misc options
	w.bool(false) // solicited
	w.bool(false) // randomize size
	w.bool(false) // randomize price
	w.int(0)      // conditions
	w.str("")     // adjusted order type
	w.empty(6)    // trigger price .. adjustable trailing unit
	w.str("")     // ext operator
	w.empty(2)    // soft dollar tier
	w.str("")     // cash qty
	w.empty(4)    // MiFID II fields
	w.bool(false) // don't use auto price for hedge
	w.bool(false) // OMS container
	w.bool(false) // discretionary up to limit price
	w.str("")     // use price management algo

	return w.bytes(), nil
}

// encodeStartAPI builds the message that starts the API session.
func encodeStartAPI(clientID int) []byte {
	return newFieldWriter(outStartAPI).int(2).int(clientID).str("").bytes()
}

// handshakePrefix is the raw connect preamble followed by the framed
// supported version range.
func handshakePrefix() []byte {
	out := []byte("API\x00")
	return append(out, frame([]byte(fmt.Sprintf("v%d..%d", minClientVersion, maxClientVersion)))...)
}
