package types

import (
	"errors"
	"testing"
)

// TestAction_String tests Action string conversion.
func TestAction_String(t *testing.T) {
	tests := []struct {
		action Action
		want   string
	}{
		{ActionBuy, "BUY"},
		{ActionSell, "SELL"},
		{ActionNone, "NONE"},
		{Action(99), "NONE"},
	}

	for _, tt := range tests {
		if got := tt.action.String(); got != tt.want {
			t.Errorf("Action(%d).String() = %s, want %s", tt.action, got, tt.want)
		}
	}
}

// TestAction_Opposite tests direction flip.
func TestAction_Opposite(t *testing.T) {
	tests := []struct {
		action Action
		want   Action
	}{
		{ActionBuy, ActionSell},
		{ActionSell, ActionBuy},
		{ActionNone, ActionNone},
	}

	for _, tt := range tests {
		if got := tt.action.Opposite(); got != tt.want {
			t.Errorf("Action(%s).Opposite() = %s, want %s", tt.action, got, tt.want)
		}
	}
}

func TestActionForDelta(t *testing.T) {
	tests := []struct {
		delta int64
		want  Action
		sign  int64
	}{
		{150, ActionBuy, 1},
		{-20, ActionSell, -1},
		{0, ActionNone, 0},
	}

	for _, tt := range tests {
		got := ActionForDelta(tt.delta)
		if got != tt.want {
			t.Errorf("ActionForDelta(%d) = %s, want %s", tt.delta, got, tt.want)
		}
		if got.Sign() != tt.sign {
			t.Errorf("ActionForDelta(%d).Sign() = %d, want %d", tt.delta, got.Sign(), tt.sign)
		}
	}
}

func TestParseOrderType(t *testing.T) {
	tests := []struct {
		in      string
		want    OrderType
		wantErr bool
	}{
		{"LIMIT", OrderTypeLimit, false},
		{"lmt", OrderTypeLimit, false},
		{"", OrderTypeLimit, false},
		{"MARKET", OrderTypeMarket, false},
		{"MKT", OrderTypeMarket, false},
		{"STP", "", true},
	}

	for _, tt := range tests {
		got, err := ParseOrderType(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownOrderType) {
				t.Errorf("ParseOrderType(%q) error = %v, want ErrUnknownOrderType", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseOrderType(%q) = %s, %v; want %s", tt.in, got, err, tt.want)
		}
	}
}

func TestAbs(t *testing.T) {
	if Abs(-50) != 50 || Abs(50) != 50 || Abs(0) != 0 {
		t.Error("Abs returned wrong value")
	}
}
