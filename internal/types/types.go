// Package types defines shared types used across the execution engine.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the held direction of a position.
type Side int

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "LONG"
	case SideShort:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// Direction returns 1 for long, -1 for short and 0 for flat.
func (s Side) Direction() int {
	switch s {
	case SideLong:
		return 1
	case SideShort:
		return -1
	default:
		return 0
	}
}

// SideFromDirection maps a signal position (-1, 0, 1) to a Side.
func SideFromDirection(d int) (Side, bool) {
	switch d {
	case 1:
		return SideLong, true
	case -1:
		return SideShort, true
	case 0:
		return SideFlat, true
	default:
		return SideFlat, false
	}
}

// EntrySide returns the order side that opens a position in s.
func (s Side) EntrySide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// MarshalText implements encoding.TextMarshaler.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Side) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "LONG":
		*s = SideLong
	case "SHORT":
		*s = SideShort
	case "FLAT", "":
		*s = SideFlat
	default:
		return fmt.Errorf("unknown side %q", string(b))
	}
	return nil
}

// OrderSide is the side of an order on the wire: 0=BUY, 1=SELL.
type OrderSide int

const (
	OrderSideBuy  OrderSide = 0
	OrderSideSell OrderSide = 1
)

func (s OrderSide) String() string {
	if s == OrderSideSell {
		return "SELL"
	}
	return "BUY"
}

// Opposite returns the other order side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideSell {
		return OrderSideBuy
	}
	return OrderSideSell
}

// PositionSide returns the side a position takes when opened by s.
func (s OrderSide) PositionSide() Side {
	if s == OrderSideSell {
		return SideShort
	}
	return SideLong
}

// Valid reports whether s is BUY or SELL.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType is the closed set of order types the gateway accepts.
// The integer values are the wire codes.
type OrderType int

const (
	OrderTypeLimit        OrderType = 1
	OrderTypeMarket       OrderType = 2
	OrderTypeStop         OrderType = 4
	OrderTypeTrailingStop OrderType = 5
	OrderTypeJoinBid      OrderType = 6
	OrderTypeJoinAsk      OrderType = 7
)

var orderTypeNames = map[OrderType]string{
	OrderTypeLimit:        "LIMIT",
	OrderTypeMarket:       "MARKET",
	OrderTypeStop:         "STOP",
	OrderTypeTrailingStop: "TRAILING_STOP",
	OrderTypeJoinBid:      "JOIN_BID",
	OrderTypeJoinAsk:      "JOIN_ASK",
}

func (t OrderType) String() string {
	if name, ok := orderTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether t is one of the known order types.
func (t OrderType) Valid() bool {
	_, ok := orderTypeNames[t]
	return ok
}

// Priced reports whether an order of type t must carry its own price field.
func (t OrderType) Priced() bool {
	return t == OrderTypeLimit || t == OrderTypeStop || t == OrderTypeTrailingStop
}

// OrderTypeFromWire converts a wire code to an OrderType.
func OrderTypeFromWire(code int) (OrderType, error) {
	t := OrderType(code)
	if !t.Valid() {
		return 0, fmt.Errorf("%w: unknown order type code %d", ErrInvalidOrder, code)
	}
	return t, nil
}

// ParseOrderType accepts a type name (MARKET, limit, ...) or a wire code.
func ParseOrderType(s string) (OrderType, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for t, n := range orderTypeNames {
		if n == name {
			return t, nil
		}
	}
	var code int
	if _, err := fmt.Sscanf(name, "%d", &code); err == nil {
		return OrderTypeFromWire(code)
	}
	return 0, fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, s)
}

// MarshalJSON encodes the wire code and refuses unknown types.
func (t OrderType) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown order type %d", ErrInvalidOrder, int(t))
	}
	return json.Marshal(int(t))
}

// UnmarshalJSON decodes a wire code.
func (t *OrderType) UnmarshalJSON(b []byte) error {
	var code int
	if err := json.Unmarshal(b, &code); err != nil {
		return err
	}
	v, err := OrderTypeFromWire(code)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Signal is a normalized directional signal read from the signal stream.
type Signal struct {
	ID         string `json:"id,omitempty"`
	Timestamp  string `json:"timestamp"`
	Instrument string `json:"instrument"`
	Position   int    `json:"position"`
}

// MinuteKey returns the UTC minute prefix (YYYY-MM-DDTHH:MM) of the timestamp,
// or "unknown" when the timestamp is too short.
func (s Signal) MinuteKey() string {
	if len(s.Timestamp) >= 16 {
		return s.Timestamp[:16]
	}
	return "unknown"
}

// PositionRecord is the persisted form of a position.
type PositionRecord struct {
	Instrument string              `json:"instrument"`
	Side       Side                `json:"side"`
	Qty        int                 `json:"qty"`
	AvgPrice   decimal.NullDecimal `json:"avg_price"`
}

// TradeState is the snapshot persisted between runs.
type TradeState struct {
	Positions map[string]PositionRecord `json:"positions"`
	PnLDay    decimal.Decimal           `json:"pnl_day"`
	LastReset time.Time                 `json:"last_reset"`
}

// NewTradeState returns an empty state stamped with now.
func NewTradeState(now time.Time) TradeState {
	return TradeState{
		Positions: make(map[string]PositionRecord),
		PnLDay:    decimal.Zero,
		LastReset: now.UTC(),
	}
}
