// Package tick implements exact price arithmetic on a contract's tick grid.
//
// A tick size is kept as a rational num/den so fractional grids such as 1/32
// never pass through binary floating point.
package tick

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/execbot/internal/types"
)

var half = decimal.RequireFromString("0.5")

// Size is a strictly positive tick size.
type Size struct {
	num decimal.Decimal
	den decimal.Decimal
}

// ParseSize parses "0.25", "0,25" or "1/32".
// A fraction uses the absolute values of its parts; a decimal must be > 0.
func ParseSize(text string) (Size, error) {
	s := strings.ReplaceAll(strings.TrimSpace(text), ",", ".")
	if s == "" {
		return Size{}, fmt.Errorf("%w: empty", types.ErrInvalidTickSize)
	}

	if numStr, denStr, ok := strings.Cut(s, "/"); ok {
		num, err := decimal.NewFromString(strings.TrimSpace(numStr))
		if err != nil {
			return Size{}, fmt.Errorf("%w: %q: %v", types.ErrInvalidTickSize, text, err)
		}
		den, err := decimal.NewFromString(strings.TrimSpace(denStr))
		if err != nil {
			return Size{}, fmt.Errorf("%w: %q: %v", types.ErrInvalidTickSize, text, err)
		}
		if den.IsZero() {
			return Size{}, fmt.Errorf("%w: %q: zero denominator", types.ErrInvalidTickSize, text)
		}
		num, den = num.Abs(), den.Abs()
		if num.IsZero() {
			return Size{}, fmt.Errorf("%w: %q: must be > 0", types.ErrInvalidTickSize, text)
		}
		return Size{num: num, den: den}, nil
	}

	v, err := decimal.NewFromString(s)
	if err != nil {
		return Size{}, fmt.Errorf("%w: %q: %v", types.ErrInvalidTickSize, text, err)
	}
	if !v.IsPositive() {
		return Size{}, fmt.Errorf("%w: %q: must be > 0", types.ErrInvalidTickSize, text)
	}
	return Size{num: v, den: decimal.NewFromInt(1)}, nil
}

// MustParseSize is like ParseSize but panics on error.
func MustParseSize(text string) Size {
	s, err := ParseSize(text)
	if err != nil {
		panic(err)
	}
	return s
}

// IsZero reports whether s is the zero value (no tick size configured).
func (s Size) IsZero() bool {
	return s.den.IsZero()
}

// Decimal returns the tick size as a decimal.
func (s Size) Decimal() decimal.Decimal {
	if s.den.Equal(decimal.NewFromInt(1)) {
		return s.num
	}
	return s.num.Div(s.den)
}

func (s Size) String() string {
	if s.IsZero() {
		return "0"
	}
	if s.den.Equal(decimal.NewFromInt(1)) {
		return s.num.String()
	}
	return s.num.String() + "/" + s.den.String()
}

// Times returns n ticks as a price distance.
func (s Size) Times(n int64) decimal.Decimal {
	return s.scaleDown(s.num.Mul(decimal.NewFromInt(n)))
}

func (s Size) scaleDown(v decimal.Decimal) decimal.Decimal {
	if s.den.Equal(decimal.NewFromInt(1)) {
		return v
	}
	return v.Div(s.den)
}

// AddTicks moves price by n ticks in the take-profit direction of an entry:
// up for a BUY entry, down for a SELL entry.
func AddTicks(price decimal.Decimal, n int, size Size, entry types.OrderSide) decimal.Decimal {
	// price ± n*num/den, computed over the common denominator
	scaled := price.Mul(size.den)
	delta := size.num.Mul(decimal.NewFromInt(int64(n)))
	if entry == types.OrderSideSell {
		return size.scaleDown(scaled.Sub(delta))
	}
	return size.scaleDown(scaled.Add(delta))
}

// RoundToTick rounds price to the nearest multiple of size, halves up.
func RoundToTick(price decimal.Decimal, size Size) decimal.Decimal {
	q := price.Mul(size.den).Div(size.num)
	n := q.Add(half).Floor()
	return size.scaleDown(n.Mul(size.num))
}

// OnGrid reports whether price is an exact multiple of size.
func OnGrid(price decimal.Decimal, size Size) bool {
	return RoundToTick(price, size).Equal(price)
}
