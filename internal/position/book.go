// Package position keeps the authoritative per-instrument position record.
package position

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/execbot/internal/types"
)

// Position is what is currently held in one instrument.
// Side is FLAT exactly when Qty is 0.
type Position struct {
	Instrument string
	Side       types.Side
	Qty        int
	AvgPrice   decimal.NullDecimal
}

// Fill is a confirmed order execution.
type Fill struct {
	Instrument string
	Side       types.OrderSide
	Qty        int
	Price      decimal.NullDecimal
}

// Book holds positions by instrument. It is owned by the decision loop and
// is not safe for concurrent use.
type Book struct {
	positions map[string]*Position
	pnlDay    decimal.Decimal
	lastReset time.Time
}

// NewBook creates an empty book.
func NewBook(now time.Time) *Book {
	return &Book{
		positions: make(map[string]*Position),
		pnlDay:    decimal.Zero,
		lastReset: now.UTC(),
	}
}

// FromState rebuilds a book from a persisted snapshot.
func FromState(st types.TradeState) *Book {
	b := NewBook(st.LastReset)
	b.pnlDay = st.PnLDay
	for inst, rec := range st.Positions {
		if rec.Instrument == "" {
			rec.Instrument = inst
		}
		p := &Position{Instrument: rec.Instrument, Side: rec.Side, Qty: rec.Qty, AvgPrice: rec.AvgPrice}
		normalize(p)
		b.positions[inst] = p
	}
	return b
}

// Get returns the position for instrument, creating a FLAT record if absent.
func (b *Book) Get(instrument string) Position {
	p, ok := b.positions[instrument]
	if !ok {
		p = &Position{Instrument: instrument, Side: types.SideFlat}
		b.positions[instrument] = p
	}
	return *p
}

// ApplyFill nets a confirmed fill into the instrument's position.
// An opposite-side fill closes first and any remainder opens in the fill's side;
// a same-side fill adds.
func (b *Book) ApplyFill(f Fill) Position {
	if f.Qty <= 0 {
		return b.Get(f.Instrument)
	}
	b.Get(f.Instrument)
	p := b.positions[f.Instrument]
	fillSide := f.Side.PositionSide()

	switch {
	case p.Side == types.SideFlat || p.Qty == 0:
		p.Side = fillSide
		p.Qty = f.Qty
		p.AvgPrice = f.Price

	case p.Side == fillSide:
		p.AvgPrice = weightedAvg(p.AvgPrice, p.Qty, f.Price, f.Qty)
		p.Qty += f.Qty

	default:
		closing := min(p.Qty, f.Qty)
		b.realize(p, closing, f.Price)
		p.Qty -= closing
		if rest := f.Qty - closing; rest > 0 {
			p.Side = fillSide
			p.Qty = rest
			p.AvgPrice = f.Price
		}
	}

	normalize(p)
	return *p
}

// Close realizes instrument's whole position at exit and resets it to FLAT.
// It returns the realized amount in price points times quantity, zero when
// exit or the average price is unknown.
func (b *Book) Close(instrument string, exit decimal.NullDecimal) decimal.Decimal {
	p, ok := b.positions[instrument]
	if !ok || p.Qty == 0 {
		return decimal.Zero
	}
	before := b.pnlDay
	b.realize(p, p.Qty, exit)
	b.Flatten(instrument)
	return b.pnlDay.Sub(before)
}

// Flatten resets one instrument to FLAT.
func (b *Book) Flatten(instrument string) {
	if p, ok := b.positions[instrument]; ok {
		p.Side = types.SideFlat
		p.Qty = 0
		p.AvgPrice = decimal.NullDecimal{}
	}
}

// FlattenAll resets every instrument to FLAT.
func (b *Book) FlattenAll() {
	for inst := range b.positions {
		b.Flatten(inst)
	}
}

// ResetDay clears the day's realized P&L when the UTC day has changed.
func (b *Book) ResetDay(now time.Time) bool {
	now = now.UTC()
	if sameDay(b.lastReset, now) {
		return false
	}
	b.pnlDay = decimal.Zero
	b.lastReset = now
	return true
}

// PnLDay returns realized P&L in price points since the last reset.
func (b *Book) PnLDay() decimal.Decimal {
	return b.pnlDay
}

// Instruments returns the known instruments in sorted order.
func (b *Book) Instruments() []string {
	out := make([]string, 0, len(b.positions))
	for inst := range b.positions {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// State returns a persistable copy of the book.
func (b *Book) State() types.TradeState {
	st := types.TradeState{
		Positions: make(map[string]types.PositionRecord, len(b.positions)),
		PnLDay:    b.pnlDay,
		LastReset: b.lastReset,
	}
	for inst, p := range b.positions {
		st.Positions[inst] = types.PositionRecord{
			Instrument: p.Instrument,
			Side:       p.Side,
			Qty:        p.Qty,
			AvgPrice:   p.AvgPrice,
		}
	}
	return st
}

func (b *Book) realize(p *Position, qty int, exit decimal.NullDecimal) {
	if !p.AvgPrice.Valid || !exit.Valid || qty <= 0 {
		return
	}
	diff := exit.Decimal.Sub(p.AvgPrice.Decimal)
	if p.Side == types.SideShort {
		diff = diff.Neg()
	}
	b.pnlDay = b.pnlDay.Add(diff.Mul(decimal.NewFromInt(int64(qty))))
}

func weightedAvg(a decimal.NullDecimal, aQty int, c decimal.NullDecimal, cQty int) decimal.NullDecimal {
	if !a.Valid {
		return c
	}
	if !c.Valid {
		return a
	}
	total := decimal.NewFromInt(int64(aQty + cQty))
	sum := a.Decimal.Mul(decimal.NewFromInt(int64(aQty))).Add(c.Decimal.Mul(decimal.NewFromInt(int64(cQty))))
	return decimal.NewNullDecimal(sum.Div(total))
}

func normalize(p *Position) {
	if p.Qty <= 0 {
		p.Qty = 0
		p.Side = types.SideFlat
		p.AvgPrice = decimal.NullDecimal{}
		return
	}
	if p.Side == types.SideFlat {
		p.Qty = 0
		p.AvgPrice = decimal.NullDecimal{}
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
