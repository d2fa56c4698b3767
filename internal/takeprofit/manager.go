// Package takeprofit computes and places take-profit LIMIT orders after an entry.
package takeprofit

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/execbot/internal/broker"
	"github.com/tathienbao/execbot/internal/orders"
	"github.com/tathienbao/execbot/internal/tick"
	"github.com/tathienbao/execbot/internal/types"
)

// Manager builds take-profit orders from a fill price.
type Manager struct {
	tickSizes map[string]tick.Size
	ticks     *int
	builder   *orders.Builder
}

// NewManager creates a manager. ticks is the default tick count; nil means
// every order must carry an override.
func NewManager(tickSizes map[string]tick.Size, ticks *int, builder *orders.Builder) *Manager {
	return &Manager{tickSizes: tickSizes, ticks: ticks, builder: builder}
}

// TickSize returns the configured tick size for a contract.
func (m *Manager) TickSize(contractID string) (tick.Size, error) {
	ts, ok := m.tickSizes[contractID]
	if !ok || ts.IsZero() {
		return tick.Size{}, fmt.Errorf("%w: contracts.%s.tick_size", types.ErrMissingTickSize, contractID)
	}
	return ts, nil
}

// Request describes the entry a take-profit protects.
type Request struct {
	AccountID     int64
	ContractID    string
	EntrySide     types.OrderSide
	Size          int
	EntrySize     int // zero skips the size <= entry check
	FillPrice     decimal.Decimal
	LinkedOrderID *int64
	OverrideTicks *int
}

// Price returns the take-profit limit: the fill moved ticks in the entry's
// favour, rounded to the tick grid.
func Price(fill decimal.Decimal, ticks int, size tick.Size, entry types.OrderSide) decimal.Decimal {
	return tick.RoundToTick(tick.AddTicks(fill, ticks, size, entry), size)
}

// BuildTPOrder returns a LIMIT order on the opposite side of the entry.
func (m *Manager) BuildTPOrder(r Request) (broker.OrderRequest, error) {
	ticks := m.ticks
	if r.OverrideTicks != nil {
		ticks = r.OverrideTicks
	}
	if ticks == nil {
		return broker.OrderRequest{}, fmt.Errorf("%w: take_profit.ticks", types.ErrMissingTickCount)
	}
	if *ticks < 0 {
		return broker.OrderRequest{}, fmt.Errorf("%w: tick count %d is negative", types.ErrInvalidOrder, *ticks)
	}

	ts, err := m.TickSize(r.ContractID)
	if err != nil {
		return broker.OrderRequest{}, err
	}

	if r.Size <= 0 {
		return broker.OrderRequest{}, fmt.Errorf("%w: take-profit size must be > 0, got %d", types.ErrInvalidOrder, r.Size)
	}
	if r.EntrySize > 0 && r.Size > r.EntrySize {
		return broker.OrderRequest{}, fmt.Errorf("%w: take-profit size %d exceeds entry size %d", types.ErrInvalidOrder, r.Size, r.EntrySize)
	}

	limit := Price(r.FillPrice, *ticks, ts, r.EntrySide)

	opts := []orders.Option{
		orders.WithContract(r.ContractID),
		orders.WithLinkedOrder(r.LinkedOrderID),
		orders.WithTag(orders.NewCustomTag("tp")),
	}
	if r.AccountID != 0 {
		opts = append(opts, orders.WithAccount(r.AccountID))
	}
	return m.builder.BuildLimit(r.EntrySide.Opposite(), r.Size, decimal.NewNullDecimal(limit), opts...)
}
