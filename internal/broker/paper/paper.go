// Package paper provides a simulated execution engine for dry runs.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/execbot/internal/broker"
	"github.com/tathienbao/execbot/internal/metrics"
	"github.com/tathienbao/execbot/internal/tick"
	"github.com/tathienbao/execbot/internal/types"
)

// Config holds simulator configuration.
type Config struct {
	AccountID        int64
	DefaultFillPrice decimal.Decimal
	// TickSize and SlippageTicks move market fills against the order side.
	TickSize      tick.Size
	SlippageTicks int
	// FillDelay hides a new fill from GetOpenPositions until it has elapsed.
	FillDelay time.Duration
}

// DefaultConfig returns default simulator config.
func DefaultConfig() Config {
	return Config{
		DefaultFillPrice: decimal.NewFromInt(100),
	}
}

type simPosition struct {
	size     int // signed: >0 long, <0 short
	avgPrice decimal.Decimal
	filledAt time.Time
}

// Engine implements broker.ExecutionEngine without a network.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder
	now      func() time.Time

	state       atomic.Int32
	nextOrderID atomic.Int64

	mu        sync.RWMutex
	positions map[string]*simPosition
	working   map[int64]broker.WorkingOrder
	sent      []broker.OrderRequest
	trades    []broker.Trade
	fillPrice map[string]decimal.Decimal
}

// NewEngine creates a connected simulator.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultFillPrice.IsZero() {
		cfg.DefaultFillPrice = decimal.NewFromInt(100)
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		recorder:  metrics.NewRecorder(),
		now:       time.Now,
		positions: make(map[string]*simPosition),
		working:   make(map[int64]broker.WorkingOrder),
		fillPrice: make(map[string]decimal.Decimal),
	}
	e.state.Store(int32(broker.StateConnected))
	return e
}

// WithClock replaces the simulator's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Name returns "paper".
func (e *Engine) Name() string {
	return "paper"
}

// State returns the connection state.
func (e *Engine) State() broker.ConnectionState {
	return broker.ConnectionState(e.state.Load())
}

// Connect marks the simulator connected.
func (e *Engine) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.state.Store(int32(broker.StateConnected))
	e.recorder.RecordBrokerStatus(true)
	e.logger.Info("paper engine connected", "fill_price", e.cfg.DefaultFillPrice.String())
	return nil
}

// Disconnect marks the simulator disconnected; further calls fail.
func (e *Engine) Disconnect() {
	e.state.Store(int32(broker.StateDisconnected))
	e.recorder.RecordBrokerStatus(false)
	e.logger.Info("paper engine disconnected")
}

// SetFillPrice overrides the fill price for one contract.
func (e *Engine) SetFillPrice(contractID string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fillPrice[contractID] = price
}

// PlaceOrder accepts every valid order. Non-resting orders fill immediately at
// the configured price; LIMIT orders rest as working orders.
func (e *Engine) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.PlaceResponse, error) {
	if err := e.check(ctx); err != nil {
		return broker.PlaceResponse{}, err
	}
	if req.Size <= 0 || req.ContractID == "" || !req.Type.Valid() || !req.Side.Valid() ||
		(req.Type == types.OrderTypeLimit && req.LimitPrice == nil) {
		msg := fmt.Sprintf("rejected: invalid order %+v", req)
		code := 2
		return broker.PlaceResponse{Success: false, ErrorCode: &code, ErrorMessage: &msg}, nil
	}

	id := e.nextOrderID.Add(1)

	e.mu.Lock()
	e.sent = append(e.sent, req)
	if req.Type == types.OrderTypeLimit {
		e.working[id] = broker.WorkingOrder{
			ID:            id,
			AccountID:     req.AccountID,
			ContractID:    req.ContractID,
			Type:          int(req.Type),
			Side:          int(req.Side),
			Size:          req.Size,
			LimitPrice:    req.LimitPrice,
			CustomTag:     req.CustomTag,
			LinkedOrderID: req.LinkedOrderID,
		}
	} else {
		e.fill(id, req)
	}
	e.mu.Unlock()

	e.logger.Info("paper order accepted",
		"order_id", id,
		"contract_id", req.ContractID,
		"type", req.Type.String(),
		"side", req.Side.String(),
		"size", req.Size,
	)

	code := 0
	return broker.PlaceResponse{Success: true, OrderID: &id, ErrorCode: &code}, nil
}

// priceFor returns the simulated execution price for side, moved by the
// configured slippage against the order. e.mu must be held.
func (e *Engine) priceFor(contractID string, side types.OrderSide) decimal.Decimal {
	price := e.cfg.DefaultFillPrice
	if p, ok := e.fillPrice[contractID]; ok {
		price = p
	}
	if !e.cfg.TickSize.IsZero() && e.cfg.SlippageTicks > 0 {
		slip := e.cfg.TickSize.Times(int64(e.cfg.SlippageTicks))
		if side == types.OrderSideBuy {
			price = price.Add(slip)
		} else {
			price = price.Sub(slip)
		}
	}
	return price
}

// record appends an execution to the trade log. e.mu must be held.
func (e *Engine) record(orderID int64, contractID string, side types.OrderSide, size int, price decimal.Decimal) {
	e.trades = append(e.trades, broker.Trade{
		ID:         int64(len(e.trades) + 1),
		AccountID:  e.cfg.AccountID,
		ContractID: contractID,
		Timestamp:  e.now(),
		Price:      decimal.NewNullDecimal(price),
		Side:       side,
		Size:       size,
		OrderID:    orderID,
	})
}

// fill must be called with e.mu held.
func (e *Engine) fill(orderID int64, req broker.OrderRequest) {
	price := e.priceFor(req.ContractID, req.Side)
	e.record(orderID, req.ContractID, req.Side, req.Size, price)

	signed := req.Size
	if req.Side == types.OrderSideSell {
		signed = -signed
	}

	pos, ok := e.positions[req.ContractID]
	if !ok || pos.size == 0 {
		e.positions[req.ContractID] = &simPosition{size: signed, avgPrice: price, filledAt: e.now()}
		return
	}

	next := pos.size + signed
	switch {
	case next == 0:
		pos.size = 0
	case (pos.size > 0) == (signed > 0):
		total := decimal.NewFromInt(int64(abs(pos.size) + abs(signed)))
		pos.avgPrice = pos.avgPrice.Mul(decimal.NewFromInt(int64(abs(pos.size)))).
			Add(price.Mul(decimal.NewFromInt(int64(abs(signed))))).
			Div(total)
		pos.size = next
	case (pos.size > 0) != (next > 0):
		pos.size = next
		pos.avgPrice = price
	default:
		pos.size = next
	}
	pos.filledAt = e.now()
}

// CancelOrder removes a working order.
func (e *Engine) CancelOrder(ctx context.Context, orderID int64) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.working[orderID]; !ok {
		return fmt.Errorf("%w: %d", broker.ErrOrderNotFound, orderID)
	}
	delete(e.working, orderID)
	return nil
}

// GetOpenPositions returns positions with a nonzero size whose fill delay has elapsed.
func (e *Engine) GetOpenPositions(ctx context.Context) ([]broker.OpenPosition, error) {
	if err := e.check(ctx); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	now := e.now()
	out := make([]broker.OpenPosition, 0, len(e.positions))
	for cid, p := range e.positions {
		if p.size == 0 || now.Before(p.filledAt.Add(e.cfg.FillDelay)) {
			continue
		}
		typ := 1
		if p.size < 0 {
			typ = 2
		}
		out = append(out, broker.OpenPosition{
			AccountID:    e.cfg.AccountID,
			ContractID:   cid,
			Type:         typ,
			Size:         abs(p.size),
			AveragePrice: decimal.NewNullDecimal(p.avgPrice),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out, nil
}

// GetWorkingOrders returns resting orders sorted by id.
func (e *Engine) GetWorkingOrders(ctx context.Context) ([]broker.WorkingOrder, error) {
	if err := e.check(ctx); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]broker.WorkingOrder, 0, len(e.working))
	for _, o := range e.working {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FlattenAll closes every position at the simulated price, logging a
// closing trade for each, and drops working orders.
func (e *Engine) FlattenAll(ctx context.Context) error {
	if err := e.check(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	contracts := make([]string, 0, len(e.positions))
	for cid := range e.positions {
		contracts = append(contracts, cid)
	}
	sort.Strings(contracts)
	for _, cid := range contracts {
		p := e.positions[cid]
		if p.size == 0 {
			continue
		}
		side := types.OrderSideSell
		if p.size < 0 {
			side = types.OrderSideBuy
		}
		e.record(0, cid, side, abs(p.size), e.priceFor(cid, side))
		p.size = 0
	}
	e.working = make(map[int64]broker.WorkingOrder)
	e.mu.Unlock()

	e.logger.Info("paper engine flattened all positions")
	return nil
}

// GetTrades returns executions stamped at or after since, oldest first.
func (e *Engine) GetTrades(ctx context.Context, since time.Time) ([]broker.Trade, error) {
	if err := e.check(ctx); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []broker.Trade
	for _, t := range e.trades {
		if !t.Timestamp.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

// SentOrders returns every accepted order request in order of arrival.
func (e *Engine) SentOrders() []broker.OrderRequest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]broker.OrderRequest, len(e.sent))
	copy(out, e.sent)
	return out
}

func (e *Engine) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.State() != broker.StateConnected {
		return broker.ErrNotConnected
	}
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
