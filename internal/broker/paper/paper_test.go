package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/execbot/internal/broker"
	"github.com/tathienbao/execbot/internal/metrics"
	"github.com/tathienbao/execbot/internal/tick"
	"github.com/tathienbao/execbot/internal/types"
)

var _ broker.ExecutionEngine = (*Engine)(nil)

const contract = "CON.F.US.MES.H25"

func market(side types.OrderSide, size int) broker.OrderRequest {
	return broker.OrderRequest{
		AccountID:  1,
		ContractID: contract,
		Type:       types.OrderTypeMarket,
		Side:       side,
		Size:       size,
	}
}

func TestEngine_MarketFillsAtDefaultPrice(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	ctx := context.Background()

	resp, err := e.PlaceOrder(ctx, market(types.OrderSideBuy, 2))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if !resp.Success {
		t.Fatal("expected success")
	}
	if resp.OrderID == nil || *resp.OrderID != 1 {
		t.Errorf("OrderID = %v, want 1", resp.OrderID)
	}
	if resp.ErrorCode == nil || *resp.ErrorCode != 0 {
		t.Errorf("ErrorCode = %v, want 0", resp.ErrorCode)
	}

	positions, err := e.GetOpenPositions(ctx)
	if err != nil {
		t.Fatalf("GetOpenPositions() error = %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("len(positions) = %d, want 1", len(positions))
	}
	p := positions[0]
	if p.ContractID != contract || p.Size != 2 || p.Type != 1 {
		t.Errorf("position = %+v", p)
	}
	if !p.AveragePrice.Valid || !p.AveragePrice.Decimal.Equal(decimal.NewFromInt(100)) {
		t.Errorf("averagePrice = %v, want 100", p.AveragePrice)
	}
}

func TestEngine_SequentialOrderIDs(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		resp, err := e.PlaceOrder(ctx, market(types.OrderSideBuy, 1))
		if err != nil {
			t.Fatalf("PlaceOrder() error = %v", err)
		}
		if *resp.OrderID != want {
			t.Errorf("OrderID = %d, want %d", *resp.OrderID, want)
		}
	}
}

func TestEngine_Netting(t *testing.T) {
	tests := []struct {
		name     string
		orders   []broker.OrderRequest
		wantSize int
		wantType int
	}{
		{"close fully", []broker.OrderRequest{market(types.OrderSideBuy, 2), market(types.OrderSideSell, 2)}, 0, 0},
		{"reduce", []broker.OrderRequest{market(types.OrderSideBuy, 3), market(types.OrderSideSell, 1)}, 2, 1},
		{"reverse", []broker.OrderRequest{market(types.OrderSideBuy, 1), market(types.OrderSideSell, 3)}, 2, 2},
		{"add short", []broker.OrderRequest{market(types.OrderSideSell, 1), market(types.OrderSideSell, 1)}, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(DefaultConfig(), nil)
			ctx := context.Background()
			for _, o := range tt.orders {
				if _, err := e.PlaceOrder(ctx, o); err != nil {
					t.Fatalf("PlaceOrder() error = %v", err)
				}
			}
			positions, _ := e.GetOpenPositions(ctx)
			if tt.wantSize == 0 {
				if len(positions) != 0 {
					t.Errorf("positions = %+v, want none", positions)
				}
				return
			}
			if len(positions) != 1 || positions[0].Size != tt.wantSize || positions[0].Type != tt.wantType {
				t.Errorf("positions = %+v, want size %d type %d", positions, tt.wantSize, tt.wantType)
			}
		})
	}
}

func TestEngine_LimitRestsAsWorkingOrder(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	ctx := context.Background()

	entry, _ := e.PlaceOrder(ctx, market(types.OrderSideBuy, 1))
	tp := broker.OrderRequest{
		ContractID:    contract,
		Type:          types.OrderTypeLimit,
		Side:          types.OrderSideSell,
		Size:          1,
		LimitPrice:    broker.Float(101.25),
		LinkedOrderID: entry.OrderID,
	}
	resp, err := e.PlaceOrder(ctx, tp)
	if err != nil || !resp.Success {
		t.Fatalf("PlaceOrder(limit) = %+v, %v", resp, err)
	}

	working, err := e.GetWorkingOrders(ctx)
	if err != nil {
		t.Fatalf("GetWorkingOrders() error = %v", err)
	}
	if len(working) != 1 {
		t.Fatalf("len(working) = %d, want 1", len(working))
	}
	if working[0].LinkedOrderID == nil || *working[0].LinkedOrderID != *entry.OrderID {
		t.Errorf("linkedOrderId = %v, want %d", working[0].LinkedOrderID, *entry.OrderID)
	}

	// a resting limit leaves the position untouched
	positions, _ := e.GetOpenPositions(ctx)
	if len(positions) != 1 || positions[0].Size != 1 {
		t.Errorf("positions = %+v", positions)
	}

	if err := e.CancelOrder(ctx, *resp.OrderID); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	if err := e.CancelOrder(ctx, *resp.OrderID); !errors.Is(err, broker.ErrOrderNotFound) {
		t.Errorf("second CancelOrder() error = %v, want ErrOrderNotFound", err)
	}
}

func TestEngine_FlattenAll(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	ctx := context.Background()

	e.PlaceOrder(ctx, market(types.OrderSideBuy, 2))
	e.PlaceOrder(ctx, broker.OrderRequest{ContractID: contract, Type: types.OrderTypeLimit, Side: types.OrderSideSell, Size: 2, LimitPrice: broker.Float(101)})

	if err := e.FlattenAll(ctx); err != nil {
		t.Fatalf("FlattenAll() error = %v", err)
	}

	positions, _ := e.GetOpenPositions(ctx)
	working, _ := e.GetWorkingOrders(ctx)
	if len(positions) != 0 || len(working) != 0 {
		t.Errorf("after flatten positions=%d working=%d, want 0/0", len(positions), len(working))
	}
}

func TestEngine_FlattenAllLogsClosingTrade(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickSize = tick.MustParseSize("0.25")
	cfg.SlippageTicks = 1
	now := time.Date(2025, 3, 4, 14, 0, 0, 0, time.UTC)
	e := NewEngine(cfg, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	e.SetFillPrice(contract, decimal.RequireFromString("5000"))
	e.PlaceOrder(ctx, market(types.OrderSideBuy, 2))
	now = now.Add(time.Minute)
	since := now
	e.SetFillPrice(contract, decimal.RequireFromString("5010"))
	if err := e.FlattenAll(ctx); err != nil {
		t.Fatalf("FlattenAll() error = %v", err)
	}

	all, err := e.GetTrades(ctx, time.Time{})
	if err != nil {
		t.Fatalf("GetTrades() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(trades) = %d, want entry and exit", len(all))
	}
	if all[0].OrderID != 1 || all[0].Side != types.OrderSideBuy || !all[0].Price.Decimal.Equal(decimal.RequireFromString("5000.25")) {
		t.Errorf("entry trade = %+v", all[0])
	}

	exits, _ := e.GetTrades(ctx, since)
	if len(exits) != 1 {
		t.Fatalf("len(exits) = %d, want 1", len(exits))
	}
	exit := exits[0]
	if exit.Side != types.OrderSideSell || exit.Size != 2 || exit.ContractID != contract {
		t.Errorf("exit trade = %+v", exit)
	}
	if want := decimal.RequireFromString("5009.75"); !exit.Price.Decimal.Equal(want) {
		t.Errorf("exit price = %s, want %s", exit.Price.Decimal, want)
	}

	if err := e.FlattenAll(ctx); err != nil {
		t.Fatalf("second FlattenAll() error = %v", err)
	}
	if again, _ := e.GetTrades(ctx, time.Time{}); len(again) != 2 {
		t.Errorf("flat flatten logged a trade: %d trades", len(again))
	}
}

func TestEngine_RejectsLimitWithoutPrice(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)

	resp, err := e.PlaceOrder(context.Background(), broker.OrderRequest{
		ContractID: contract, Type: types.OrderTypeLimit, Side: types.OrderSideSell, Size: 1,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if resp.Success {
		t.Error("expected rejection for LIMIT without limitPrice")
	}
}

func TestEngine_ConnectSetsBrokerGauge(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)

	e.Disconnect()
	if got := testutil.ToFloat64(metrics.BrokerConnected); got != 0 {
		t.Errorf("broker_connected after Disconnect = %v, want 0", got)
	}

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := testutil.ToFloat64(metrics.BrokerConnected); got != 1 {
		t.Errorf("broker_connected after Connect = %v, want 1", got)
	}
	if e.State() != broker.StateConnected {
		t.Errorf("State() = %v, want connected", e.State())
	}
}

func TestEngine_RejectsInvalidOrder(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)

	resp, err := e.PlaceOrder(context.Background(), market(types.OrderSideBuy, 0))
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if resp.Success {
		t.Error("expected rejection for zero size")
	}
	if resp.ErrorMessage == nil {
		t.Error("expected error message")
	}
}

func TestEngine_Disconnected(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	e.Disconnect()

	if _, err := e.PlaceOrder(context.Background(), market(types.OrderSideBuy, 1)); !errors.Is(err, broker.ErrNotConnected) {
		t.Errorf("PlaceOrder() error = %v, want ErrNotConnected", err)
	}
	if e.State() != broker.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", e.State())
	}
}

func TestEngine_FillDelay(t *testing.T) {
	now := time.Date(2025, 3, 4, 14, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.FillDelay = time.Second
	e := NewEngine(cfg, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	e.PlaceOrder(ctx, market(types.OrderSideBuy, 1))

	if positions, _ := e.GetOpenPositions(ctx); len(positions) != 0 {
		t.Errorf("position visible before fill delay: %+v", positions)
	}

	now = now.Add(time.Second)
	if positions, _ := e.GetOpenPositions(ctx); len(positions) != 1 {
		t.Errorf("position not visible after fill delay")
	}
}

func TestEngine_Slippage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickSize = tick.MustParseSize("0.25")
	cfg.SlippageTicks = 2
	e := NewEngine(cfg, nil)
	e.SetFillPrice(contract, decimal.RequireFromString("5000"))
	ctx := context.Background()

	e.PlaceOrder(ctx, market(types.OrderSideSell, 1))

	positions, _ := e.GetOpenPositions(ctx)
	if len(positions) != 1 {
		t.Fatalf("len(positions) = %d, want 1", len(positions))
	}
	want := decimal.RequireFromString("4999.5")
	if !positions[0].AveragePrice.Decimal.Equal(want) {
		t.Errorf("averagePrice = %s, want %s", positions[0].AveragePrice.Decimal, want)
	}
}

func TestEngine_CanceledContext(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.GetOpenPositions(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("GetOpenPositions() error = %v, want context.Canceled", err)
	}
}
