package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tathienbao/execbot/internal/alerting"
	"github.com/tathienbao/execbot/internal/broker"
	"github.com/tathienbao/execbot/internal/broker/brokertest"
	"github.com/tathienbao/execbot/internal/entry"
	"github.com/tathienbao/execbot/internal/execution"
	"github.com/tathienbao/execbot/internal/fills"
	"github.com/tathienbao/execbot/internal/monitor"
	"github.com/tathienbao/execbot/internal/orders"
	"github.com/tathienbao/execbot/internal/position"
	"github.com/tathienbao/execbot/internal/risk"
	"github.com/tathienbao/execbot/internal/schedule"
	"github.com/tathienbao/execbot/internal/takeprofit"
	"github.com/tathienbao/execbot/internal/tick"
	"github.com/tathienbao/execbot/internal/types"
)

const contract = "CON.F.US.ZN.H25"

func ptr[T any](v T) *T { return &v }

type memQuotas struct {
	counts map[string]int
}

func (m *memQuotas) LoadQuotas(context.Context) (map[string]int, error) {
	out := make(map[string]int, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out, nil
}

func (m *memQuotas) SaveQuotas(_ context.Context, c map[string]int) error {
	m.counts = c
	return nil
}

type harness struct {
	clock    time.Time
	eng      *brokertest.MockEngine
	alerts   *alerting.MockAlerter
	quotas   *memQuotas
	gate     *schedule.Gate
	book     *position.Book
	state    *monitor.State
	watcher  *schedule.Watcher
	rules    *Rules
	notify   *alerting.Notifier
	exec     *execution.Executor
	policy   *entry.Policy
	resolver *fills.Resolver
}

func (h *harness) now() time.Time { return h.clock }

func testSchedules(t *testing.T) []schedule.Schedule {
	t.Helper()
	morning, err := schedule.ParseWindow("06:00", "09:55")
	require.NoError(t, err)
	day, err := schedule.ParseWindow("10:00", "16:00")
	require.NoError(t, err)
	return []schedule.Schedule{
		{
			ID: "morning", Window: morning, MaxTrades: 1,
			Strategy: schedule.Strategy{TotalLots: ptr(2), TPLots: ptr(2), FlattenAtEnd: true},
		},
		{
			ID: "day", Window: day, MaxTrades: 2,
			Strategy: schedule.Strategy{TotalLots: ptr(1), TPLots: ptr(1)},
		},
	}
}

// newHarness builds the full decision stack over a mock engine whose open
// position always fills at 117. start is the book's starting direction.
func newHarness(t *testing.T, allowUnscheduled bool, start int) *harness {
	t.Helper()
	h := &harness{
		clock:  time.Date(2025, 3, 4, 10, 15, 0, 0, time.UTC),
		eng:    brokertest.NewMockEngine(),
		alerts: alerting.NewMockAlerter(),
		quotas: &memQuotas{},
	}
	h.eng.QueuePositions([]broker.OpenPosition{{
		ContractID:   contract,
		Size:         1,
		AveragePrice: decimal.NewNullDecimal(decimal.RequireFromString("117")),
	}})

	builder := orders.NewBuilder(11, contract, types.OrderTypeMarket)
	sender := orders.NewSender(h.eng, time.Second, nil)
	resolver := fills.NewResolver(fills.Config{Retries: 2, RequireSizeNonzero: true}, h.eng, nil)
	resolver.Sleep = func(context.Context, time.Duration) error { return nil }
	manager := takeprofit.NewManager(map[string]tick.Size{contract: tick.MustParseSize("1/32")}, ptr(4), builder)
	placer := takeprofit.NewPlacer(manager, resolver, sender, nil)
	guard := risk.NewGuard(risk.DefaultConfig(), nil).WithClock(h.now)

	h.notify = alerting.NewNotifier(h.alerts, nil, nil)
	h.exec = execution.NewExecutor(execution.DefaultConfig(), h.eng, builder, sender, placer, guard, h.notify, nil)
	h.resolver = resolver

	schedules := testSchedules(t)
	gate, err := schedule.NewGate(context.Background(), schedules, h.quotas, nil)
	require.NoError(t, err)
	h.gate = gate
	h.policy = entry.NewPolicy(gate, h.notify, nil).WithClock(h.now)

	h.book = position.NewBook(h.clock)
	switch start {
	case 1:
		h.book.ApplyFill(position.Fill{Instrument: contract, Side: types.OrderSideBuy, Qty: 1})
	case -1:
		h.book.ApplyFill(position.Fill{Instrument: contract, Side: types.OrderSideSell, Qty: 1})
	}

	h.state = monitor.NewState(0).WithClock(h.now)
	h.watcher = schedule.NewWatcher(schedules, nil)
	h.rules = NewRules(RulesConfig{Instrument: contract, AllowUnscheduled: allowUnscheduled},
		h.exec, h.policy, h.book, h.state, h.notify, nil)
	return h
}

// withExitPricing prices flattens from the mock's trade log and tracks
// limits against the realized P&L at one currency unit per point.
func (h *harness) withExitPricing(limits risk.DailyConfig) *risk.DailyTracker {
	h.exec.WithExits(h.resolver).WithClock(h.now)
	tracker := risk.NewDailyTracker(limits)
	h.rules.WithDailyLimits(tracker)
	return tracker
}

func trade(side types.OrderSide, price string) broker.Trade {
	return broker.Trade{
		ContractID: contract,
		Side:       side,
		Size:       1,
		Price:      decimal.NewNullDecimal(decimal.RequireFromString(price)),
	}
}

func sig(ts string, pos int) types.Signal {
	return types.Signal{Timestamp: ts, Instrument: "ZN", Position: pos}
}

func marketOrders(sent []broker.OrderRequest) []broker.OrderRequest {
	var out []broker.OrderRequest
	for _, r := range sent {
		if r.Type == types.OrderTypeMarket {
			out = append(out, r)
		}
	}
	return out
}

func TestRules_StartsFromBook(t *testing.T) {
	assert.Equal(t, 0, newHarness(t, true, 0).rules.Current())
	assert.Equal(t, -1, newHarness(t, true, -1).rules.Current())

	h := newHarness(t, true, 1)
	assert.Equal(t, 1, h.rules.Current())
	assert.Equal(t, 1, h.state.Snapshot().CurrentPosition)
}

func TestRules_FlattenThenLongInSameMinute(t *testing.T) {
	h := newHarness(t, true, -1)

	actions := h.rules.HandleBatch(context.Background(), []types.Signal{
		sig("2025-03-04T10:15:02Z", 1),
		sig("2025-03-04T10:15:01Z", 0),
	})

	assert.Equal(t, 1, h.eng.Flattens(), "exactly one flatten")
	mkt := marketOrders(h.eng.Sent())
	require.Len(t, mkt, 1)
	assert.Equal(t, types.OrderSideBuy, mkt[0].Side)
	assert.Equal(t, 1, h.rules.Current())

	require.Len(t, actions, 2)
	assert.Equal(t, ActionFlatten, actions[0].Kind)
	assert.Equal(t, ActionEntry, actions[1].Kind)
	assert.True(t, actions[1].OK)
	assert.Equal(t, "allowed:day", actions[1].Reason)
	assert.Equal(t, 1, h.gate.Used("day", h.clock))
}

func TestRules_FlattenWhenFlatIsNoop(t *testing.T) {
	h := newHarness(t, true, 0)

	actions := h.rules.HandleBatch(context.Background(), []types.Signal{sig("2025-03-04T10:15:00Z", 0)})
	assert.Empty(t, actions)
	assert.Zero(t, h.eng.Flattens())
}

func TestRules_SameDirectionIsNoop(t *testing.T) {
	h := newHarness(t, true, 1)

	actions := h.rules.HandleBatch(context.Background(), []types.Signal{sig("2025-03-04T10:15:00Z", 1)})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionSkip, actions[0].Kind)
	assert.Empty(t, h.eng.Sent())
	assert.Zero(t, h.gate.Used("day", h.clock))
}

func TestRules_LongBeforeShortInSameMinute(t *testing.T) {
	h := newHarness(t, true, 0)

	h.rules.HandleBatch(context.Background(), []types.Signal{
		sig("2025-03-04T10:15:00Z", -1),
		sig("2025-03-04T10:15:30Z", 1),
	})

	mkt := marketOrders(h.eng.Sent())
	require.Len(t, mkt, 2)
	assert.Equal(t, types.OrderSideBuy, mkt[0].Side)
	assert.Equal(t, types.OrderSideSell, mkt[1].Side)
	assert.Equal(t, 1, h.eng.Flattens(), "reversal flattens the long first")
	assert.Equal(t, -1, h.rules.Current())
	assert.Equal(t, 2, h.gate.Used("day", h.clock))
}

func TestRules_MinutesAppliedInOrder(t *testing.T) {
	h := newHarness(t, true, 0)

	h.rules.HandleBatch(context.Background(), []types.Signal{
		sig("2025-03-04T10:17:00Z", 0),
		sig("2025-03-04T10:16:00Z", 1),
	})

	mkt := marketOrders(h.eng.Sent())
	require.Len(t, mkt, 1)
	assert.Equal(t, types.OrderSideBuy, mkt[0].Side)
	assert.Equal(t, 1, h.eng.Flattens())
	assert.Equal(t, 0, h.rules.Current())
}

func TestRules_ReversalFlattensFirst(t *testing.T) {
	h := newHarness(t, true, 1)

	actions := h.rules.HandleBatch(context.Background(), []types.Signal{sig("2025-03-04T10:15:00Z", -1)})
	require.Len(t, actions, 1)
	assert.True(t, actions[0].OK)
	assert.Equal(t, 1, h.eng.Flattens())
	assert.Equal(t, -1, h.rules.Current())

	p := h.book.Get(contract)
	assert.Equal(t, types.SideShort, p.Side)
	assert.Equal(t, 1, p.Qty)
}

func TestRules_UnscheduledFallback(t *testing.T) {
	h := newHarness(t, true, 0)
	h.clock = time.Date(2025, 3, 4, 17, 0, 0, 0, time.UTC)

	actions := h.rules.HandleBatch(context.Background(), []types.Signal{sig("2025-03-04T17:00:00Z", 1)})
	require.Len(t, actions, 1)
	assert.True(t, actions[0].OK)
	assert.Equal(t, "unscheduled", actions[0].Reason)
	assert.Equal(t, 1, h.rules.Current())

	sent := h.eng.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, 1, sent[0].Size, "default quantity")
	assert.Equal(t, types.OrderTypeLimit, sent[1].Type)
	assert.Empty(t, h.gate.Counts(), "unscheduled entries use no quota")
}

func TestRules_UnscheduledFallbackDisabled(t *testing.T) {
	h := newHarness(t, false, 0)
	h.clock = time.Date(2025, 3, 4, 17, 0, 0, 0, time.UTC)

	actions := h.rules.HandleBatch(context.Background(), []types.Signal{sig("2025-03-04T17:00:00Z", 1)})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionSkip, actions[0].Kind)
	assert.Equal(t, entry.ReasonOutsideSchedules, actions[0].Reason)
	assert.Empty(t, h.eng.Sent())
	assert.Equal(t, 0, h.rules.Current())
}

func TestRules_QuotaExhaustedDoesNotFallBack(t *testing.T) {
	h := newHarness(t, true, 0)
	h.clock = time.Date(2025, 3, 4, 7, 0, 0, 0, time.UTC)
	ctx := context.Background()

	h.rules.HandleBatch(ctx, []types.Signal{sig("2025-03-04T07:00:00Z", 1)})
	require.Equal(t, 1, h.rules.Current())
	h.rules.HandleBatch(ctx, []types.Signal{sig("2025-03-04T07:01:00Z", 0)})
	require.Equal(t, 0, h.rules.Current())

	before := len(h.eng.Sent())
	actions := h.rules.HandleBatch(ctx, []types.Signal{sig("2025-03-04T07:02:00Z", -1)})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionSkip, actions[0].Kind)
	assert.Equal(t, "quota_exhausted:morning (1/1)", actions[0].Reason)
	assert.Len(t, h.eng.Sent(), before)
	assert.True(t, h.alerts.HasEvent(alerting.EventQuotaExhausted))
}

func TestRules_FailedEntryKeepsDirectionAndQuota(t *testing.T) {
	h := newHarness(t, true, 0)
	h.eng.QueuePlace(brokertest.Fail)

	actions := h.rules.HandleBatch(context.Background(), []types.Signal{sig("2025-03-04T10:15:00Z", 1)})
	require.Len(t, actions, 1)
	assert.False(t, actions[0].OK)
	assert.Contains(t, actions[0].Reason, execution.ReasonSendFailed)
	assert.Equal(t, 0, h.rules.Current())
	assert.Zero(t, h.gate.Used("day", h.clock))
	assert.Equal(t, types.SideFlat, h.book.Get(contract).Side)
}

func TestRules_FlattenResetsEvenOnEngineError(t *testing.T) {
	h := newHarness(t, true, 1)
	h.eng.FlattenErr = assert.AnError

	a := h.rules.Flatten(context.Background(), "manual")
	assert.False(t, a.OK)
	assert.Contains(t, a.Reason, "manual")
	assert.Equal(t, 0, h.rules.Current())
	assert.Equal(t, types.SideFlat, h.book.Get(contract).Side)
}

func TestRules_RecordsBookAndMonitor(t *testing.T) {
	h := newHarness(t, true, 0)

	h.rules.HandleBatch(context.Background(), []types.Signal{sig("2025-03-04T10:15:00Z", 1)})

	p := h.book.Get(contract)
	assert.Equal(t, types.SideLong, p.Side)
	assert.Equal(t, 1, p.Qty)
	assert.True(t, p.AvgPrice.Decimal.Equal(decimal.RequireFromString("117")))

	snap := h.state.Snapshot()
	assert.Equal(t, 1, snap.CurrentPosition)
	assert.Len(t, snap.Signals, 1)
	require.Len(t, snap.Trades, 1)
	assert.Equal(t, "day", snap.Trades[0].ScheduleID)
	assert.True(t, snap.Trades[0].TPPlaced)
	assert.Equal(t, "117.125", snap.Trades[0].TPPrice)
	assert.Equal(t, "117", snap.Trades[0].FillPrice)

	assert.Equal(t, 1, h.notify.Summary().Signals)
	assert.Equal(t, 1, h.notify.Summary().Entries)
}

func TestRules_IgnoresOutOfRangePosition(t *testing.T) {
	h := newHarness(t, true, 0)

	actions := h.rules.HandleBatch(context.Background(), []types.Signal{sig("2025-03-04T10:15:00Z", 2)})
	assert.Empty(t, actions)
	assert.Empty(t, h.eng.Sent())
}

func TestRules_RealizesPnLAtExitPrice(t *testing.T) {
	h := newHarness(t, true, 0)
	h.withExitPricing(risk.DailyConfig{})
	h.eng.QueueTrades(
		[]broker.Trade{trade(types.OrderSideBuy, "117"), trade(types.OrderSideSell, "117.5")},
		[]broker.Trade{trade(types.OrderSideBuy, "117.25")},
	)
	ctx := context.Background()

	h.rules.HandleBatch(ctx, []types.Signal{sig("2025-03-04T10:15:00Z", 1)})
	require.Equal(t, 1, h.rules.Current())

	h.rules.HandleBatch(ctx, []types.Signal{sig("2025-03-04T10:16:00Z", -1)})
	require.Equal(t, -1, h.rules.Current())
	assert.Equal(t, "0.5", h.book.PnLDay().String(), "long 117 closed at 117.5")

	h.rules.HandleBatch(ctx, []types.Signal{sig("2025-03-04T10:17:00Z", 0)})
	assert.Equal(t, 0, h.rules.Current())
	assert.Equal(t, "0.25", h.book.PnLDay().String(), "short 117 covered at 117.25")
	assert.Equal(t, 2, h.eng.Flattens())
	assert.Equal(t, []time.Time{h.clock.Add(-2 * time.Second), h.clock.Add(-2 * time.Second)}, h.eng.TradeQueries())
}

func TestRules_UnknownExitLeavesPnLUnchanged(t *testing.T) {
	h := newHarness(t, true, 0)
	h.withExitPricing(risk.DailyConfig{})
	ctx := context.Background()

	h.rules.HandleBatch(ctx, []types.Signal{sig("2025-03-04T10:15:00Z", 1)})
	a := h.rules.Flatten(ctx, "manual")

	assert.True(t, a.OK)
	assert.True(t, h.book.PnLDay().IsZero())
	assert.Equal(t, types.SideFlat, h.book.Get(contract).Side)
}

func TestRules_CloseAllLimitHaltsEntries(t *testing.T) {
	h := newHarness(t, true, 0)
	tracker := h.withExitPricing(risk.DailyConfig{CloseAllAt: decimal.NewFromInt(1)})
	h.eng.QueueTrades([]broker.Trade{trade(types.OrderSideSell, "118")})
	ctx := context.Background()

	h.rules.HandleBatch(ctx, []types.Signal{sig("2025-03-04T10:15:00Z", 1)})
	require.Equal(t, 1, h.rules.Current())

	actions := h.rules.HandleBatch(ctx, []types.Signal{sig("2025-03-04T10:16:00Z", -1)})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionSkip, actions[0].Kind)
	assert.Equal(t, "halted:daily_close_all", actions[0].Reason)
	assert.Equal(t, 0, h.rules.Current(), "reversal stops flat")
	assert.Equal(t, 1, h.eng.Flattens())
	assert.Len(t, marketOrders(h.eng.Sent()), 1, "no short entry")
	assert.Equal(t, risk.LimitCloseAll, tracker.Reached())
	assert.True(t, h.alerts.HasEvent(alerting.EventDailyLimit))

	actions = h.rules.HandleBatch(ctx, []types.Signal{sig("2025-03-04T10:20:00Z", 1)})
	require.Len(t, actions, 1)
	assert.Equal(t, "halted:daily_close_all", actions[0].Reason)
	assert.Len(t, marketOrders(h.eng.Sent()), 1)

	h.clock = time.Date(2025, 3, 5, 10, 15, 0, 0, time.UTC)
	require.True(t, h.rules.ResetDay(h.clock))
	assert.Equal(t, risk.LimitNone, tracker.Reached())

	actions = h.rules.HandleBatch(ctx, []types.Signal{sig("2025-03-05T10:15:00Z", 1)})
	require.Len(t, actions, 1)
	assert.True(t, actions[0].OK, "entries resume on a new day")
	assert.Equal(t, 1, h.rules.Current())
}

func TestRules_CloseAllFlattensOpenPosition(t *testing.T) {
	h := newHarness(t, true, 0)
	book := position.NewBook(h.clock)
	book.ApplyFill(position.Fill{Instrument: contract, Side: types.OrderSideBuy, Qty: 1, Price: decimal.NewNullDecimal(decimal.NewFromInt(100))})
	book.ApplyFill(position.Fill{Instrument: contract, Side: types.OrderSideSell, Qty: 1, Price: decimal.NewNullDecimal(decimal.NewFromInt(112))})
	book.ApplyFill(position.Fill{Instrument: contract, Side: types.OrderSideBuy, Qty: 1, Price: decimal.NewNullDecimal(decimal.NewFromInt(117))})

	rules := NewRules(RulesConfig{Instrument: contract, AllowUnscheduled: true}, h.exec, h.policy, book, h.state, h.notify, nil).
		WithDailyLimits(risk.NewDailyTracker(risk.DailyConfig{CloseAllAt: decimal.NewFromInt(10)}))
	require.Equal(t, 1, rules.Current())

	rules.CheckDailyLimits(context.Background())
	assert.Equal(t, 0, rules.Current())
	assert.Equal(t, 1, h.eng.Flattens())
	assert.Equal(t, types.SideFlat, book.Get(contract).Side)

	rules.CheckDailyLimits(context.Background())
	assert.Equal(t, 1, h.eng.Flattens(), "close-all fires once per day")
}

func TestRules_MaxGainHaltsEntriesOnly(t *testing.T) {
	h := newHarness(t, true, 0)
	book := position.NewBook(h.clock)
	book.ApplyFill(position.Fill{Instrument: contract, Side: types.OrderSideSell, Qty: 1, Price: decimal.NewNullDecimal(decimal.NewFromInt(120))})
	book.ApplyFill(position.Fill{Instrument: contract, Side: types.OrderSideBuy, Qty: 2, Price: decimal.NewNullDecimal(decimal.NewFromInt(117))})

	tracker := risk.NewDailyTracker(risk.DailyConfig{PointValue: decimal.NewFromInt(1000), MaxGain: decimal.NewFromInt(3000)})
	rules := NewRules(RulesConfig{Instrument: contract, AllowUnscheduled: true}, h.exec, h.policy, book, h.state, h.notify, nil).
		WithDailyLimits(tracker)
	require.Equal(t, 1, rules.Current())
	ctx := context.Background()

	rules.CheckDailyLimits(ctx)
	assert.Equal(t, risk.LimitMaxGain, tracker.Reached())
	assert.Equal(t, 1, rules.Current(), "max gain keeps the open position")
	assert.Zero(t, h.eng.Flattens())

	actions := rules.HandleBatch(ctx, []types.Signal{sig("2025-03-04T10:15:00Z", -1)})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionSkip, actions[0].Kind)
	assert.Equal(t, "halted:daily_max_gain", actions[0].Reason)
	assert.Zero(t, h.eng.Flattens(), "no reversal while halted")

	actions = rules.HandleBatch(ctx, []types.Signal{sig("2025-03-04T10:16:00Z", 0)})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionFlatten, actions[0].Kind, "flatten signals still apply")
	assert.Equal(t, 0, rules.Current())
}
