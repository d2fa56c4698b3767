// Package execution turns an entry decision into orders: a MARKET entry
// followed by its take-profit LIMIT.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/execbot/internal/alerting"
	"github.com/tathienbao/execbot/internal/broker"
	"github.com/tathienbao/execbot/internal/fills"
	"github.com/tathienbao/execbot/internal/metrics"
	"github.com/tathienbao/execbot/internal/orders"
	"github.com/tathienbao/execbot/internal/risk"
	"github.com/tathienbao/execbot/internal/schedule"
	"github.com/tathienbao/execbot/internal/takeprofit"
	"github.com/tathienbao/execbot/internal/types"
)

// Reasons reported for an entry that sent no order or whose MARKET failed.
const (
	ReasonInvalidSide = "invalid_side"
	ReasonInvalidLots = "invalid_lots"
	ReasonBuildFailed = "build_failed"
	ReasonSendFailed  = "market_send_failed"
)

// Config holds the account defaults used for every entry.
type Config struct {
	DefaultQuantity int
	// FlattenTimeout bounds FlattenAll; zero uses orders.DefaultTimeout.
	FlattenTimeout time.Duration
}

// DefaultConfig returns a one-lot config.
func DefaultConfig() Config {
	return Config{
		DefaultQuantity: 1,
		FlattenTimeout:  orders.DefaultTimeout,
	}
}

// Result describes one entry attempt. Success and OrderID reflect the
// MARKET leg only; the take-profit outcome is reported alongside.
type Result struct {
	Success    bool
	OrderID    *int64
	Reason     string
	ScheduleID string
	Side       types.Side
	TotalLots  int
	TPLots     int
	Remaining  int
	Carried    bool
	FillPrice  decimal.NullDecimal
	Market     orders.Result
	TakeProfit *takeprofit.Outcome
}

// Executor places entries through an execution engine.
type Executor struct {
	cfg      Config
	engine   broker.ExecutionEngine
	builder  *orders.Builder
	sender   *orders.Sender
	placer   *takeprofit.Placer
	guard    *risk.Guard
	notifier *alerting.Notifier
	exits    *fills.Resolver
	logger   *slog.Logger
	recorder *metrics.Recorder
	now      func() time.Time
}

// NewExecutor creates an executor. notifier may be nil.
func NewExecutor(
	cfg Config,
	engine broker.ExecutionEngine,
	builder *orders.Builder,
	sender *orders.Sender,
	placer *takeprofit.Placer,
	guard *risk.Guard,
	notifier *alerting.Notifier,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultQuantity <= 0 {
		cfg.DefaultQuantity = 1
	}
	if cfg.FlattenTimeout <= 0 {
		cfg.FlattenTimeout = orders.DefaultTimeout
	}
	return &Executor{
		cfg:      cfg,
		engine:   engine,
		builder:  builder,
		sender:   sender,
		placer:   placer,
		guard:    guard,
		notifier: notifier,
		logger:   logger,
		recorder: metrics.NewRecorder(),
		now:      time.Now,
	}
}

// WithExits prices flattens from the engine's trade log. Engines that do
// not implement broker.TradeSource are flattened without a price.
func (e *Executor) WithExits(r *fills.Resolver) *Executor {
	e.exits = r
	return e
}

// WithClock replaces the executor's time source.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Engine returns the execution engine orders go through.
func (e *Executor) Engine() broker.ExecutionEngine {
	return e.engine
}

// entry is a fully sized entry request.
type entry struct {
	schedule schedule.Schedule
	side     types.Side
	total    int
	tp       int
	tpTicks  *int
	carry    bool
	tag      string
}

// Execute runs a schedule's strategy: risk check, MARKET for total lots,
// then a take-profit for tp lots. Lots left without a take-profit are
// carried when the strategy says so and reported as uncovered otherwise.
func (e *Executor) Execute(ctx context.Context, s schedule.Schedule, side types.Side) Result {
	total, tp := s.Strategy.Lots(e.cfg.DefaultQuantity)
	return e.enter(ctx, entry{
		schedule: s,
		side:     side,
		total:    total,
		tp:       tp,
		tpTicks:  s.Strategy.TPTicks,
		carry:    s.Strategy.CarryRemaining,
		tag:      "MARKET/" + s.ID,
	})
}

// PlaceDefault enters outside any schedule with the default quantity and a
// take-profit on the full size.
func (e *Executor) PlaceDefault(ctx context.Context, side types.Side) Result {
	return e.enter(ctx, entry{
		side:  side,
		total: e.cfg.DefaultQuantity,
		tp:    e.cfg.DefaultQuantity,
		tag:   "MARKET",
	})
}

func (e *Executor) enter(ctx context.Context, en entry) Result {
	res := Result{
		ScheduleID: en.schedule.ID,
		Side:       en.side,
		TotalLots:  en.total,
		TPLots:     en.tp,
	}
	log := e.logger.With("schedule_id", scheduleLabel(en.schedule.ID), "side", en.side.String())

	if en.side != types.SideLong && en.side != types.SideShort {
		res.Reason = ReasonInvalidSide
		log.Error("entry refused: side must be LONG or SHORT")
		e.recorder.RecordEntry(en.schedule.ID, "invalid")
		return res
	}
	if en.total <= 0 || en.tp < 0 || en.tp > en.total {
		res.Reason = fmt.Sprintf("%s: total=%d tp=%d", ReasonInvalidLots, en.total, en.tp)
		log.Error("entry refused: invalid lot split", "total_lots", en.total, "tp_lots", en.tp)
		e.recorder.RecordEntry(en.schedule.ID, "invalid")
		return res
	}

	if e.guard != nil {
		if d := e.guard.CanEnter(en.schedule, en.side, en.total); !d.OK {
			res.Reason = d.Reason
			e.recorder.RecordEntry(en.schedule.ID, "rejected")
			e.recorder.RecordRiskRejection(RiskKind(d.Reason))
			e.notifier.Notify(ctx, alerting.EventRiskRejected, "entry vetoed by risk guard",
				"schedule_id", scheduleLabel(en.schedule.ID),
				"side", en.side.String(),
				"reason", d.Reason,
			)
			return res
		}
	}

	entrySide := en.side.EntrySide()
	req, err := e.builder.BuildMarket(entrySide, en.total, orders.WithTag(orders.NewCustomTag("entry")))
	if err != nil {
		res.Reason = ReasonBuildFailed + ": " + err.Error()
		log.Error("entry build failed", "err", err)
		e.recorder.RecordEntry(en.schedule.ID, "failed")
		return res
	}

	log.Info("sending entry",
		"contract_id", req.ContractID,
		"type", req.Type.String(),
		"total_lots", en.total,
		"tp_lots", en.tp,
	)
	res.Market = e.sender.Send(ctx, req, en.tag)
	if !res.Market.Success {
		res.Reason = ReasonSendFailed + ": " + res.Market.ErrorMessage
		log.Error("entry failed, no take-profit attempted", "err", res.Market.ErrorMessage)
		e.recorder.RecordEntry(en.schedule.ID, "failed")
		e.notifier.Notify(ctx, alerting.EventEntryFailed, "entry order failed",
			"schedule_id", scheduleLabel(en.schedule.ID),
			"side", en.side.String(),
			"size", en.total,
			"error", res.Market.ErrorMessage,
		)
		return res
	}

	res.Success = true
	res.OrderID = res.Market.OrderID
	e.recorder.RecordEntry(en.schedule.ID, "placed")
	e.notifier.Notify(ctx, alerting.EventEntryPlaced, "entry placed",
		"schedule_id", scheduleLabel(en.schedule.ID),
		"side", en.side.String(),
		"size", en.total,
		"order_id", orderIDString(res.OrderID),
	)

	if en.tp > 0 {
		out := e.placer.PlaceAfterEntry(ctx, takeprofit.Request{
			ContractID:    req.ContractID,
			EntrySide:     entrySide,
			Size:          en.tp,
			EntrySize:     en.total,
			LinkedOrderID: res.OrderID,
			OverrideTicks: en.tpTicks,
		})
		res.TakeProfit = &out
		res.FillPrice = out.FillPrice
		if out.Placed {
			e.notifier.Notify(ctx, alerting.EventTakeProfitPlaced, "take-profit placed",
				"schedule_id", scheduleLabel(en.schedule.ID),
				"size", en.tp,
				"limit_price", out.LimitPrice.Decimal.String(),
			)
		} else {
			log.Warn("entry is open without its take-profit", "tp_lots", en.tp, "reason", out.Reason)
			e.notifier.Notify(ctx, alerting.EventTakeProfitFailed, "take-profit not placed",
				"schedule_id", scheduleLabel(en.schedule.ID),
				"size", en.tp,
				"reason", out.Reason,
			)
		}
	}

	res.Remaining = en.total - en.tp
	if res.Remaining > 0 {
		if en.carry {
			res.Carried = true
			log.Info("remaining lots carried without take-profit", "remaining", res.Remaining)
		} else {
			log.Warn("uncovered exposure: lots open without take-profit", "remaining", res.Remaining)
			e.notifier.Notify(ctx, alerting.EventUncoveredExposure, "lots open without take-profit",
				"schedule_id", scheduleLabel(en.schedule.ID),
				"side", en.side.String(),
				"remaining", res.Remaining,
			)
		}
	}

	return res
}

// exitSkew widens the trade search so gateway timestamps running behind the
// local clock are still matched.
const exitSkew = 2 * time.Second

// Exit is the outcome of a flatten.
type Exit struct {
	// Price is the size-weighted closing price; invalid when unknown.
	Price decimal.NullDecimal
	Err   error
}

// Flatten closes every position on the account. When exit pricing is on and
// held is LONG or SHORT, the closing executions are read back to price the
// exit.
func (e *Executor) Flatten(ctx context.Context, reason string, held types.Side) Exit {
	since := e.now().Add(-exitSkew)
	if err := e.FlattenAll(ctx, reason); err != nil {
		return Exit{Err: err}
	}

	trades, ok := e.engine.(broker.TradeSource)
	if e.exits == nil || !ok || (held != types.SideLong && held != types.SideShort) {
		return Exit{}
	}
	closing := types.OrderSideBuy
	if held == types.SideLong {
		closing = types.OrderSideSell
	}
	price, found := e.exits.ResolveExit(ctx, trades, e.builder.ContractID, closing, since)
	if !found {
		e.logger.Warn("flatten: exit price unknown, day P&L not updated", "reason", reason)
		return Exit{}
	}
	return Exit{Price: decimal.NewNullDecimal(price)}
}

// FlattenAll closes every position on the account.
func (e *Executor) FlattenAll(ctx context.Context, reason string) error {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FlattenTimeout)
	defer cancel()

	e.logger.Info("flattening account", "reason", reason, "engine", e.engine.Name())
	if err := e.engine.FlattenAll(fctx); err != nil {
		e.recorder.RecordError("flatten")
		e.logger.Error("flatten failed", "reason", reason, "err", err)
		return fmt.Errorf("flatten all (%s): %w", reason, err)
	}
	e.recorder.RecordFlatten(reason)
	e.notifier.Notify(ctx, alerting.EventFlattened, "account flattened", "reason", reason)
	return nil
}

// RiskKind strips the compared values from a risk reason, leaving a
// label-safe kind such as "max_order_size_exceeded".
func RiskKind(reason string) string {
	kind := strings.TrimPrefix(reason, "risk:")
	if i := strings.IndexByte(kind, '('); i >= 0 {
		kind = kind[:i]
	}
	return kind
}

func scheduleLabel(id string) string {
	if id == "" {
		return "unscheduled"
	}
	return id
}

func orderIDString(id *int64) string {
	if id == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d", *id)
}
