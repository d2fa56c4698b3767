package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/tathienbao/execbot/internal/alerting"
	"github.com/tathienbao/execbot/internal/entry"
	"github.com/tathienbao/execbot/internal/execution"
	"github.com/tathienbao/execbot/internal/metrics"
	"github.com/tathienbao/execbot/internal/monitor"
	"github.com/tathienbao/execbot/internal/position"
	"github.com/tathienbao/execbot/internal/risk"
	"github.com/tathienbao/execbot/internal/types"
)

// Action kinds recorded for every decision.
const (
	ActionFlatten = "flatten"
	ActionEntry   = "entry"
	ActionSkip    = "skip"
)

// RulesConfig holds decision settings.
type RulesConfig struct {
	Instrument string
	// AllowUnscheduled enters at the default size when no schedule window
	// is open. A quota refusal never falls back.
	AllowUnscheduled bool
}

// Rules is the decision state machine over the current direction
// (-1 short, 0 flat, 1 long). It is owned by the loop and is not safe for
// concurrent use.
type Rules struct {
	cfg      RulesConfig
	executor *execution.Executor
	policy   *entry.Policy
	book     *position.Book
	state    *monitor.State
	notifier *alerting.Notifier
	logger   *slog.Logger
	recorder *metrics.Recorder
	limits   *risk.DailyTracker

	current int
}

// NewRules creates the decision engine. The starting direction is taken
// from the book. state and notifier may be nil.
func NewRules(
	cfg RulesConfig,
	executor *execution.Executor,
	policy *entry.Policy,
	book *position.Book,
	state *monitor.State,
	notifier *alerting.Notifier,
	logger *slog.Logger,
) *Rules {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Rules{
		cfg:      cfg,
		executor: executor,
		policy:   policy,
		book:     book,
		state:    state,
		notifier: notifier,
		logger:   logger.With("instrument", cfg.Instrument),
		recorder: metrics.NewRecorder(),
		current:  book.Get(cfg.Instrument).Side.Direction(),
	}
	r.publish()
	return r
}

// WithDailyLimits halts new entries once the day's realized P&L reaches a
// daily limit.
func (r *Rules) WithDailyLimits(limits *risk.DailyTracker) *Rules {
	r.limits = limits
	return r
}

// Current returns the current direction.
func (r *Rules) Current() int {
	return r.current
}

// Book returns the position book the rules update.
func (r *Rules) Book() *position.Book {
	return r.book
}

// HandleBatch groups signals by UTC minute and applies each minute in
// order. Within a minute a flatten comes first, then long, then short.
func (r *Rules) HandleBatch(ctx context.Context, signals []types.Signal) []monitor.Action {
	if len(signals) == 0 {
		return nil
	}
	r.state.AddSignals(signals...)
	r.notifier.RecordSignals(len(signals))

	byMinute := make(map[string]map[int]bool)
	for _, sig := range signals {
		r.recorder.RecordSignal(sig.Position)
		if _, ok := types.SideFromDirection(sig.Position); !ok {
			r.logger.Warn("signal ignored: position out of range", "signal_id", sig.ID, "position", sig.Position)
			continue
		}
		key := sig.MinuteKey()
		if byMinute[key] == nil {
			byMinute[key] = make(map[int]bool, 3)
		}
		byMinute[key][sig.Position] = true
	}

	minutes := make([]string, 0, len(byMinute))
	for m := range byMinute {
		minutes = append(minutes, m)
	}
	sort.Strings(minutes)

	var actions []monitor.Action
	for _, minute := range minutes {
		targets := byMinute[minute]
		r.logger.Info("applying signals", "minute", minute, "targets", targetList(targets))

		if targets[0] {
			if a, ok := r.flattenIfOpen(ctx, "signal"); ok {
				actions = append(actions, a)
			}
		}
		for _, target := range []int{1, -1} {
			if targets[target] {
				actions = append(actions, r.goDirection(ctx, target))
			}
		}
	}
	return actions
}

// Flatten closes everything on the account and resets the direction to
// flat, even when the engine reports a failure. The held position is
// realized into the day's P&L at the exit price when one is known.
func (r *Rules) Flatten(ctx context.Context, reason string) monitor.Action {
	a := monitor.Action{Kind: ActionFlatten, Instrument: r.cfg.Instrument, Reason: reason, OK: true}

	held, _ := types.SideFromDirection(r.current)
	exit := r.executor.Flatten(ctx, reason, held)
	if exit.Err != nil {
		a.OK = false
		a.Reason = reason + ": " + exit.Err.Error()
	}
	r.current = 0
	if exit.Price.Valid {
		realized := r.book.Close(r.cfg.Instrument, exit.Price)
		r.logger.Info("position closed",
			"reason", reason,
			"exit_price", exit.Price.Decimal.String(),
			"realized", realized.String(),
			"pnl_day", r.book.PnLDay().String(),
		)
	}
	r.book.FlattenAll()
	r.publish()
	r.state.AddAction(a)

	r.CheckDailyLimits(ctx)
	return a
}

// CheckDailyLimits compares the day's realized P&L with the daily limits.
// Reaching the close-all limit flattens an open position. Either limit
// halts new entries until ResetDay.
func (r *Rules) CheckDailyLimits(ctx context.Context) {
	if r.limits == nil {
		return
	}
	limit := r.limits.Update(r.book.PnLDay())
	r.recorder.RecordPnLDay(r.limits.Current().InexactFloat64())
	if limit == risk.LimitNone {
		return
	}

	current, peak, _ := r.limits.Snapshot()
	r.logger.Warn("daily limit reached, new entries halted",
		"limit", limit.String(),
		"pnl_day", current.String(),
		"peak", peak.String(),
	)
	r.recorder.RecordDailyLimit(limit.String())
	r.notifier.Notify(ctx, alerting.EventDailyLimit, "daily limit reached, new entries halted",
		"limit", limit.String(),
		"pnl_day", current.String(),
		"position", r.current,
	)

	if limit == risk.LimitCloseAll {
		r.flattenIfOpen(ctx, limit.String())
	}
}

// ResetDay starts a new trading day when now falls on a later UTC date
// than the book's day. It reports whether a reset happened.
func (r *Rules) ResetDay(now time.Time) bool {
	if !r.book.ResetDay(now) {
		return false
	}
	if r.limits != nil {
		r.limits.Reset()
		r.recorder.RecordPnLDay(0)
	}
	return true
}

func (r *Rules) halted() (risk.Limit, bool) {
	if r.limits == nil {
		return risk.LimitNone, false
	}
	l := r.limits.Reached()
	return l, l != risk.LimitNone
}

func (r *Rules) flattenIfOpen(ctx context.Context, reason string) (monitor.Action, bool) {
	if r.current == 0 {
		r.logger.Debug("flatten skipped: already flat")
		return monitor.Action{}, false
	}
	return r.Flatten(ctx, reason), true
}

func (r *Rules) goDirection(ctx context.Context, target int) monitor.Action {
	side, _ := types.SideFromDirection(target)
	a := monitor.Action{Kind: ActionEntry, Instrument: r.cfg.Instrument, Target: target}

	if r.current == target {
		a.Kind = ActionSkip
		a.OK = true
		a.Reason = "already_" + side.String()
		r.state.AddAction(a)
		return a
	}

	if limit, ok := r.halted(); ok {
		r.logger.Info("entry ignored: daily limit reached", "target", target, "limit", limit.String())
		a.Kind = ActionSkip
		a.Reason = "halted:" + limit.String()
		r.state.AddAction(a)
		return a
	}

	sig := types.Signal{Instrument: r.cfg.Instrument, Position: target}
	d := r.policy.ShouldEnter(ctx, sig)

	scheduled := d.OK
	if !d.OK && !(d.Outside() && r.cfg.AllowUnscheduled) {
		r.logger.Info("entry ignored by policy", "target", target, "reason", d.Reason)
		a.Kind = ActionSkip
		a.Reason = d.Reason
		r.state.AddAction(a)
		return a
	}

	if r.current != 0 {
		r.logger.Info("reversing position", "from", r.current, "to", target)
		r.Flatten(ctx, "reversal")
		if limit, ok := r.halted(); ok {
			r.logger.Info("reversal stopped flat: daily limit reached", "target", target, "limit", limit.String())
			a.Kind = ActionSkip
			a.Reason = "halted:" + limit.String()
			r.state.AddAction(a)
			return a
		}
	}

	var res execution.Result
	if scheduled {
		r.logger.Info("entry via schedule", "schedule_id", d.Schedule.ID, "side", side.String())
		res = r.executor.Execute(ctx, *d.Schedule, side)
	} else {
		r.logger.Info("entry via default size, no schedule open", "side", side.String())
		res = r.executor.PlaceDefault(ctx, side)
	}

	a.Reason = res.Reason
	if !res.Success {
		r.state.AddAction(a)
		return a
	}

	a.OK = true
	r.current = target
	r.book.ApplyFill(position.Fill{
		Instrument: r.cfg.Instrument,
		Side:       side.EntrySide(),
		Qty:        res.TotalLots,
		Price:      res.FillPrice,
	})
	if scheduled {
		a.Reason = "allowed:" + d.Schedule.ID
		if err := r.policy.CommitEntry(ctx, d.Schedule.ID); err != nil {
			r.logger.Error("quota commit not persisted", "schedule_id", d.Schedule.ID, "err", err)
		}
	} else {
		a.Reason = "unscheduled"
	}

	r.publish()
	r.state.AddAction(a)
	r.state.AddTrade(tradeFrom(r.cfg.Instrument, target, res))
	return a
}

func (r *Rules) publish() {
	r.recorder.RecordPosition(r.cfg.Instrument, r.current)
	r.state.SetPosition(r.cfg.Instrument, r.current)
}

func tradeFrom(instrument string, target int, res execution.Result) monitor.Trade {
	t := monitor.Trade{
		Instrument: instrument,
		ScheduleID: res.ScheduleID,
		Position:   target,
		Quantity:   res.TotalLots,
		TPLots:     res.TPLots,
		OrderID:    res.OrderID,
	}
	if res.FillPrice.Valid {
		t.FillPrice = res.FillPrice.Decimal.String()
	}
	if res.TakeProfit != nil && res.TakeProfit.Placed {
		t.TPPlaced = true
		t.TPPrice = res.TakeProfit.LimitPrice.Decimal.String()
	}
	return t
}

func targetList(targets map[int]bool) []int {
	out := make([]int, 0, len(targets))
	for _, t := range []int{0, 1, -1} {
		if targets[t] {
			out = append(out, t)
		}
	}
	return out
}
