// Package entry decides whether a new position may be opened now and under
// which schedule.
package entry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tathienbao/execbot/internal/alerting"
	"github.com/tathienbao/execbot/internal/metrics"
	"github.com/tathienbao/execbot/internal/schedule"
	"github.com/tathienbao/execbot/internal/types"
)

// ReasonOutsideSchedules is returned when no schedule window is open.
const ReasonOutsideSchedules = "outside_schedules"

// Decision is the answer to ShouldEnter. Schedule is set only when OK.
type Decision struct {
	OK       bool
	Reason   string
	Schedule *schedule.Schedule
}

// Outside reports whether the refusal was for lack of an open window.
func (d Decision) Outside() bool {
	return !d.OK && d.Reason == ReasonOutsideSchedules
}

// Policy maps schedule gate answers to entry decisions.
type Policy struct {
	gate     *schedule.Gate
	now      func() time.Time
	notifier *alerting.Notifier
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// NewPolicy creates an entry policy over gate. notifier may be nil.
func NewPolicy(gate *schedule.Gate, notifier *alerting.Notifier, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		gate:     gate,
		now:      time.Now,
		notifier: notifier,
		logger:   logger,
		recorder: metrics.NewRecorder(),
	}
}

// WithClock replaces the policy's time source.
func (p *Policy) WithClock(now func() time.Time) *Policy {
	p.now = now
	return p
}

// ShouldEnter asks the gate for the schedule open now.
func (p *Policy) ShouldEnter(ctx context.Context, sig types.Signal) Decision {
	now := p.now()
	q := p.gate.CanEnter(now)

	if q.ScheduleID == "" {
		p.logger.Debug("entry outside schedules", "instrument", sig.Instrument, "position", sig.Position)
		return Decision{Reason: ReasonOutsideSchedules}
	}

	if !q.Allowed {
		reason := fmt.Sprintf("quota_exhausted:%s (%d/%d)", q.ScheduleID, q.Used, q.Max)
		p.logger.Info("entry refused", "instrument", sig.Instrument, "reason", reason)
		p.recorder.RecordEntry(q.ScheduleID, "quota_exhausted")
		p.notifier.Notify(ctx, alerting.EventQuotaExhausted, "signal dropped, schedule quota used up",
			"schedule_id", q.ScheduleID,
			"used", q.Used,
			"max", q.Max,
		)
		return Decision{Reason: reason}
	}

	s, ok := p.gate.Schedule(q.ScheduleID)
	if !ok {
		return Decision{Reason: ReasonOutsideSchedules}
	}
	return Decision{OK: true, Reason: "allowed:" + s.ID, Schedule: &s}
}

// CommitEntry counts a successful entry against the schedule's quota.
// Call it only after the entry's MARKET leg was accepted.
func (p *Policy) CommitEntry(ctx context.Context, scheduleID string) error {
	now := p.now()
	err := p.gate.Commit(ctx, scheduleID, now)

	used := p.gate.Used(scheduleID, now)
	p.recorder.RecordQuota(scheduleID, used)
	if s, ok := p.gate.Schedule(scheduleID); ok {
		p.notifier.RecordQuota(scheduleID, used, s.MaxTrades)
	}
	return err
}
