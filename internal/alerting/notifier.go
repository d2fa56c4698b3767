package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SummarySender is implemented by channels that render a session summary
// in their own format.
type SummarySender interface {
	SendSessionSummary(ctx context.Context, summary SessionSummary) error
}

// Notifier routes domain events to an alerter, drops events that are not
// enabled and keeps the session counters. A nil *Notifier is a no-op, so
// components can run without alerting.
type Notifier struct {
	alerter Alerter
	enabled map[AlertEvent]bool
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	summary SessionSummary
}

// NewNotifier creates a notifier. An empty events list enables every event.
func NewNotifier(alerter Alerter, events []string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	var enabled map[AlertEvent]bool
	if len(events) > 0 {
		enabled = make(map[AlertEvent]bool, len(events))
		for _, e := range events {
			enabled[AlertEvent(e)] = true
		}
	}
	return &Notifier{
		alerter: alerter,
		enabled: enabled,
		logger:  logger,
		now:     time.Now,
		summary: NewSessionSummary(time.Now()),
	}
}

// Enabled reports whether event is delivered to the alerter.
func (n *Notifier) Enabled(event AlertEvent) bool {
	if n == nil || n.alerter == nil {
		return false
	}
	return n.enabled == nil || n.enabled[event]
}

// Notify counts event and, when enabled, sends it. Delivery failures are
// logged and never returned: alerting must not stop trading.
func (n *Notifier) Notify(ctx context.Context, event AlertEvent, message string, fields ...any) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.summary.Count(event)
	n.mu.Unlock()

	if !n.Enabled(event) {
		return
	}
	fields = append([]any{"event", string(event)}, fields...)
	if err := n.alerter.Alert(ctx, EventSeverity(event), message, fields...); err != nil {
		n.logger.Warn("alert delivery failed", "event", string(event), "alerter", n.alerter.Name(), "err", err)
	}
}

// RecordSignals adds to the signal counter.
func (n *Notifier) RecordSignals(count int) {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.summary.Signals += count
	n.mu.Unlock()
}

// RecordQuota stores the latest counter for a schedule.
func (n *Notifier) RecordQuota(scheduleID string, used, max int) {
	if n == nil || scheduleID == "" {
		return
	}
	n.mu.Lock()
	n.summary.QuotaUsage[scheduleID] = QuotaUsage{Used: used, Max: max}
	n.mu.Unlock()
}

// Summary returns a copy of the session counters.
func (n *Notifier) Summary() SessionSummary {
	if n == nil {
		return NewSessionSummary(time.Now())
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.summary
	out.QuotaUsage = make(map[string]QuotaUsage, len(n.summary.QuotaUsage))
	for k, v := range n.summary.QuotaUsage {
		out.QuotaUsage[k] = v
	}
	return out
}

// SendSummary stamps the stop time and delivers the summary. Channels that
// implement SummarySender format it themselves; others get a plain alert.
func (n *Notifier) SendSummary(ctx context.Context) SessionSummary {
	if n == nil {
		return NewSessionSummary(time.Now())
	}
	now := n.now()
	n.mu.Lock()
	n.summary.Stopped = now.UTC()
	n.mu.Unlock()
	s := n.Summary()

	if n.alerter == nil {
		return s
	}

	var err error
	if ss, ok := n.alerter.(SummarySender); ok {
		err = ss.SendSessionSummary(ctx, s)
	} else {
		err = n.alerter.Alert(ctx, SeverityInfo, "session summary", s.Fields(now)...)
	}
	if err != nil {
		n.logger.Warn("session summary delivery failed", "alerter", n.alerter.Name(), "err", err)
	}
	return s
}
