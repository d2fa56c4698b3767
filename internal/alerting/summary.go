package alerting

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SessionSummary contains run statistics for the shutdown report.
type SessionSummary struct {
	Started            time.Time
	Stopped            time.Time
	Signals            int
	Entries            int
	EntryFailures      int
	TakeProfitsPlaced  int
	TakeProfitsFailed  int
	UncoveredExposures int
	Flattens           int
	RiskRejections     int
	QuotaExhausted     int
	DailyLimits        int
	QuotaUsage         map[string]QuotaUsage
}

// QuotaUsage is one schedule's counter at report time.
type QuotaUsage struct {
	Used int
	Max  int
}

// NewSessionSummary creates an empty summary started at now.
func NewSessionSummary(now time.Time) SessionSummary {
	return SessionSummary{
		Started:    now.UTC(),
		QuotaUsage: make(map[string]QuotaUsage),
	}
}

// Count folds one event into the counters.
func (s *SessionSummary) Count(event AlertEvent) {
	switch event {
	case EventEntryPlaced:
		s.Entries++
	case EventEntryFailed:
		s.EntryFailures++
	case EventTakeProfitPlaced:
		s.TakeProfitsPlaced++
	case EventTakeProfitFailed:
		s.TakeProfitsFailed++
	case EventUncoveredExposure:
		s.UncoveredExposures++
	case EventFlattened:
		s.Flattens++
	case EventRiskRejected:
		s.RiskRejections++
	case EventQuotaExhausted:
		s.QuotaExhausted++
	case EventDailyLimit:
		s.DailyLimits++
	}
}

// Duration returns how long the session ran. An open session is measured to now.
func (s SessionSummary) Duration(now time.Time) time.Duration {
	end := s.Stopped
	if end.IsZero() {
		end = now
	}
	return end.Sub(s.Started).Truncate(time.Second)
}

// TPCoverage returns placed take-profits as a percentage of entries.
func (s SessionSummary) TPCoverage() float64 {
	if s.Entries == 0 {
		return 0
	}
	return float64(s.TakeProfitsPlaced) / float64(s.Entries) * 100
}

// Fields returns the summary as alert key/value pairs.
func (s SessionSummary) Fields(now time.Time) []any {
	fields := []any{
		"duration", s.Duration(now).String(),
		"signals", s.Signals,
		"entries", s.Entries,
		"entry_failures", s.EntryFailures,
		"tp_placed", s.TakeProfitsPlaced,
		"tp_failed", s.TakeProfitsFailed,
		"uncovered", s.UncoveredExposures,
		"flattens", s.Flattens,
		"risk_rejections", s.RiskRejections,
		"quota_exhausted", s.QuotaExhausted,
		"daily_limits", s.DailyLimits,
	}
	if q := s.quotaLine(); q != "" {
		fields = append(fields, "quota", q)
	}
	return fields
}

func (s SessionSummary) quotaLine() string {
	ids := make([]string, 0, len(s.QuotaUsage))
	for id := range s.QuotaUsage {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		u := s.QuotaUsage[id]
		parts = append(parts, fmt.Sprintf("%s %d/%d", id, u.Used, u.Max))
	}
	return strings.Join(parts, ", ")
}
