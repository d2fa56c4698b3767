// Package alerting provides notification capabilities for the trading bot.
package alerting

import (
	"context"
	"fmt"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for critical alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// FormatFields converts variadic fields to a formatted string.
func FormatFields(fields ...any) string {
	if len(fields) == 0 {
		return ""
	}

	result := ""
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		value := fields[i+1]
		if result != "" {
			result += "\n"
		}
		result += fmt.Sprintf("• %s: %v", key, value)
	}
	return result
}

// AlertEvent represents a pre-defined alert event type.
type AlertEvent string

const (
	// EventEntryPlaced is sent when an entry MARKET order is accepted.
	EventEntryPlaced AlertEvent = "entry_placed"
	// EventEntryFailed is sent when an entry order is refused or fails in transport.
	EventEntryFailed AlertEvent = "entry_failed"
	// EventTakeProfitPlaced is sent when the take-profit LIMIT is accepted.
	EventTakeProfitPlaced AlertEvent = "take_profit_placed"
	// EventTakeProfitFailed is sent when an entry is left without its take-profit.
	EventTakeProfitFailed AlertEvent = "take_profit_failed"
	// EventUncoveredExposure is sent when lots stay open without a take-profit.
	EventUncoveredExposure AlertEvent = "uncovered_exposure"
	// EventFlattened is sent after a flatten of the account.
	EventFlattened AlertEvent = "flattened"
	// EventQuotaExhausted is sent when a signal is dropped for a spent quota.
	EventQuotaExhausted AlertEvent = "quota_exhausted"
	// EventRiskRejected is sent when the risk guard vetoes an entry.
	EventRiskRejected AlertEvent = "risk_rejected"
	// EventDailyLimit is sent when the day's realized P&L halts new entries.
	EventDailyLimit AlertEvent = "daily_limit"
	// EventBotStarted is sent when bot starts.
	EventBotStarted AlertEvent = "bot_started"
	// EventBotStopped is sent when bot stops.
	EventBotStopped AlertEvent = "bot_stopped"
)

// AllEvents lists every event in a stable order.
func AllEvents() []AlertEvent {
	return []AlertEvent{
		EventEntryPlaced, EventEntryFailed, EventTakeProfitPlaced, EventTakeProfitFailed,
		EventUncoveredExposure, EventFlattened, EventQuotaExhausted, EventRiskRejected,
		EventDailyLimit, EventBotStarted, EventBotStopped,
	}
}

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventUncoveredExposure:
		return SeverityCritical
	case EventEntryFailed, EventTakeProfitFailed, EventDailyLimit:
		return SeverityHigh
	case EventRiskRejected, EventQuotaExhausted:
		return SeverityWarning
	case EventEntryPlaced, EventTakeProfitPlaced, EventFlattened:
		return SeverityInfo
	case EventBotStarted, EventBotStopped:
		return SeverityInfo
	default:
		return SeverityInfo
	}
}
