package alerting

import (
	"context"
	"log/slog"
	"strings"
)

// ConsoleAlerter writes alerts to the log. Alerts sent by a Notifier are
// tagged with their event, e.g. "[UNCOVERED_EXPOSURE] lots open without
// take-profit", so they can be grepped apart from ordinary log lines.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a console alerter.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger}
}

func (c *ConsoleAlerter) Name() string {
	return "console"
}

// Alert logs the alert at the level matching its severity.
func (c *ConsoleAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	event, rest := splitEvent(fields)
	tag := "ALERT"
	if event != "" {
		tag = strings.ToUpper(string(event))
	}

	attrs := make([]any, 0, len(rest)+2)
	attrs = append(attrs, "severity", severity.String())
	attrs = append(attrs, rest...)
	c.logger.Log(ctx, consoleLevel(severity), "["+tag+"] "+message, attrs...)
	return nil
}

// SendSessionSummary logs the shutdown report as one structured line.
func (c *ConsoleAlerter) SendSessionSummary(ctx context.Context, s SessionSummary) error {
	c.logger.Log(ctx, slog.LevelInfo, "[SESSION_SUMMARY] execution bot stopped", s.Fields(s.Stopped)...)
	return nil
}

func consoleLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityHigh, SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// splitEvent takes the leading event pair that Notifier prepends.
func splitEvent(fields []any) (AlertEvent, []any) {
	if len(fields) < 2 {
		return "", fields
	}
	if k, ok := fields[0].(string); !ok || k != "event" {
		return "", fields
	}
	switch v := fields[1].(type) {
	case string:
		return AlertEvent(v), fields[2:]
	case AlertEvent:
		return v, fields[2:]
	}
	return "", fields
}
