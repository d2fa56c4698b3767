package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTelegramAPI is the Bot API root.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig holds configuration for Telegram alerter.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Timeout  time.Duration
	// APIURL overrides DefaultTelegramAPI.
	APIURL string
}

// TelegramAlerter sends alerts via Telegram.
type TelegramAlerter struct {
	cfg    TelegramConfig
	client *http.Client
	now    func() time.Time
}

// NewTelegramAlerter creates a new Telegram alerter.
func NewTelegramAlerter(cfg TelegramConfig) *TelegramAlerter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultTelegramAPI
	}

	return &TelegramAlerter{
		cfg: cfg,
		client: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

// Name returns the name of the alerter.
func (t *TelegramAlerter) Name() string {
	return "telegram"
}

// telegramMessage represents the Telegram API message format.
type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// telegramResponse represents the Telegram API response.
type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// Alert sends an alert via Telegram.
func (t *TelegramAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	return t.send(ctx, t.formatMessage(severity, message, fields...))
}

// SendSessionSummary sends a formatted end-of-run summary.
func (t *TelegramAlerter) SendSessionSummary(ctx context.Context, summary SessionSummary) error {
	return t.send(ctx, t.formatSessionSummary(summary))
}

func (t *TelegramAlerter) send(ctx context.Context, text string) error {
	msg := telegramMessage{
		ChatID:    t.cfg.ChatID,
		Text:      text,
		ParseMode: "HTML",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.cfg.APIURL, "/"), t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var telegramResp telegramResponse
	if err := json.Unmarshal(respBody, &telegramResp); err != nil {
		return fmt.Errorf("parse response (HTTP %d): %w", resp.StatusCode, err)
	}

	if !telegramResp.OK {
		return fmt.Errorf("telegram API error: %s", telegramResp.Description)
	}

	return nil
}

// formatMessage renders an alert as Telegram HTML, headed by the event
// name when there is one.
func (t *TelegramAlerter) formatMessage(severity Severity, message string, fields ...any) string {
	event, fields := splitEvent(fields)
	head := fmt.Sprintf("%s <b>[%s]</b>", severity.Emoji(), severity.String())
	if event != "" {
		head += " <b>" + html.EscapeString(string(event)) + "</b>"
	}
	text := head + "\n" + html.EscapeString(message)

	if len(fields) > 0 {
		fieldsStr := FormatFields(fields...)
		if fieldsStr != "" {
			text += "\n\n<b>Details:</b>\n" + html.EscapeString(fieldsStr)
		}
	}

	text += fmt.Sprintf("\n\n<i>%s</i>", t.now().UTC().Format("2006-01-02 15:04:05 MST"))

	return text
}

func (t *TelegramAlerter) formatSessionSummary(s SessionSummary) string {
	now := t.now()
	text := fmt.Sprintf(`📋 <b>Session Summary</b>
<b>Started:</b> %s
<b>Duration:</b> %s

<b>Activity:</b>
• Signals: %d
• Entries: %d | Failed: %d
• Take-profits: %d placed, %d failed (%.0f%% coverage)
• Uncovered exposures: %d
• Flattens: %d

<b>Vetoes:</b>
• Risk rejections: %d
• Quota exhausted: %d
• Daily limits reached: %d`,
		s.Started.Format("2006-01-02 15:04 MST"),
		s.Duration(now),
		s.Signals,
		s.Entries, s.EntryFailures,
		s.TakeProfitsPlaced, s.TakeProfitsFailed, s.TPCoverage(),
		s.UncoveredExposures,
		s.Flattens,
		s.RiskRejections,
		s.QuotaExhausted,
		s.DailyLimits,
	)
	if q := s.quotaLine(); q != "" {
		text += "\n\n<b>Quota:</b> " + html.EscapeString(q)
	}
	return text
}
