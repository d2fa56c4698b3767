package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/execbot/internal/persistence"
	"github.com/tathienbao/execbot/internal/types"
)

func sampleStatus() Status {
	now := time.Date(2025, 3, 4, 10, 15, 0, 0, time.UTC)
	st := types.NewTradeState(now)
	st.Positions["MES"] = types.PositionRecord{
		Instrument: "MES",
		Side:       types.SideLong,
		Qty:        2,
		AvgPrice:   decimal.NewNullDecimal(decimal.RequireFromString("5012.25")),
	}
	st.Positions["MGC"] = types.PositionRecord{Instrument: "MGC", Side: types.SideFlat}
	st.PnLDay = decimal.RequireFromString("-12.5")

	return Status{
		Mode:  "simulation",
		Now:   now,
		State: st,
		Quotas: []QuotaRow{
			{ScheduleID: "morning", Window: "06:00-09:55", Used: 1, Max: 1},
			{ScheduleID: "day", Window: "10:00-16:00", Used: 1, Max: 2, Active: true},
		},
		Orders: []persistence.OrderRecord{
			{CreatedAt: now, Type: types.OrderTypeMarket, Side: types.OrderSideBuy, Size: 2, Success: true},
			{CreatedAt: now, Type: types.OrderTypeLimit, Side: types.OrderSideSell, Size: 2,
				LimitPrice: decimal.NewNullDecimal(decimal.RequireFromString("5014.25")), ErrorMessage: "rejected"},
		},
	}
}

func TestStatusUI_LinesPlain(t *testing.T) {
	var buf bytes.Buffer
	ui := NewStatusUI(&buf)
	lines := ui.Lines(sampleStatus())
	out := strings.Join(lines, "\n")

	if strings.Contains(out, "\033[") {
		t.Error("non-terminal output should carry no escape codes")
	}

	wants := []string{
		"SIMULATION",
		"2025-03-04 10:15:00 UTC",
		"MES",
		"LONG",
		"qty 2",
		"avg 5012.25",
		"P&L today: -12.50",
		"morning",
		"1/1",
		"day",
		"1/2",
		"MARKET BUY",
		"@5014.25 rejected",
		"ERR",
	}
	for _, want := range wants {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "MGC") {
		t.Error("flat positions should be hidden")
	}
}

func TestStatusUI_Flat(t *testing.T) {
	ui := NewStatusUI(&bytes.Buffer{})
	s := Status{Mode: "live", Now: time.Now(), State: types.NewTradeState(time.Now())}

	out := strings.Join(ui.Lines(s), "\n")
	if !strings.Contains(out, "flat") {
		t.Errorf("expected flat marker:\n%s", out)
	}
	if !strings.Contains(out, "none configured") {
		t.Errorf("expected empty schedule marker:\n%s", out)
	}
	if strings.Contains(out, "Recent orders") {
		t.Error("orders section should be omitted when empty")
	}
}

func TestStatusUI_Bar(t *testing.T) {
	ui := NewStatusUI(&bytes.Buffer{})

	tests := []struct {
		used, max int
		want      string
	}{
		{0, 2, "░░░░░░░░░░"},
		{1, 2, "█████░░░░░"},
		{2, 2, "██████████"},
		{5, 2, "██████████"},
		{0, 0, "░░░░░░░░░░"},
	}
	for _, tt := range tests {
		if got := ui.bar(tt.used, tt.max); got != tt.want {
			t.Errorf("bar(%d, %d) = %q, want %q", tt.used, tt.max, got, tt.want)
		}
	}
}

func TestStatusUI_Render(t *testing.T) {
	var buf bytes.Buffer
	ui := NewStatusUI(&buf)
	ui.Start()
	ui.Render(sampleStatus())
	ui.Render(sampleStatus())
	ui.Stop()

	if ui.linesPrinted == 0 {
		t.Fatal("linesPrinted not tracked")
	}
	if got := strings.Count(buf.String(), "SIMULATION"); got != 2 {
		t.Errorf("rendered %d frames, want 2", got)
	}
}
