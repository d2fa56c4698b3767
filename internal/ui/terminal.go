// Package ui renders the bot's persisted state in a terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tathienbao/execbot/internal/persistence"
	"github.com/tathienbao/execbot/internal/types"
	"golang.org/x/term"
)

// ANSI escape codes
const (
	ClearLine   = "\033[2K"
	MoveToStart = "\r"
	MoveUp      = "\033[%dA"
	HideCursor  = "\033[?25l"
	ShowCursor  = "\033[?25h"
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorRed    = "\033[31m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorDim    = "\033[2m"
	ColorBold   = "\033[1m"
)

// QuotaRow is one schedule's quota usage for today.
type QuotaRow struct {
	ScheduleID string
	Window     string
	Used       int
	Max        int
	Active     bool
}

// Status is everything the status screen shows.
type Status struct {
	Mode   string
	Now    time.Time
	State  types.TradeState
	Quotas []QuotaRow
	Orders []persistence.OrderRecord
}

// StatusUI draws Status frames, overwriting the previous frame on a terminal.
type StatusUI struct {
	out   io.Writer
	width int
	color bool

	// Track lines printed for cleanup
	linesPrinted int
}

// NewStatusUI creates a status screen on out. Colors and redraw are enabled
// only when out is a terminal.
func NewStatusUI(out io.Writer) *StatusUI {
	ui := &StatusUI{out: out, width: 80}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		ui.color = true
		ui.width, _ = getTerminalSize(f)
	}
	return ui
}

// Start hides the cursor.
func (ui *StatusUI) Start() {
	if ui.color {
		fmt.Fprint(ui.out, HideCursor)
	}
}

// Stop restores the cursor.
func (ui *StatusUI) Stop() {
	if ui.color {
		fmt.Fprint(ui.out, ShowCursor)
	}
}

// Render draws s, replacing the previous frame.
func (ui *StatusUI) Render(s Status) {
	if ui.color && ui.linesPrinted > 0 {
		fmt.Fprintf(ui.out, MoveUp, ui.linesPrinted)
	}

	lines := ui.Lines(s)
	for _, line := range lines {
		if ui.color {
			fmt.Fprint(ui.out, ClearLine)
		}
		fmt.Fprintln(ui.out, line)
	}
	ui.linesPrinted = len(lines)
}

// Lines builds one frame.
func (ui *StatusUI) Lines(s Status) []string {
	var lines []string

	lines = append(lines, fmt.Sprintf("%sexecbot%s %s │ %s UTC",
		ui.c(ColorBold), ui.c(ColorReset), strings.ToUpper(s.Mode), s.Now.UTC().Format("2006-01-02 15:04:05")))
	lines = append(lines, ui.rule())

	// Positions
	lines = append(lines, ui.c(ColorBold)+"Positions"+ui.c(ColorReset))
	instruments := make([]string, 0, len(s.State.Positions))
	for k := range s.State.Positions {
		instruments = append(instruments, k)
	}
	sort.Strings(instruments)
	open := 0
	for _, inst := range instruments {
		p := s.State.Positions[inst]
		if p.Side == types.SideFlat {
			continue
		}
		open++
		color := ColorGreen
		if p.Side == types.SideShort {
			color = ColorRed
		}
		avg := "-"
		if p.AvgPrice.Valid {
			avg = p.AvgPrice.Decimal.String()
		}
		lines = append(lines, fmt.Sprintf("  %-24s %s%-5s%s qty %-3d avg %s",
			inst, ui.c(color), p.Side, ui.c(ColorReset), p.Qty, avg))
	}
	if open == 0 {
		lines = append(lines, "  "+ui.c(ColorDim)+"flat"+ui.c(ColorReset))
	}

	pnlColor := ColorGreen
	if s.State.PnLDay.IsNegative() {
		pnlColor = ColorRed
	}
	lines = append(lines, fmt.Sprintf("  P&L today: %s%s%s (since %s)",
		ui.c(pnlColor), s.State.PnLDay.StringFixed(2), ui.c(ColorReset), s.State.LastReset.UTC().Format("2006-01-02")))
	lines = append(lines, ui.rule())

	// Quotas
	lines = append(lines, ui.c(ColorBold)+"Schedules"+ui.c(ColorReset))
	for _, q := range s.Quotas {
		marker := " "
		if q.Active {
			marker = ui.c(ColorCyan) + "▶" + ui.c(ColorReset)
		}
		lines = append(lines, fmt.Sprintf("%s %-16s %-13s %s %d/%d",
			marker, q.ScheduleID, q.Window, ui.bar(q.Used, q.Max), q.Used, q.Max))
	}
	if len(s.Quotas) == 0 {
		lines = append(lines, "  "+ui.c(ColorDim)+"none configured"+ui.c(ColorReset))
	}

	// Orders
	if len(s.Orders) > 0 {
		lines = append(lines, ui.rule())
		lines = append(lines, ui.c(ColorBold)+"Recent orders"+ui.c(ColorReset))
		for _, o := range s.Orders {
			status := ui.c(ColorGreen) + "ok " + ui.c(ColorReset)
			if !o.Success {
				status = ui.c(ColorRed) + "ERR" + ui.c(ColorReset)
			}
			price := ""
			if o.LimitPrice.Valid {
				price = "@" + o.LimitPrice.Decimal.String()
			}
			line := fmt.Sprintf("  %s %s %-6s %-4s %d %s %s",
				o.CreatedAt.UTC().Format("15:04:05"), status, o.Type, o.Side, o.Size, price, o.ErrorMessage)
			lines = append(lines, ui.truncate(strings.TrimRight(line, " ")))
		}
	}

	return lines
}

func (ui *StatusUI) c(code string) string {
	if !ui.color {
		return ""
	}
	return code
}

func (ui *StatusUI) rule() string {
	w := ui.width
	if w > 60 {
		w = 60
	}
	return ui.c(ColorDim) + strings.Repeat("─", w) + ui.c(ColorReset)
}

// bar draws used/max as a fixed-width gauge; it turns yellow when spent.
func (ui *StatusUI) bar(used, max int) string {
	const width = 10
	if max <= 0 {
		return ui.c(ColorDim) + strings.Repeat("░", width) + ui.c(ColorReset)
	}
	filled := used * width / max
	if filled > width {
		filled = width
	}
	color := ColorCyan
	if used >= max {
		color = ColorYellow
	}
	return ui.c(color) + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + ui.c(ColorReset)
}

func (ui *StatusUI) truncate(s string) string {
	if ui.color || len(s) <= ui.width || ui.width <= 0 {
		return s
	}
	return s[:ui.width]
}

// getTerminalSize returns terminal dimensions
func getTerminalSize(f *os.File) (width, height int) {
	width, height, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 80, 24 // Default
	}
	return width, height
}
