package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/tathienbao/execbot/internal/schedule"
	"github.com/tathienbao/execbot/internal/types"
)

func fixedClock(hhmmss string) func() time.Time {
	c := schedule.MustParseClock(hhmmss)
	return func() time.Time {
		return c.On(time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC))
	}
}

func stopAt(s string) *schedule.Clock {
	c := schedule.MustParseClock(s)
	return &c
}

var sched = schedule.Schedule{ID: "open"}

func TestGuard_MaxOrderSize(t *testing.T) {
	g := NewGuard(Config{MaxOrderSize: 3}, nil)

	tests := []struct {
		lots   int
		wantOK bool
	}{
		{1, true},
		{3, true}, // equal never rejects
		{4, false},
		{100, false},
	}

	for _, tt := range tests {
		d := g.CanEnter(sched, types.SideLong, tt.lots)
		if d.OK != tt.wantOK {
			t.Errorf("CanEnter(lots=%d).OK = %v, want %v", tt.lots, d.OK, tt.wantOK)
		}
		if !d.OK && !strings.Contains(d.Reason, ReasonMaxOrderSizeExceeded) {
			t.Errorf("reason = %s, want %s", d.Reason, ReasonMaxOrderSizeExceeded)
		}
	}

	if d := g.CanEnter(sched, types.SideShort, 4); d.Reason != "risk:max_order_size_exceeded(4>3)" {
		t.Errorf("reason = %s", d.Reason)
	}
}

func TestGuard_TooCloseToStop(t *testing.T) {
	tests := []struct {
		name   string
		now    string
		wantOK bool
		reason string
	}{
		{"well before stop", "19:30", true, ReasonOK},
		{"inside threshold", "19:56:30", false, "risk:too_close_to_stop(3m<5m)"},
		{"exactly at threshold", "19:55", true, ReasonOK},
		{"at stop", "20:00", false, "risk:too_close_to_stop(0m<5m)"},
		{"after stop", "20:00:30", true, ReasonOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard(Config{MinMinutesBeforeStop: 5, SessionStop: stopAt("20:00")}, nil).
				WithClock(fixedClock(tt.now))
			d := g.CanEnter(sched, types.SideLong, 1)
			if d.OK != tt.wantOK {
				t.Errorf("OK = %v, want %v (reason %s)", d.OK, tt.wantOK, d.Reason)
			}
			if d.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", d.Reason, tt.reason)
			}
		})
	}
}

func TestGuard_StopCheckNeedsSessionStop(t *testing.T) {
	g := NewGuard(Config{MinMinutesBeforeStop: 60}, nil).WithClock(fixedClock("19:59"))
	if d := g.CanEnter(sched, types.SideLong, 1); !d.OK {
		t.Errorf("expected accept without session stop, got %s", d.Reason)
	}
}

func TestGuard_SizeCheckedFirst(t *testing.T) {
	g := NewGuard(Config{MaxOrderSize: 1, MinMinutesBeforeStop: 5, SessionStop: stopAt("20:00")}, nil).
		WithClock(fixedClock("19:58"))
	d := g.CanEnter(sched, types.SideLong, 2)
	if !strings.Contains(d.Reason, ReasonMaxOrderSizeExceeded) {
		t.Errorf("reason = %s, want size rejection first", d.Reason)
	}
}

func TestMinutesUntil(t *testing.T) {
	day := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	stop := schedule.MustParseClock("20:00")

	tests := []struct {
		now  time.Duration
		want int
	}{
		{19*time.Hour + 50*time.Minute, 10},
		{19*time.Hour + 59*time.Minute + 30*time.Second, 0},
		{20 * time.Hour, 0},
		{20*time.Hour + 30*time.Second, -1},
		{21 * time.Hour, -60},
	}
	for _, tt := range tests {
		if got := MinutesUntil(day.Add(tt.now), stop); got != tt.want {
			t.Errorf("MinutesUntil(%s) = %d, want %d", tt.now, got, tt.want)
		}
	}
}
