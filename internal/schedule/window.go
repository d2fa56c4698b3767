package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tathienbao/execbot/internal/types"
)

// Clock is a UTC time of day, stored as an offset from midnight.
type Clock time.Duration

// ParseClock parses "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: time %q: want HH:MM", types.ErrInvalidSchedule, s)
	}
	limits := []int{23, 59, 59}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > limits[i] {
			return 0, fmt.Errorf("%w: time %q: want HH:MM", types.ErrInvalidSchedule, s)
		}
		vals[i] = v
	}
	d := time.Duration(vals[0])*time.Hour + time.Duration(vals[1])*time.Minute + time.Duration(vals[2])*time.Second
	return Clock(d), nil
}

// MustParseClock is like ParseClock but panics on error.
func MustParseClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ClockOf returns the UTC time of day of t.
func ClockOf(t time.Time) Clock {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return Clock(t.Sub(midnight))
}

// On returns the instant of c on t's UTC day.
func (c Clock) On(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Add(time.Duration(c))
}

func (c Clock) String() string {
	d := time.Duration(c)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	return fmt.Sprintf("%02d:%02d", h, m)
}

// Window is an inclusive UTC time-of-day range. A window whose start is after
// its end wraps midnight.
type Window struct {
	Start Clock
	End   Clock
}

// ParseWindow parses start and end clocks.
func ParseWindow(start, end string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: s, End: e}, nil
}

// Contains reports whether t's time of day lies in [Start, End].
func (w Window) Contains(t time.Time) bool {
	c := ClockOf(t)
	if w.Start <= w.End {
		return w.Start <= c && c <= w.End
	}
	return c >= w.Start || c <= w.End
}

func (w Window) String() string {
	return w.Start.String() + "-" + w.End.String()
}

// TradingHours is the global session gate. Unlike schedule windows the stop
// bound is exclusive.
type TradingHours struct {
	Start Clock
	Stop  Clock
}

// DefaultTradingHours spans the whole day.
func DefaultTradingHours() TradingHours {
	return TradingHours{Start: MustParseClock("00:00"), Stop: MustParseClock("23:59")}
}

// Within reports start <= t < stop.
func (h TradingHours) Within(t time.Time) bool {
	c := ClockOf(t)
	return h.Start <= c && c < h.Stop
}

// IsShutdown reports t >= stop.
func (h TradingHours) IsShutdown(t time.Time) bool {
	return ClockOf(t) >= h.Stop
}
