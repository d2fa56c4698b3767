// Package risk implements pre-trade vetoes for new entries.
package risk

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tathienbao/execbot/internal/schedule"
	"github.com/tathienbao/execbot/internal/types"
)

// Rejection reasons. Each reason string carries the compared values.
const (
	ReasonOK                   = "ok"
	ReasonMaxOrderSizeExceeded = "max_order_size_exceeded"
	ReasonTooCloseToStop       = "too_close_to_stop"
)

// Config holds risk thresholds. A zero or negative threshold disables its check.
type Config struct {
	MaxOrderSize         int
	MinMinutesBeforeStop int
	// SessionStop is the global trading_hours stop; nil when not configured.
	SessionStop *schedule.Clock
}

// DefaultConfig returns a config with every check disabled.
func DefaultConfig() Config {
	return Config{}
}

// Decision is the outcome of a risk check.
type Decision struct {
	OK     bool
	Reason string
}

// Guard vetoes entries that break configured limits. It never mutates state.
type Guard struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewGuard creates a risk guard.
func NewGuard(cfg Config, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{cfg: cfg, now: time.Now, logger: logger}
}

// WithClock replaces the guard's time source.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Config returns the guard configuration.
func (g *Guard) Config() Config {
	return g.cfg
}

// CanEnter checks order size first, then proximity to the session stop.
func (g *Guard) CanEnter(s schedule.Schedule, side types.Side, totalLots int) Decision {
	if g.cfg.MaxOrderSize > 0 && totalLots > g.cfg.MaxOrderSize {
		return g.reject(s, side, fmt.Sprintf("risk:%s(%d>%d)", ReasonMaxOrderSizeExceeded, totalLots, g.cfg.MaxOrderSize))
	}

	if g.cfg.MinMinutesBeforeStop > 0 && g.cfg.SessionStop != nil {
		now := g.now().UTC()
		mins := MinutesUntil(now, *g.cfg.SessionStop)
		// a stop already passed today does not block
		if mins >= 0 && mins < g.cfg.MinMinutesBeforeStop {
			return g.reject(s, side, fmt.Sprintf("risk:%s(%dm<%dm)", ReasonTooCloseToStop, mins, g.cfg.MinMinutesBeforeStop))
		}
	}

	return Decision{OK: true, Reason: ReasonOK}
}

func (g *Guard) reject(s schedule.Schedule, side types.Side, reason string) Decision {
	g.logger.Warn("entry rejected by risk guard",
		"schedule_id", s.ID,
		"side", side.String(),
		"reason", reason,
	)
	return Decision{OK: false, Reason: reason}
}

// MinutesUntil returns whole minutes from now until stop on now's UTC day,
// rounded toward negative infinity. It is negative once stop has passed.
func MinutesUntil(now time.Time, stop schedule.Clock) int {
	target := time.Duration(stop).Truncate(time.Minute)
	delta := schedule.Clock(target).On(now).Sub(now.UTC())
	mins := delta / time.Minute
	if delta < 0 && delta%time.Minute != 0 {
		mins--
	}
	return int(mins)
}
