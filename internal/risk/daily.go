package risk

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Limit identifies a daily P&L limit.
type Limit int

const (
	LimitNone Limit = iota
	// LimitMaxGain halts new entries (evaluation accounts cap the day's gain).
	LimitMaxGain
	// LimitCloseAll flattens the account and halts new entries.
	LimitCloseAll
)

func (l Limit) String() string {
	switch l {
	case LimitMaxGain:
		return "daily_max_gain"
	case LimitCloseAll:
		return "daily_close_all"
	default:
		return "none"
	}
}

// DailyConfig holds the daily P&L limits in account currency. A zero limit
// is disabled.
type DailyConfig struct {
	// PointValue converts one price point on one lot into account currency.
	// Zero means 1.
	PointValue decimal.Decimal
	CloseAllAt decimal.Decimal
	MaxGain    decimal.Decimal
}

// Enabled reports whether any limit is set.
func (c DailyConfig) Enabled() bool {
	return c.CloseAllAt.IsPositive() || c.MaxGain.IsPositive()
}

// DailyTracker follows the day's realized P&L and its peak, and latches the
// first limit it reaches until Reset.
// Thread-safe for concurrent access.
type DailyTracker struct {
	cfg DailyConfig

	mu      sync.RWMutex
	current decimal.Decimal
	peak    decimal.Decimal
	reached Limit
}

// NewDailyTracker creates a tracker for a fresh day.
func NewDailyTracker(cfg DailyConfig) *DailyTracker {
	if !cfg.PointValue.IsPositive() {
		cfg.PointValue = decimal.NewFromInt(1)
	}
	return &DailyTracker{cfg: cfg}
}

// Update records the day's realized P&L, given in price points, and returns
// the limit it newly reaches. A reached close-all limit is never downgraded;
// a reached max-gain limit can still escalate to close-all.
func (d *DailyTracker) Update(pnlPoints decimal.Decimal) Limit {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.current = pnlPoints.Mul(d.cfg.PointValue)
	if d.current.GreaterThan(d.peak) {
		d.peak = d.current
	}

	switch {
	case d.reached < LimitCloseAll && d.cfg.CloseAllAt.IsPositive() && d.current.GreaterThanOrEqual(d.cfg.CloseAllAt):
		d.reached = LimitCloseAll
		return LimitCloseAll
	case d.reached == LimitNone && d.cfg.MaxGain.IsPositive() && d.current.GreaterThanOrEqual(d.cfg.MaxGain):
		d.reached = LimitMaxGain
		return LimitMaxGain
	}
	return LimitNone
}

// Reached returns the limit latched today, LimitNone if none.
func (d *DailyTracker) Reached() Limit {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reached
}

// Current returns the day's realized P&L in account currency.
func (d *DailyTracker) Current() decimal.Decimal {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// Snapshot returns the current P&L, the day's peak and the latched limit.
func (d *DailyTracker) Snapshot() (current, peak decimal.Decimal, reached Limit) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current, d.peak, d.reached
}

// Reset starts a new day.
func (d *DailyTracker) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = decimal.Zero
	d.peak = decimal.Zero
	d.reached = LimitNone
}
