package schedule

import (
	"log/slog"
	"time"
)

// Watcher follows schedule transitions across loop iterations and reports
// when a schedule with flatten_at_end has just closed.
type Watcher struct {
	schedules []Schedule
	active    string
	logger    *slog.Logger
}

// NewWatcher creates a watcher. It starts with no active schedule.
func NewWatcher(schedules []Schedule, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{schedules: schedules, logger: logger}
}

// Active returns the id of the schedule seen active on the last tick.
func (w *Watcher) Active() string {
	return w.active
}

// Tick observes now. When the previously active schedule is no longer active
// and it asks to be flattened at its end, Tick returns it with flatten=true.
func (w *Watcher) Tick(now time.Time) (ended Schedule, flatten bool) {
	current := ""
	if s, ok := firstActive(w.schedules, now); ok {
		current = s.ID
	}

	if current == w.active {
		return Schedule{}, false
	}

	if current != "" && w.active == "" {
		w.logger.Info("schedule started", "schedule_id", current)
		w.active = current
		return Schedule{}, false
	}

	prev := w.active
	w.active = current
	if current != "" {
		w.logger.Info("schedule started", "schedule_id", current, "previous", prev)
	}

	for _, s := range w.schedules {
		if s.ID != prev {
			continue
		}
		if s.Strategy.FlattenAtEnd {
			w.logger.Info("schedule ended, flatten requested", "schedule_id", prev)
			return s, true
		}
		w.logger.Info("schedule ended", "schedule_id", prev)
		return s, false
	}
	return Schedule{}, false
}
