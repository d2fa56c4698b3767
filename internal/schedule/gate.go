// Package schedule resolves trading schedules and enforces their daily entry quotas.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tathienbao/execbot/internal/types"
)

// QuotaStore persists quota counters keyed by "YYYY-MM-DD:<schedule_id>".
// Load must tolerate a missing or unreadable backing store by returning an
// empty map.
type QuotaStore interface {
	LoadQuotas(ctx context.Context) (map[string]int, error)
	SaveQuotas(ctx context.Context, counts map[string]int) error
}

// QuotaKey returns the counter key for a schedule on t's UTC day.
func QuotaKey(t time.Time, scheduleID string) string {
	return t.UTC().Format("2006-01-02") + ":" + scheduleID
}

// Quota is the answer to "may we enter now".
type Quota struct {
	Allowed    bool
	ScheduleID string
	Used       int
	Max        int
}

// Gate tracks which schedule is active and how many entries it has used today.
// It is owned by the decision loop.
type Gate struct {
	schedules []Schedule
	byID      map[string]int
	store     QuotaStore
	counts    map[string]int
	logger    *slog.Logger
}

// NewGate creates a gate over resolved schedules and loads persisted counters.
func NewGate(ctx context.Context, schedules []Schedule, store QuotaStore, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(schedules) == 0 {
		return nil, fmt.Errorf("%w: at least one schedule is required", types.ErrInvalidSchedule)
	}

	g := &Gate{
		schedules: schedules,
		byID:      make(map[string]int, len(schedules)),
		store:     store,
		counts:    make(map[string]int),
		logger:    logger,
	}
	for i, s := range schedules {
		g.byID[s.ID] = i
	}

	if store != nil {
		counts, err := store.LoadQuotas(ctx)
		if err != nil {
			logger.Warn("quota store unreadable, starting with empty counters", "err", err)
		} else if counts != nil {
			g.counts = counts
		}
	}

	return g, nil
}

// Schedules returns the resolved schedules in declaration order.
func (g *Gate) Schedules() []Schedule {
	out := make([]Schedule, len(g.schedules))
	copy(out, g.schedules)
	return out
}

// Schedule looks up a schedule by id.
func (g *Gate) Schedule(id string) (Schedule, bool) {
	i, ok := g.byID[id]
	if !ok {
		return Schedule{}, false
	}
	return g.schedules[i], true
}

// CurrentSchedule returns the first schedule, in declaration order, whose
// window contains now.
func (g *Gate) CurrentSchedule(now time.Time) (Schedule, bool) {
	return firstActive(g.schedules, now)
}

// CanEnter reports whether the active schedule still has quota today.
// Outside every window it returns the zero Quota.
func (g *Gate) CanEnter(now time.Time) Quota {
	s, ok := g.CurrentSchedule(now)
	if !ok {
		return Quota{}
	}
	used := g.counts[QuotaKey(now, s.ID)]
	return Quota{
		Allowed:    used < s.MaxTrades,
		ScheduleID: s.ID,
		Used:       used,
		Max:        s.MaxTrades,
	}
}

// Used returns today's counter for a schedule.
func (g *Gate) Used(id string, now time.Time) int {
	return g.counts[QuotaKey(now, id)]
}

// Commit records one confirmed entry for the schedule and persists the counters.
// The in-memory count is kept even when saving fails.
func (g *Gate) Commit(ctx context.Context, id string, now time.Time) error {
	if _, ok := g.byID[id]; !ok {
		return fmt.Errorf("%w: unknown schedule %q", types.ErrInvalidSchedule, id)
	}
	key := QuotaKey(now, id)
	g.counts[key]++

	g.logger.Info("schedule quota committed",
		"schedule_id", id,
		"key", key,
		"used", g.counts[key],
	)

	return g.Flush(ctx)
}

// Flush persists the current counters.
func (g *Gate) Flush(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	if err := g.store.SaveQuotas(ctx, g.Counts()); err != nil {
		return fmt.Errorf("save quotas: %w", err)
	}
	return nil
}

// Counts returns a copy of all counters.
func (g *Gate) Counts() map[string]int {
	out := make(map[string]int, len(g.counts))
	for k, v := range g.counts {
		out[k] = v
	}
	return out
}

func firstActive(schedules []Schedule, now time.Time) (Schedule, bool) {
	for _, s := range schedules {
		if s.Window.Contains(now) {
			return s, true
		}
	}
	return Schedule{}, false
}
