package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tathienbao/execbot/internal/types"
	"gopkg.in/yaml.v3"
)

func ptr[T any](v T) *T { return &v }

func at(day int, hhmm string) time.Time {
	c := MustParseClock(hhmm)
	return c.On(time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC))
}

type memQuota struct {
	counts  map[string]int
	saves   int
	loadErr error
	saveErr error
}

func (m *memQuota) LoadQuotas(context.Context) (map[string]int, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make(map[string]int, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out, nil
}

func (m *memQuota) SaveQuotas(_ context.Context, c map[string]int) error {
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.counts = c
	return nil
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("13:45")
	require.NoError(t, err)
	assert.Equal(t, Clock(13*time.Hour+45*time.Minute), c)
	assert.Equal(t, "13:45", c.String())

	for _, bad := range []string{"", "24:00", "12", "12:60", "aa:bb", "1:2:3:4"} {
		_, err := ParseClock(bad)
		assert.ErrorIs(t, err, types.ErrInvalidSchedule, bad)
	}
}

func TestWindow_ContainsInclusive(t *testing.T) {
	w, err := ParseWindow("13:30", "14:00")
	require.NoError(t, err)

	assert.False(t, w.Contains(at(4, "13:29:59")))
	assert.True(t, w.Contains(at(4, "13:30")))
	assert.True(t, w.Contains(at(4, "14:00")))
	assert.False(t, w.Contains(at(4, "14:00:01")))
}

func TestWindow_WrapsMidnight(t *testing.T) {
	w, err := ParseWindow("22:00", "02:00")
	require.NoError(t, err)

	assert.True(t, w.Contains(at(4, "23:15")))
	assert.True(t, w.Contains(at(4, "01:59")))
	assert.False(t, w.Contains(at(4, "12:00")))
}

func TestTradingHours(t *testing.T) {
	h := TradingHours{Start: MustParseClock("08:00"), Stop: MustParseClock("20:00")}
	assert.True(t, h.Within(at(4, "08:00")))
	assert.False(t, h.Within(at(4, "20:00")))
	assert.True(t, h.IsShutdown(at(4, "20:00")))
	assert.False(t, h.IsShutdown(at(4, "07:00")))
	assert.True(t, DefaultTradingHours().Within(at(4, "12:00")))
}

func TestRef_UnmarshalYAML(t *testing.T) {
	src := `
- id: a
  start_utc: "13:30"
  end_utc: "14:00"
  strategy: A
- id: b
  start_utc: "15:00"
  end_utc: "16:00"
  strategy:
    total_lots: 3
    tp_lots: 1
    carry_remaining: true
- id: c
  start_utc: "17:00"
  end_utc: "18:00"
`
	var defs []Definition
	require.NoError(t, yaml.Unmarshal([]byte(src), &defs))
	require.Len(t, defs, 3)
	assert.Equal(t, "A", defs[0].Strategy.Name)
	require.NotNil(t, defs[1].Strategy.Inline)
	assert.Equal(t, 3, *defs[1].Strategy.Inline.TotalLots)
	assert.Nil(t, defs[2].Strategy.Inline)
	assert.Empty(t, defs[2].Strategy.Name)
}

func TestResolve_TemplateThenOverrides(t *testing.T) {
	templates := []Params{
		{Type: "A", MaxTrades: ptr(2), TotalLots: ptr(4), TPLots: ptr(2), TPTicks: ptr(8), FlattenAtEnd: ptr(true)},
		{TotalLots: ptr(9)}, // no type, skipped
	}
	defs := []Definition{
		{ID: "open", StartUTC: "13:30", EndUTC: "14:00", Strategy: Ref{Name: "A"}, TPTicks: ptr(12)},
		{ID: "close", StartUTC: "19:00", EndUTC: "19:55", MaxTrades: ptr(3), Strategy: Ref{Name: "A"}, FlattenAtEnd: ptr(false)},
		{ID: "inline", StartUTC: "10:00", EndUTC: "11:00", Strategy: Ref{Inline: &Params{TotalLots: ptr(1)}}},
	}

	got, err := Resolve(defs, templates)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, 2, got[0].MaxTrades, "max_trades falls back to the template")
	assert.Equal(t, 12, *got[0].Strategy.TPTicks, "schedule override wins")
	assert.Equal(t, 4, *got[0].Strategy.TotalLots)
	assert.True(t, got[0].Strategy.FlattenAtEnd)
	assert.Equal(t, "A", got[0].Strategy.Template)

	assert.Equal(t, 3, got[1].MaxTrades)
	assert.False(t, got[1].Strategy.FlattenAtEnd)

	assert.Equal(t, 1, got[2].MaxTrades, "default max_trades")
	total, tp := got[2].Strategy.Lots(5)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, tp)
}

func TestResolve_Errors(t *testing.T) {
	_, err := Resolve([]Definition{{ID: "x", StartUTC: "10:00", EndUTC: "11:00", Strategy: Ref{Name: "Z"}}}, nil)
	assert.ErrorIs(t, err, types.ErrUnknownTemplate)

	_, err = Resolve([]Definition{{StartUTC: "10:00", EndUTC: "11:00"}}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidSchedule)

	_, err = Resolve([]Definition{
		{ID: "x", StartUTC: "10:00", EndUTC: "11:00"},
		{ID: "x", StartUTC: "12:00", EndUTC: "13:00"},
	}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidSchedule)

	_, err = Resolve([]Definition{{ID: "x", StartUTC: "25:00", EndUTC: "11:00"}}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidSchedule)
}

func TestStrategy_LotsDefaults(t *testing.T) {
	total, tp := Strategy{}.Lots(2)
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, tp)

	total, tp = Strategy{TotalLots: ptr(3), TPLots: ptr(0)}.Lots(1)
	assert.Equal(t, 3, total)
	assert.Equal(t, 0, tp)
}

func newTestGate(t *testing.T, store QuotaStore, schedules ...Schedule) *Gate {
	t.Helper()
	g, err := NewGate(context.Background(), schedules, store, nil)
	require.NoError(t, err)
	return g
}

func TestGate_QuotaLifecycle(t *testing.T) {
	store := &memQuota{}
	g := newTestGate(t, store, Schedule{ID: "open", Window: Window{MustParseClock("13:30"), MustParseClock("14:00")}, MaxTrades: 1})

	now := at(4, "13:45")
	q := g.CanEnter(now)
	assert.Equal(t, Quota{Allowed: true, ScheduleID: "open", Used: 0, Max: 1}, q)

	require.NoError(t, g.Commit(context.Background(), "open", now))
	q = g.CanEnter(now.Add(time.Minute))
	assert.Equal(t, Quota{Allowed: false, ScheduleID: "open", Used: 1, Max: 1}, q)
	assert.Equal(t, 1, store.counts["2025-03-04:open"])

	q = g.CanEnter(at(5, "13:45"))
	assert.True(t, q.Allowed)
	assert.Equal(t, 0, q.Used)
}

func TestGate_OutsideWindows(t *testing.T) {
	g := newTestGate(t, nil, Schedule{ID: "open", Window: Window{MustParseClock("13:30"), MustParseClock("14:00")}, MaxTrades: 1})
	assert.Equal(t, Quota{}, g.CanEnter(at(4, "15:00")))
}

func TestGate_OverlapDeclarationOrderWins(t *testing.T) {
	g := newTestGate(t, nil,
		Schedule{ID: "first", Window: Window{MustParseClock("10:00"), MustParseClock("12:00")}, MaxTrades: 1},
		Schedule{ID: "second", Window: Window{MustParseClock("11:00"), MustParseClock("13:00")}, MaxTrades: 1},
	)
	s, ok := g.CurrentSchedule(at(4, "11:30"))
	require.True(t, ok)
	assert.Equal(t, "first", s.ID)

	s, ok = g.CurrentSchedule(at(4, "12:30"))
	require.True(t, ok)
	assert.Equal(t, "second", s.ID)
}

func TestGate_LoadsPersistedCounts(t *testing.T) {
	store := &memQuota{counts: map[string]int{"2025-03-04:open": 2}}
	g := newTestGate(t, store, Schedule{ID: "open", Window: Window{MustParseClock("13:30"), MustParseClock("14:00")}, MaxTrades: 2})

	q := g.CanEnter(at(4, "13:31"))
	assert.False(t, q.Allowed)
	assert.Equal(t, 2, q.Used)
}

func TestGate_TolerantLoadAndSaveError(t *testing.T) {
	store := &memQuota{loadErr: errors.New("corrupt"), saveErr: errors.New("disk full")}
	g := newTestGate(t, store, Schedule{ID: "open", Window: Window{MustParseClock("13:30"), MustParseClock("14:00")}, MaxTrades: 5})

	err := g.Commit(context.Background(), "open", at(4, "13:40"))
	assert.Error(t, err)
	assert.Equal(t, 1, g.Used("open", at(4, "13:40")))
}

func TestGate_Flush(t *testing.T) {
	store := &memQuota{counts: map[string]int{"2025-03-04:open": 1}}
	g := newTestGate(t, store, Schedule{ID: "open", Window: Window{MustParseClock("13:30"), MustParseClock("14:00")}, MaxTrades: 3})

	store.counts = nil
	require.NoError(t, g.Flush(context.Background()))
	assert.Equal(t, map[string]int{"2025-03-04:open": 1}, store.counts)

	assert.NoError(t, newTestGate(t, nil, Schedule{ID: "x"}).Flush(context.Background()))
}

func TestGate_CommitUnknown(t *testing.T) {
	g := newTestGate(t, nil, Schedule{ID: "open", Window: Window{MustParseClock("13:30"), MustParseClock("14:00")}, MaxTrades: 1})
	assert.ErrorIs(t, g.Commit(context.Background(), "nope", at(4, "13:40")), types.ErrInvalidSchedule)
}

func TestNewGate_RequiresSchedules(t *testing.T) {
	_, err := NewGate(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, types.ErrInvalidSchedule)
}

func TestWatcher_FlattenAtEnd(t *testing.T) {
	schedules := []Schedule{
		{ID: "a", Window: Window{MustParseClock("10:00"), MustParseClock("11:00")}, Strategy: Strategy{FlattenAtEnd: true}},
		{ID: "b", Window: Window{MustParseClock("11:01"), MustParseClock("12:00")}},
	}
	w := NewWatcher(schedules, nil)

	_, flatten := w.Tick(at(4, "09:59"))
	assert.False(t, flatten)

	_, flatten = w.Tick(at(4, "10:30"))
	assert.False(t, flatten)
	assert.Equal(t, "a", w.Active())

	ended, flatten := w.Tick(at(4, "11:01:30"))
	assert.True(t, flatten)
	assert.Equal(t, "a", ended.ID)
	assert.Equal(t, "b", w.Active())

	ended, flatten = w.Tick(at(4, "12:30"))
	assert.False(t, flatten)
	assert.Equal(t, "b", ended.ID)
	assert.Empty(t, w.Active())
}
