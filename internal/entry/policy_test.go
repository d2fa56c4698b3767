package entry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tathienbao/execbot/internal/alerting"
	"github.com/tathienbao/execbot/internal/schedule"
	"github.com/tathienbao/execbot/internal/types"
)

type memStore struct {
	counts map[string]int
	saves  int
}

func (m *memStore) LoadQuotas(context.Context) (map[string]int, error) {
	out := make(map[string]int, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) SaveQuotas(_ context.Context, c map[string]int) error {
	m.counts = c
	m.saves++
	return nil
}

func mustWindow(t *testing.T, start, end string) schedule.Window {
	t.Helper()
	w, err := schedule.ParseWindow(start, end)
	require.NoError(t, err)
	return w
}

func newPolicy(t *testing.T, store *memStore, clock *time.Time) (*Policy, *alerting.MockAlerter) {
	t.Helper()
	schedules := []schedule.Schedule{
		{ID: "morning", Window: mustWindow(t, "06:00", "09:55"), MaxTrades: 1},
		{ID: "day", Window: mustWindow(t, "10:00", "16:00"), MaxTrades: 1},
	}
	gate, err := schedule.NewGate(context.Background(), schedules, store, nil)
	require.NoError(t, err)

	alerts := alerting.NewMockAlerter()
	p := NewPolicy(gate, alerting.NewNotifier(alerts, nil, nil), nil).
		WithClock(func() time.Time { return *clock })
	return p, alerts
}

func TestPolicy_QuotaPerSchedule(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 3, 3, 7, 0, 0, 0, time.UTC)
	store := &memStore{}
	p, alerts := newPolicy(t, store, &clock)
	sig := types.Signal{Instrument: "X", Position: 1}

	d := p.ShouldEnter(ctx, sig)
	require.True(t, d.OK)
	require.NotNil(t, d.Schedule)
	assert.Equal(t, "morning", d.Schedule.ID)
	assert.Equal(t, "allowed:morning", d.Reason)
	require.NoError(t, p.CommitEntry(ctx, d.Schedule.ID))

	d = p.ShouldEnter(ctx, sig)
	assert.False(t, d.OK)
	assert.Equal(t, "quota_exhausted:morning (1/1)", d.Reason)
	assert.Nil(t, d.Schedule)
	assert.True(t, alerts.HasEvent(alerting.EventQuotaExhausted))

	clock = time.Date(2025, 3, 3, 11, 0, 0, 0, time.UTC)
	d = p.ShouldEnter(ctx, sig)
	require.True(t, d.OK)
	assert.Equal(t, "day", d.Schedule.ID)
	require.NoError(t, p.CommitEntry(ctx, "day"))

	d = p.ShouldEnter(ctx, sig)
	assert.Contains(t, d.Reason, "quota_exhausted:day")

	assert.Equal(t, 2, store.saves)
	assert.Equal(t, 1, store.counts["2025-03-03:morning"])
	assert.Equal(t, 1, store.counts["2025-03-03:day"])
}

func TestPolicy_OutsideSchedules(t *testing.T) {
	clock := time.Date(2025, 3, 3, 20, 0, 0, 0, time.UTC)
	p, _ := newPolicy(t, &memStore{}, &clock)

	d := p.ShouldEnter(context.Background(), types.Signal{Position: -1})
	assert.False(t, d.OK)
	assert.Equal(t, ReasonOutsideSchedules, d.Reason)
	assert.True(t, d.Outside())
}

func TestPolicy_NewDayResetsQuota(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 3, 3, 7, 0, 0, 0, time.UTC)
	p, _ := newPolicy(t, &memStore{}, &clock)

	require.NoError(t, p.CommitEntry(ctx, "morning"))
	assert.False(t, p.ShouldEnter(ctx, types.Signal{}).OK)

	clock = clock.AddDate(0, 0, 1)
	assert.True(t, p.ShouldEnter(ctx, types.Signal{}).OK)
}

func TestPolicy_CommitUnknownSchedule(t *testing.T) {
	clock := time.Date(2025, 3, 3, 7, 0, 0, 0, time.UTC)
	p, _ := newPolicy(t, &memStore{}, &clock)

	err := p.CommitEntry(context.Background(), "nope")
	assert.ErrorIs(t, err, types.ErrInvalidSchedule)
}
