package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tathienbao/execbot/internal/broker"
	"github.com/tathienbao/execbot/internal/config"
	"github.com/tathienbao/execbot/internal/metrics"
	"github.com/tathienbao/execbot/internal/persistence"
	"github.com/tathienbao/execbot/internal/types"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	yaml := `
contract_id: MES
contracts:
  MES:
    tick_size: "0.25"
take_profit:
  ticks: 4
schedules:
  - id: morning
    start_utc: "06:00"
    end_utc: "09:55"
    max_trades: 2
    total_lots: 3
    tp_lots: 2
paths:
  signals_file: ` + filepath.Join(dir, "signals.ndjson") + `
  session_gate_file: ` + filepath.Join(dir, "gate.json") + `
  trade_state_file: ` + filepath.Join(dir, "state.json") + `
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t)

	out := execute(t, "validate", "--config", path)

	assert.Contains(t, out, "Configuration is valid!")
	assert.Contains(t, out, "MES (tick 0.25)")
	assert.Contains(t, out, "morning")
	assert.Contains(t, out, "lots=3 tp_lots=2 tp_ticks=4 (global)")
}

func TestResetCommand(t *testing.T) {
	path := writeConfig(t)
	configPath = path
	cfg, err := loadConfig()
	require.NoError(t, err)

	ctx := context.Background()
	store, err := persistence.Open(cfg.ToPersistenceConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, store.SaveQuotas(ctx, map[string]int{"2025-03-04:morning": 1}))
	require.NoError(t, store.SaveState(ctx, types.NewTradeState(time.Now())))
	require.NoError(t, store.Close())

	out := execute(t, "reset", "--config", path, "--yes")
	assert.Contains(t, out, "cleared")

	store, err = persistence.Open(cfg.ToPersistenceConfig(), nil)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	counts, err := store.LoadQuotas(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
	_, err = store.LoadState(ctx)
	assert.ErrorIs(t, err, types.ErrStateNotFound)
}

func TestCollectStatus(t *testing.T) {
	configPath = writeConfig(t)
	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	now := time.Date(2025, 3, 4, 7, 0, 0, 0, time.UTC)
	ctx := context.Background()

	store, err := persistence.Open(cfg.ToPersistenceConfig(), nil)
	require.NoError(t, err)
	st := types.NewTradeState(now)
	st.Positions["MES"] = types.PositionRecord{
		Instrument: "MES", Side: types.SideShort, Qty: 3,
		AvgPrice: decimal.NewNullDecimal(decimal.RequireFromString("5010")),
	}
	require.NoError(t, store.SaveState(ctx, st))
	require.NoError(t, store.SaveQuotas(ctx, map[string]int{"2025-03-04:morning": 1, "2025-03-03:morning": 2}))
	require.NoError(t, store.Close())

	s, err := collectStatus(ctx, cfg, now)
	require.NoError(t, err)

	assert.Equal(t, types.SideShort, s.State.Positions["MES"].Side)
	require.Len(t, s.Quotas, 1)
	q := s.Quotas[0]
	assert.Equal(t, "morning", q.ScheduleID)
	assert.Equal(t, 1, q.Used, "only today's counter counts")
	assert.Equal(t, 2, q.Max)
	assert.True(t, q.Active)
	assert.Empty(t, s.Orders, "file store keeps no order log")
}

func TestCollectStatus_NoSavedState(t *testing.T) {
	configPath = writeConfig(t)
	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	s, err := collectStatus(context.Background(), cfg, time.Now())
	require.NoError(t, err)
	assert.Empty(t, s.State.Positions)
	assert.True(t, strings.EqualFold(s.Mode, config.ModeSimulation))
}

func TestLoadBook_RestoresAfterRestart(t *testing.T) {
	configPath = writeConfig(t)
	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	ctx := context.Background()

	store, err := persistence.Open(cfg.ToPersistenceConfig(), nil)
	require.NoError(t, err)
	st := types.NewTradeState(time.Now())
	st.Positions["MES"] = types.PositionRecord{Instrument: "MES", Side: types.SideLong, Qty: 2}
	st.PnLDay = decimal.RequireFromString("37.5")
	require.NoError(t, store.SaveState(ctx, st))

	book, err := loadBook(ctx, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Equal(t, 1, book.Get("MES").Side.Direction())
	assert.Equal(t, 2, book.Get("MES").Qty)
	assert.True(t, book.PnLDay().Equal(decimal.RequireFromString("37.5")))
}

func TestLoadBook_CorruptStateStartsFlat(t *testing.T) {
	configPath = writeConfig(t)
	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.Paths.TradeStateFile, []byte("{not json"), 0o644))

	store, err := persistence.Open(cfg.ToPersistenceConfig(), nil)
	require.NoError(t, err)

	book, err := loadBook(context.Background(), store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Equal(t, 0, book.Get("MES").Side.Direction())
}

func TestNewExecutionEngine_SimulatorReportsConnected(t *testing.T) {
	cfg, err := config.Load(writeConfig(t))
	require.NoError(t, err)
	metrics.BrokerConnected.Set(0)

	eng, err := newExecutionEngine(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.Equal(t, "paper", eng.Name())
	assert.Equal(t, broker.StateConnected, eng.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.BrokerConnected))
}
