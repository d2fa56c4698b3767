package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tathienbao/execbot/internal/config"
	"github.com/tathienbao/execbot/internal/persistence"
	"github.com/tathienbao/execbot/internal/schedule"
	"github.com/tathienbao/execbot/internal/types"
	"github.com/tathienbao/execbot/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted positions, P&L and today's quota usage",
	Long: `Print what the bot has persisted: open positions, today's P&L, per-schedule
quota usage and, with the sqlite store, the most recent orders.

With --watch the screen is refreshed until interrupted.`,
	RunE: runStatus,
}

var (
	statusWatch  time.Duration
	statusOrders int
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().DurationVarP(&statusWatch, "watch", "w", 0, "refresh interval, e.g. 2s (0 prints once)")
	statusCmd.Flags().IntVar(&statusOrders, "orders", 10, "recent orders to show (sqlite store only)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	screen := ui.NewStatusUI(os.Stdout)
	screen.Start()
	defer screen.Stop()

	for {
		s, err := collectStatus(ctx, cfg, time.Now())
		if err != nil {
			return err
		}
		screen.Render(s)

		if statusWatch <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(statusWatch):
		}
	}
}

// collectStatus reads one consistent view from the store. The store is
// reopened each time so a running bot's writes are picked up.
func collectStatus(ctx context.Context, cfg *config.Config, now time.Time) (ui.Status, error) {
	store, err := persistence.Open(cfg.ToPersistenceConfig(), nil)
	if err != nil {
		return ui.Status{}, fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	st, err := store.LoadState(ctx)
	if errors.Is(err, types.ErrStateNotFound) {
		st = types.NewTradeState(now)
	} else if err != nil {
		return ui.Status{}, fmt.Errorf("load trade state: %w", err)
	}

	counts, err := store.LoadQuotas(ctx)
	if err != nil {
		return ui.Status{}, fmt.Errorf("load quotas: %w", err)
	}

	s := ui.Status{Mode: cfg.Mode, Now: now, State: st}
	for _, sch := range cfg.Schedules() {
		s.Quotas = append(s.Quotas, ui.QuotaRow{
			ScheduleID: sch.ID,
			Window:     sch.Window.String(),
			Used:       counts[schedule.QuotaKey(now, sch.ID)],
			Max:        sch.MaxTrades,
			Active:     sch.Window.Contains(now),
		})
	}

	if log, ok := store.(persistence.OrderLog); ok && statusOrders > 0 {
		recs, err := log.RecentOrders(ctx, statusOrders)
		if err != nil {
			return ui.Status{}, fmt.Errorf("read order log: %w", err)
		}
		s.Orders = recs
	}
	return s, nil
}
