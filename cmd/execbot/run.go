package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tathienbao/execbot/internal/alerting"
	"github.com/tathienbao/execbot/internal/broker"
	"github.com/tathienbao/execbot/internal/broker/paper"
	"github.com/tathienbao/execbot/internal/broker/projectx"
	"github.com/tathienbao/execbot/internal/config"
	"github.com/tathienbao/execbot/internal/engine"
	"github.com/tathienbao/execbot/internal/entry"
	"github.com/tathienbao/execbot/internal/execution"
	"github.com/tathienbao/execbot/internal/fills"
	"github.com/tathienbao/execbot/internal/metrics"
	"github.com/tathienbao/execbot/internal/monitor"
	"github.com/tathienbao/execbot/internal/orders"
	"github.com/tathienbao/execbot/internal/persistence"
	"github.com/tathienbao/execbot/internal/position"
	"github.com/tathienbao/execbot/internal/risk"
	"github.com/tathienbao/execbot/internal/schedule"
	"github.com/tathienbao/execbot/internal/signals"
	"github.com/tathienbao/execbot/internal/takeprofit"
	"github.com/tathienbao/execbot/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the execution bot",
	Long: `Start the decision loop: tail the signals file, apply the trading rules and
send orders through the simulator or the live gateway until interrupted.

Example:
  execbot run --config config.yaml --mode simulation`,
	RunE: runRun,
}

var (
	runResetPointer bool
	runMode         string
	runLogFile      string
	runVerbose      bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runResetPointer, "reset-pointer", false, "read the signals file from the beginning instead of its end")
	runCmd.Flags().StringVar(&runMode, "mode", "", "override mode: simulation or live")
	runCmd.Flags().StringVar(&runLogFile, "log-file", "", "also write logs to this file")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "debug logging")
}

// disconnecter is implemented by engines holding a session.
type disconnecter interface {
	Disconnect()
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runMode != "" {
		cfg.Mode = runMode
	}
	if runLogFile != "" {
		cfg.Logging.File = runLogFile
	}
	if runVerbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger, closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("execbot starting",
		"version", Version,
		"mode", cfg.Mode,
		"contract_id", cfg.ContractID,
		"account_id", cfg.AccountID,
		"schedules", len(cfg.Schedules()),
	)

	execEngine, err := newExecutionEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if d, ok := execEngine.(disconnecter); ok {
		defer d.Disconnect()
	}

	store, err := persistence.Open(cfg.ToPersistenceConfig(), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	notifier := alerting.NewNotifier(newAlerter(cfg, logger), cfg.AlertEvents(), logger)

	// Order path
	builder := orders.NewBuilder(cfg.AccountID, cfg.ContractID, cfg.OrderType())
	sender := orders.NewSender(execEngine, cfg.BrokerTimeout(), logger)
	if log, ok := store.(persistence.OrderLog); ok {
		sender.WithAudit(persistence.Audit(log, logger))
	}
	resolver := fills.NewResolver(cfg.ToResolverConfig(), execEngine, logger)
	manager := takeprofit.NewManager(cfg.TickSizes(), cfg.TakeProfit.Ticks, builder)
	placer := takeprofit.NewPlacer(manager, resolver, sender, logger)
	guard := risk.NewGuard(cfg.ToRiskConfig(), logger)
	executor := execution.NewExecutor(cfg.ToExecutionConfig(), execEngine, builder, sender, placer, guard, notifier, logger).
		WithExits(resolver)

	// Decision path
	schedules := cfg.Schedules()
	gate, err := schedule.NewGate(ctx, schedules, store, logger)
	if err != nil {
		return fmt.Errorf("create session gate: %w", err)
	}
	policy := entry.NewPolicy(gate, notifier, logger)

	book, err := loadBook(ctx, store, logger)
	if err != nil {
		return err
	}
	state := monitor.NewState(0)
	rules := engine.NewRules(engine.RulesConfig{
		Instrument:       cfg.ContractID,
		AllowUnscheduled: cfg.AllowUnscheduled(),
	}, executor, policy, book, state, notifier, logger).
		WithDailyLimits(risk.NewDailyTracker(cfg.ToDailyConfig()))

	reader := signals.NewReader(cfg.Paths.SignalsFile, logger)
	if err := reader.Start(runResetPointer); err != nil {
		return fmt.Errorf("open signals: %w", err)
	}

	loop := engine.NewEngine(cfg.ToEngineConfig(), rules, schedule.NewWatcher(schedules, logger),
		reader, store, gate, state, notifier, logger)

	// Servers
	var shutdowns []func(context.Context) error
	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(cfg.ToMetricsConfig(), logger)
		ms.RegisterHealthCheck("decision_loop", metrics.StaleCheck(loop.LastHeartbeat, 10*cfg.PollInterval()+30*time.Second))
		ms.RegisterHealthCheck("broker", brokerCheck(execEngine))
		if err := ms.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		shutdowns = append(shutdowns, ms.Shutdown)
	}
	if cfg.Monitor.Enabled {
		mon := monitor.NewServer(cfg.ToMonitorConfig(), state, execEngine, logger)
		if err := mon.Start(); err != nil {
			return fmt.Errorf("start monitor server: %w", err)
		}
		shutdowns = append(shutdowns, mon.Shutdown)
	}

	if err := loop.Start(ctx); err != nil {
		return fmt.Errorf("start decision loop: %w", err)
	}

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := loop.Stop(shutdownCtx); err != nil {
		logger.Error("decision loop stop error", "err", err)
	}
	for _, fn := range shutdowns {
		if err := fn(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "err", err)
		}
	}

	logger.Info("execbot shutdown complete")
	return nil
}

// newExecutionEngine returns the simulator or a connected gateway client.
func newExecutionEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.ExecutionEngine, error) {
	if !cfg.IsLive() {
		sim := paper.NewEngine(cfg.ToPaperConfig(), logger)
		if err := sim.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect simulator: %w", err)
		}
		return sim, nil
	}

	client, err := projectx.NewClient(cfg.ToProjectXConfig(), nil, logger)
	if err != nil {
		return nil, fmt.Errorf("create gateway client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect gateway: %w", err)
	}
	return client, nil
}

// newAlerter builds the configured channels. It returns nil when alerting
// is disabled.
func newAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	if !cfg.Alerting.Enabled {
		return nil
	}
	multi := alerting.NewMultiAlerter(logger)
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "telegram":
			multi.AddAlerter(alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
			}))
		case "console":
			multi.AddAlerter(alerting.NewConsoleAlerter(logger))
		}
	}
	return multi
}

// loadBook restores positions from the store, starting flat when nothing
// usable was saved.
func loadBook(ctx context.Context, store persistence.StateStore, logger *slog.Logger) (*position.Book, error) {
	st, err := store.LoadState(ctx)
	if errors.Is(err, types.ErrStateNotFound) {
		logger.Info("no saved trade state, starting flat")
		return position.NewBook(time.Now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load trade state: %w", err)
	}
	book := position.FromState(st)
	logger.Info("trade state restored",
		"instruments", book.Instruments(),
		"pnl_day", book.PnLDay().String(),
	)
	return book, nil
}

func brokerCheck(e broker.ExecutionEngine) metrics.HealthChecker {
	return func() metrics.Check {
		if s := e.State(); s != broker.StateConnected {
			return metrics.Check{Status: metrics.StatusUnhealthy, Message: e.Name() + " " + s.String()}
		}
		return metrics.Check{Status: metrics.StatusHealthy}
	}
}
