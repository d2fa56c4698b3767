// Package engine runs the decision loop: it reads signals, applies the
// trading rules and persists the resulting state.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tathienbao/execbot/internal/alerting"
	"github.com/tathienbao/execbot/internal/metrics"
	"github.com/tathienbao/execbot/internal/monitor"
	"github.com/tathienbao/execbot/internal/schedule"
	"github.com/tathienbao/execbot/internal/types"
)

// Flatten reasons raised by the loop itself.
const (
	ReasonSessionStop = "session_stop"
	ReasonScheduleEnd = "schedule_end"
)

// Config holds loop configuration.
type Config struct {
	PollInterval time.Duration
	TradingHours schedule.TradingHours
	// FlushTimeout bounds the final state save on shutdown.
	FlushTimeout time.Duration
}

// DefaultConfig returns default loop config.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		TradingHours: schedule.DefaultTradingHours(),
		FlushTimeout: 10 * time.Second,
	}
}

// SignalSource yields signals appended since the last read.
type SignalSource interface {
	ReadNew() ([]types.Signal, error)
	SkipToEnd() error
}

// StateSaver persists the trade state snapshot.
type StateSaver interface {
	SaveState(ctx context.Context, state types.TradeState) error
}

// QuotaFlusher persists quota counters.
type QuotaFlusher interface {
	Flush(ctx context.Context) error
}

// Engine drives the rules from a signal source on a fixed poll interval.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	rules    *Rules
	watcher  *schedule.Watcher
	source   SignalSource
	store    StateSaver
	quotas   QuotaFlusher
	state    *monitor.State
	notifier *alerting.Notifier
	recorder *metrics.Recorder
	now      func() time.Time

	sessionClosed bool
	lastBeat      time.Time

	// State
	mu      sync.RWMutex
	running bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates the decision loop. store, quotas, state and notifier
// may be nil.
func NewEngine(
	cfg Config,
	rules *Rules,
	watcher *schedule.Watcher,
	source SignalSource,
	store StateSaver,
	quotas QuotaFlusher,
	state *monitor.State,
	notifier *alerting.Notifier,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}
	if cfg.TradingHours == (schedule.TradingHours{}) {
		cfg.TradingHours = schedule.DefaultTradingHours()
	}

	return &Engine{
		cfg:      cfg,
		logger:   logger,
		rules:    rules,
		watcher:  watcher,
		source:   source,
		store:    store,
		quotas:   quotas,
		state:    state,
		notifier: notifier,
		recorder: metrics.NewRecorder(),
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// WithClock replaces the loop's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Start runs the loop in the background until ctx ends or Stop is called.
// Cancelling ctx stops the loop between iterations; an iteration already
// running finishes its order calls.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	e.logger.Info("starting decision loop",
		"instrument", e.rules.cfg.Instrument,
		"poll_interval", e.cfg.PollInterval.String(),
		"trading_hours", e.cfg.TradingHours.Start.String()+"-"+e.cfg.TradingHours.Stop.String(),
		"position", e.rules.Current(),
	)
	e.notifier.Notify(ctx, alerting.EventBotStarted, "execution bot started",
		"instrument", e.rules.cfg.Instrument,
		"position", e.rules.Current(),
	)

	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	stepCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.logger.Info("decision loop started")
	for {
		e.Step(stepCtx)

		select {
		case <-ctx.Done():
			e.logger.Info("decision loop stopped: context cancelled")
			return
		case <-e.done:
			e.logger.Info("decision loop stopped: shutdown requested")
			return
		case <-ticker.C:
		}
	}
}

// Step runs one iteration: day rollover, schedule watcher, trading hours,
// new signals, then a state save.
func (e *Engine) Step(ctx context.Context) {
	now := e.now().UTC()

	if e.rules.ResetDay(now) {
		e.logger.Info("new trading day, daily P&L reset", "day", now.Format("2006-01-02"))
	}
	e.rules.CheckDailyLimits(ctx)

	if ended, flatten := e.watcher.Tick(now); flatten {
		e.rules.Flatten(ctx, ReasonScheduleEnd+":"+ended.ID)
	}

	if !e.cfg.TradingHours.Within(now) {
		if e.cfg.TradingHours.IsShutdown(now) && !e.sessionClosed {
			e.logger.Warn("session stop reached, flattening", "stop_utc", e.cfg.TradingHours.Stop.String())
			e.rules.Flatten(ctx, ReasonSessionStop)
			e.sessionClosed = true
		}
		if err := e.source.SkipToEnd(); err != nil {
			e.logger.Warn("could not skip signal backlog", "err", err)
			e.recorder.RecordError("signal_read")
		}
		e.finishStep(ctx)
		return
	}
	e.sessionClosed = false

	signals, err := e.source.ReadNew()
	if err != nil {
		e.logger.Error("failed to read signals", "err", err)
		e.recorder.RecordError("signal_read")
	}
	for _, sig := range signals {
		e.logger.Info("signal received",
			"signal_id", sig.ID,
			"timestamp", sig.Timestamp,
			"signal_instrument", sig.Instrument,
			"position", sig.Position,
		)
	}
	e.rules.HandleBatch(ctx, signals)

	e.finishStep(ctx)
}

func (e *Engine) finishStep(ctx context.Context) {
	e.saveState(ctx)
	e.recorder.RecordHeartbeat()
	e.state.Touch()

	e.mu.Lock()
	e.lastBeat = e.now()
	e.mu.Unlock()
}

func (e *Engine) saveState(ctx context.Context) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveState(ctx, e.rules.Book().State()); err != nil {
		e.logger.Error("failed to save trade state", "err", err)
		e.recorder.RecordError("state_save")
	}
}

// Stop ends the loop, waits for the current iteration, flushes state and
// quotas and sends the session summary.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.mu.Unlock()

	e.logger.Info("stopping decision loop")

	close(e.done)
	e.wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FlushTimeout)
	defer cancel()

	e.saveState(flushCtx)
	var flushErr error
	if e.quotas != nil {
		if flushErr = e.quotas.Flush(flushCtx); flushErr != nil {
			e.logger.Error("failed to flush quota counters", "err", flushErr)
		}
	}

	e.notifier.Notify(flushCtx, alerting.EventBotStopped, "execution bot stopped",
		"instrument", e.rules.cfg.Instrument,
		"position", e.rules.Current(),
	)
	summary := e.notifier.SendSummary(flushCtx)
	e.logger.Info("decision loop stopped", summary.Fields(e.now())...)
	return flushErr
}

// IsRunning returns true if the loop is running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// LastHeartbeat returns when the last iteration finished.
func (e *Engine) LastHeartbeat() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastBeat
}
