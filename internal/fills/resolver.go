// Package fills resolves the realized entry price of a just-opened position.
package fills

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/execbot/internal/broker"
	"github.com/tathienbao/execbot/internal/metrics"
)

// Config holds polling parameters.
type Config struct {
	Retries            int
	Delay              time.Duration
	Jitter             time.Duration
	RequireSizeNonzero bool
}

// DefaultConfig returns ten polls 200ms apart with up to 50ms jitter.
func DefaultConfig() Config {
	return Config{
		Retries:            10,
		Delay:              200 * time.Millisecond,
		Jitter:             50 * time.Millisecond,
		RequireSizeNonzero: true,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// JitterFunc returns a duration in [0, max].
type JitterFunc func(max time.Duration) time.Duration

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// UniformJitter is the default JitterFunc.
func UniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max + 1)
}

// PositionSource is the part of the execution engine the resolver polls.
type PositionSource interface {
	GetOpenPositions(ctx context.Context) ([]broker.OpenPosition, error)
}

// Resolver polls open positions until one carries an average price.
type Resolver struct {
	cfg      Config
	source   PositionSource
	logger   *slog.Logger
	recorder *metrics.Recorder

	Sleep  SleepFunc
	Jitter JitterFunc
}

// NewResolver creates a resolver with real sleeps and uniform jitter.
func NewResolver(cfg Config, source PositionSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	return &Resolver{
		cfg:      cfg,
		source:   source,
		logger:   logger,
		recorder: metrics.NewRecorder(),
		Sleep:    Sleep,
		Jitter:   UniformJitter,
	}
}

// Resolve returns the average price of contractID's open position. It makes
// at most Retries polls, sleeping Delay plus jitter after each miss. A poll
// error is logged and counts as a miss. ok is false when no price was found
// or ctx ended; that is not an error.
func (r *Resolver) Resolve(ctx context.Context, contractID string) (price decimal.Decimal, ok bool) {
	for attempt := 1; attempt <= r.cfg.Retries; attempt++ {
		positions, err := r.source.GetOpenPositions(ctx)
		if err != nil {
			r.logger.Warn("fill resolver: position poll failed",
				"contract_id", contractID,
				"attempt", attempt,
				"err", err,
			)
		}
		if p, found := r.match(positions, contractID); found {
			r.logger.Info("fill price resolved",
				"contract_id", contractID,
				"attempt", attempt,
				"price", p.String(),
			)
			r.recorder.RecordFillResolve(attempt, true)
			return p, true
		}

		if err := r.Sleep(ctx, r.cfg.Delay+r.Jitter(r.cfg.Jitter)); err != nil {
			r.logger.Warn("fill resolver: interrupted", "contract_id", contractID, "attempt", attempt, "err", err)
			r.recorder.RecordFillResolve(attempt, false)
			return decimal.Decimal{}, false
		}
	}

	r.logger.Warn("fill price not found after polling",
		"contract_id", contractID,
		"retries", r.cfg.Retries,
	)
	r.recorder.RecordFillResolve(r.cfg.Retries, false)
	return decimal.Decimal{}, false
}

func (r *Resolver) match(positions []broker.OpenPosition, contractID string) (decimal.Decimal, bool) {
	for _, p := range positions {
		if p.ContractID != contractID {
			continue
		}
		if r.cfg.RequireSizeNonzero && p.Size == 0 {
			continue
		}
		if !p.AveragePrice.Valid {
			continue
		}
		return p.AveragePrice.Decimal, true
	}
	return decimal.Decimal{}, false
}
