// Package persistence stores quota counters, the trade state snapshot and
// the order audit log.
package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/execbot/internal/broker"
	"github.com/tathienbao/execbot/internal/id"
	"github.com/tathienbao/execbot/internal/orders"
	"github.com/tathienbao/execbot/internal/types"
)

// Store types selectable in configuration.
const (
	TypeFile   = "file"
	TypeSQLite = "sqlite"
)

// QuotaStore persists schedule counters keyed by "YYYY-MM-DD:<schedule_id>".
type QuotaStore interface {
	LoadQuotas(ctx context.Context) (map[string]int, error)
	SaveQuotas(ctx context.Context, counts map[string]int) error
}

// StateStore persists the trade state snapshot. LoadState returns
// types.ErrStateNotFound when nothing usable is stored.
type StateStore interface {
	LoadState(ctx context.Context) (types.TradeState, error)
	SaveState(ctx context.Context, state types.TradeState) error
}

// OrderLog keeps an audit row for every placement attempt.
type OrderLog interface {
	LogOrder(ctx context.Context, rec OrderRecord) error
	RecentOrders(ctx context.Context, limit int) ([]OrderRecord, error)
}

// Store is what the bot needs from a backend.
type Store interface {
	QuotaStore
	StateStore
	Reset(ctx context.Context) error
	Close() error
}

// OrderRecord is one placement attempt.
type OrderRecord struct {
	ID            string
	CreatedAt     time.Time
	AccountID     int64
	ContractID    string
	Type          types.OrderType
	Side          types.OrderSide
	Size          int
	LimitPrice    decimal.NullDecimal
	LinkedOrderID *int64
	CustomTag     string
	Success       bool
	OrderID       *int64
	ErrorCode     *int
	ErrorMessage  string
}

// NewOrderRecord builds an audit row for req and its result.
func NewOrderRecord(now time.Time, req broker.OrderRequest, res orders.Result) OrderRecord {
	rec := OrderRecord{
		ID:            id.At(now),
		CreatedAt:     now.UTC(),
		AccountID:     req.AccountID,
		ContractID:    req.ContractID,
		Type:          req.Type,
		Side:          req.Side,
		Size:          req.Size,
		LinkedOrderID: req.LinkedOrderID,
		CustomTag:     req.CustomTag,
		Success:       res.Success,
		OrderID:       res.OrderID,
		ErrorCode:     res.ErrorCode,
		ErrorMessage:  res.ErrorMessage,
	}
	if req.LimitPrice != nil {
		rec.LimitPrice = decimal.NewNullDecimal(decimal.NewFromFloat(*req.LimitPrice))
	}
	return rec
}

// Audit returns a sender hook writing every attempt to log. Write failures
// are logged only.
func Audit(log OrderLog, logger *slog.Logger) orders.AuditFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req broker.OrderRequest, res orders.Result) {
		rec := NewOrderRecord(time.Now(), req, res)
		if err := log.LogOrder(ctx, rec); err != nil {
			logger.Warn("order audit write failed", "record_id", rec.ID, "err", err)
		}
	}
}

// Config selects and locates a backend.
type Config struct {
	Type      string
	Path      string // sqlite database
	QuotaFile string
	StateFile string
}

// Open returns the configured backend.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "", TypeFile:
		return NewFileStore(cfg.QuotaFile, cfg.StateFile, logger), nil
	case TypeSQLite:
		return NewSQLiteStore(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("%w: persistence.type %q", types.ErrInvalidConfig, cfg.Type)
	}
}
