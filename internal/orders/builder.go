// Package orders builds order requests and submits them to an execution engine.
package orders

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/execbot/internal/broker"
	"github.com/tathienbao/execbot/internal/types"
)

// NewCustomTag returns a client tag such as "entry-20250304-143000-1a2b3c4d".
func NewCustomTag(prefix string) string {
	tag := fmt.Sprintf("%s-%s",
		time.Now().UTC().Format("20060102-150405"),
		uuid.New().String()[:8],
	)
	if prefix == "" {
		return tag
	}
	return prefix + "-" + tag
}

// Builder constructs order requests with account and contract defaults.
type Builder struct {
	AccountID   int64
	ContractID  string
	DefaultType types.OrderType
}

// NewBuilder creates a builder. A zero defaultType means MARKET.
func NewBuilder(accountID int64, contractID string, defaultType types.OrderType) *Builder {
	if defaultType == 0 {
		defaultType = types.OrderTypeMarket
	}
	return &Builder{AccountID: accountID, ContractID: contractID, DefaultType: defaultType}
}

// Option adjusts a request under construction.
type Option func(*broker.OrderRequest)

// WithAccount overrides the builder's account id.
func WithAccount(id int64) Option {
	return func(r *broker.OrderRequest) { r.AccountID = id }
}

// WithContract overrides the builder's contract id.
func WithContract(id string) Option {
	return func(r *broker.OrderRequest) {
		if id != "" {
			r.ContractID = id
		}
	}
}

// WithType overrides the order type of a market-style order. A priced type
// also needs WithStopPrice or WithTrailPrice.
func WithType(t types.OrderType) Option {
	return func(r *broker.OrderRequest) { r.Type = t }
}

// WithStopPrice sets the trigger price of a STOP order.
func WithStopPrice(price decimal.Decimal) Option {
	return func(r *broker.OrderRequest) { r.StopPrice = broker.Float(price.InexactFloat64()) }
}

// WithTrailPrice sets the trail distance of a TRAILING_STOP order.
func WithTrailPrice(distance decimal.Decimal) Option {
	return func(r *broker.OrderRequest) { r.TrailPrice = broker.Float(distance.InexactFloat64()) }
}

// WithLinkedOrder links the order to a parent, e.g. a take-profit to its entry.
func WithLinkedOrder(id *int64) Option {
	return func(r *broker.OrderRequest) {
		if id != nil {
			v := *id
			r.LinkedOrderID = &v
		}
	}
}

// WithTag sets the client tag.
func WithTag(tag string) Option {
	return func(r *broker.OrderRequest) { r.CustomTag = tag }
}

// BuildMarket returns an order of the builder's default type (MARKET unless
// configured otherwise). A priced type without its price is refused.
func (b *Builder) BuildMarket(side types.OrderSide, size int, opts ...Option) (broker.OrderRequest, error) {
	req := broker.OrderRequest{
		AccountID:  b.AccountID,
		ContractID: b.ContractID,
		Type:       b.DefaultType,
		Side:       side,
		Size:       size,
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req, validate(req)
}

// BuildLimit returns a LIMIT order. The limit price must be set.
func (b *Builder) BuildLimit(side types.OrderSide, size int, limitPrice decimal.NullDecimal, opts ...Option) (broker.OrderRequest, error) {
	if !limitPrice.Valid {
		return broker.OrderRequest{}, fmt.Errorf("%w: limit price is required", types.ErrInvalidOrder)
	}
	req := broker.OrderRequest{
		AccountID:  b.AccountID,
		ContractID: b.ContractID,
		Type:       types.OrderTypeLimit,
		Side:       side,
		Size:       size,
		LimitPrice: broker.Float(limitPrice.Decimal.InexactFloat64()),
	}
	for _, opt := range opts {
		opt(&req)
	}
	req.Type = types.OrderTypeLimit
	return req, validate(req)
}

func validate(req broker.OrderRequest) error {
	switch {
	case req.Size <= 0:
		return fmt.Errorf("%w: size must be > 0, got %d", types.ErrInvalidOrder, req.Size)
	case req.ContractID == "":
		return fmt.Errorf("%w: %w", types.ErrInvalidOrder, types.ErrMissingContract)
	case !req.Side.Valid():
		return fmt.Errorf("%w: side %d", types.ErrInvalidOrder, req.Side)
	case !req.Type.Valid():
		return fmt.Errorf("%w: order type %d", types.ErrInvalidOrder, int(req.Type))
	case req.Type == types.OrderTypeLimit && req.LimitPrice == nil:
		return fmt.Errorf("%w: %w: LIMIT needs limitPrice", types.ErrInvalidOrder, types.ErrMissingPrice)
	case req.Type == types.OrderTypeStop && req.StopPrice == nil:
		return fmt.Errorf("%w: %w: STOP needs stopPrice", types.ErrInvalidOrder, types.ErrMissingPrice)
	case req.Type == types.OrderTypeTrailingStop && req.TrailPrice == nil:
		return fmt.Errorf("%w: %w: TRAILING_STOP needs trailPrice", types.ErrInvalidOrder, types.ErrMissingPrice)
	}
	return nil
}
