// Package broker defines the execution engine surface the decision core trades through.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/execbot/internal/types"
)

// Common broker errors.
var (
	ErrNotConnected  = errors.New("broker not connected")
	ErrOrderNotFound = errors.New("order not found")
	ErrRateLimited   = errors.New("rate limited by broker")
)

// ConnectionState represents the broker connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ExecutionEngine is the order gateway: the live REST client or the simulator.
// Every method takes a context that bounds the network call.
type ExecutionEngine interface {
	// Name identifies the engine in logs and health checks.
	Name() string
	// State returns the connection state.
	State() ConnectionState

	PlaceOrder(ctx context.Context, req OrderRequest) (PlaceResponse, error)
	CancelOrder(ctx context.Context, orderID int64) error
	GetOpenPositions(ctx context.Context) ([]OpenPosition, error)
	GetWorkingOrders(ctx context.Context) ([]WorkingOrder, error)
	// FlattenAll closes every open position on the account, best effort.
	FlattenAll(ctx context.Context) error
}

// OrderRequest is the order payload on the wire.
type OrderRequest struct {
	AccountID     int64           `json:"accountId"`
	ContractID    string          `json:"contractId"`
	Type          types.OrderType `json:"type"`
	Side          types.OrderSide `json:"side"`
	Size          int             `json:"size"`
	LimitPrice    *float64        `json:"limitPrice,omitempty"`
	StopPrice     *float64        `json:"stopPrice,omitempty"`
	TrailPrice    *float64        `json:"trailPrice,omitempty"`
	CustomTag     string          `json:"customTag,omitempty"`
	LinkedOrderID *int64          `json:"linkedOrderId,omitempty"`
}

// PlaceResponse is the gateway's answer to an order placement. Optional
// fields are pointers so a zero error code is distinguishable from an
// absent one.
type PlaceResponse struct {
	Success      bool
	OrderID      *int64
	Status       *int
	ErrorCode    *int
	ErrorMessage *string
}

// UnmarshalJSON accepts camelCase and snake_case keys; the first present wins.
func (r *PlaceResponse) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var out PlaceResponse
	if v, ok := raw["success"]; ok {
		if err := json.Unmarshal(v, &out.Success); err != nil {
			return fmt.Errorf("success: %w", err)
		}
	}
	if err := decodeFirst(raw, &out.OrderID, "orderId", "order_id"); err != nil {
		return err
	}
	if err := decodeFirst(raw, &out.Status, "status"); err != nil {
		return err
	}
	if err := decodeFirst(raw, &out.ErrorCode, "errorCode", "error_code"); err != nil {
		return err
	}
	if err := decodeFirst(raw, &out.ErrorMessage, "errorMessage", "error_message"); err != nil {
		return err
	}

	*r = out
	return nil
}

// MarshalJSON writes the camelCase form.
func (r PlaceResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Success      bool    `json:"success"`
		OrderID      *int64  `json:"orderId"`
		Status       *int    `json:"status,omitempty"`
		ErrorCode    *int    `json:"errorCode"`
		ErrorMessage *string `json:"errorMessage"`
	}{r.Success, r.OrderID, r.Status, r.ErrorCode, r.ErrorMessage})
}

func decodeFirst[T any](raw map[string]json.RawMessage, dst **T, keys ...string) error {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok {
			continue
		}
		if string(v) == "null" {
			*dst = nil
			return nil
		}
		var val T
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		*dst = &val
		return nil
	}
	return nil
}

// OpenPosition is one entry of the gateway's open positions view.
type OpenPosition struct {
	ID           int64               `json:"id,omitempty"`
	AccountID    int64               `json:"accountId,omitempty"`
	ContractID   string              `json:"contractId"`
	Type         int                 `json:"type,omitempty"` // 1=long, 2=short
	Size         int                 `json:"size"`
	AveragePrice decimal.NullDecimal `json:"averagePrice"`
}

// WorkingOrder is a resting order on the gateway.
type WorkingOrder struct {
	ID            int64    `json:"id"`
	AccountID     int64    `json:"accountId"`
	ContractID    string   `json:"contractId"`
	Type          int      `json:"type"`
	Side          int      `json:"side"`
	Size          int      `json:"size"`
	Status        int      `json:"status,omitempty"`
	LimitPrice    *float64 `json:"limitPrice,omitempty"`
	StopPrice     *float64 `json:"stopPrice,omitempty"`
	CustomTag     string   `json:"customTag,omitempty"`
	LinkedOrderID *int64   `json:"linkedOrderId,omitempty"`
}

// Trade is one execution (a half-turn) on the account.
type Trade struct {
	ID         int64               `json:"id"`
	AccountID  int64               `json:"accountId"`
	ContractID string              `json:"contractId"`
	Timestamp  time.Time           `json:"creationTimestamp"`
	Price      decimal.NullDecimal `json:"price"`
	Side       types.OrderSide     `json:"side"`
	Size       int                 `json:"size"`
	OrderID    int64               `json:"orderId"`
	Voided     bool                `json:"voided"`
}

// TradeSource is implemented by engines that report the account's
// executions. It is used to price exits.
type TradeSource interface {
	GetTrades(ctx context.Context, since time.Time) ([]Trade, error)
}

// Float returns a pointer to v, for optional price fields.
func Float(v float64) *float64 {
	return &v
}
