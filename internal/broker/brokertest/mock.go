// Package brokertest provides a scriptable execution engine for tests.
package brokertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tathienbao/execbot/internal/broker"
)

// PlaceFunc answers one PlaceOrder call.
type PlaceFunc func(req broker.OrderRequest) (broker.PlaceResponse, error)

// MockEngine is a mock execution engine for testing. PlaceOrder answers come
// from a queue, then from Default; GetOpenPositions answers come from a queue
// of snapshots, repeating the last one.
type MockEngine struct {
	mu sync.Mutex

	places    []PlaceFunc
	Default   PlaceFunc
	snapshots [][]broker.OpenPosition
	posErr    []error
	working   []broker.WorkingOrder
	trades    [][]broker.Trade
	since     []time.Time

	sent       []broker.OrderRequest
	posCalls   int
	flattens   int
	FlattenErr error
	nextID     int64
}

// NewMockEngine creates a mock engine that accepts every order with
// sequential ids.
func NewMockEngine() *MockEngine {
	m := &MockEngine{}
	m.Default = func(broker.OrderRequest) (broker.PlaceResponse, error) {
		return Accept(m.newID()), nil
	}
	return m
}

func (m *MockEngine) newID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

// Accept builds a successful response.
func Accept(id int64) broker.PlaceResponse {
	code := 0
	return broker.PlaceResponse{Success: true, OrderID: &id, ErrorCode: &code}
}

// Reject builds a failed response.
func Reject(code int, msg string) broker.PlaceResponse {
	return broker.PlaceResponse{Success: false, ErrorCode: &code, ErrorMessage: &msg}
}

// ErrTransport is returned by Fail.
var ErrTransport = errors.New("transport down")

// Fail answers a placement with a transport error.
func Fail(broker.OrderRequest) (broker.PlaceResponse, error) {
	return broker.PlaceResponse{}, ErrTransport
}

// QueuePlace queues answers for the next PlaceOrder calls.
func (m *MockEngine) QueuePlace(fns ...PlaceFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.places = append(m.places, fns...)
}

// QueuePositions queues snapshots for the next GetOpenPositions calls.
func (m *MockEngine) QueuePositions(snapshots ...[]broker.OpenPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snapshots...)
}

// QueuePositionErrors makes the next GetOpenPositions calls fail in order.
func (m *MockEngine) QueuePositionErrors(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posErr = append(m.posErr, errs...)
}

// QueueTrades queues answers for the next GetTrades calls, repeating the
// last one.
func (m *MockEngine) QueueTrades(answers ...[]broker.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, answers...)
}

// SetWorkingOrders sets the GetWorkingOrders answer.
func (m *MockEngine) SetWorkingOrders(orders []broker.WorkingOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.working = orders
}

// Name returns "mock".
func (m *MockEngine) Name() string {
	return "mock"
}

// State always reports connected.
func (m *MockEngine) State() broker.ConnectionState {
	return broker.StateConnected
}

// PlaceOrder records req and returns the next queued answer.
func (m *MockEngine) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.PlaceResponse, error) {
	m.mu.Lock()
	m.sent = append(m.sent, req)
	fn := m.Default
	if len(m.places) > 0 {
		fn = m.places[0]
		m.places = m.places[1:]
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return broker.PlaceResponse{}, err
	}
	return fn(req)
}

// CancelOrder always succeeds.
func (m *MockEngine) CancelOrder(context.Context, int64) error {
	return nil
}

// GetOpenPositions returns the next queued snapshot.
func (m *MockEngine) GetOpenPositions(ctx context.Context) ([]broker.OpenPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posCalls++

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.posErr) > 0 {
		err := m.posErr[0]
		m.posErr = m.posErr[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(m.snapshots) == 0 {
		return nil, nil
	}
	snap := m.snapshots[0]
	if len(m.snapshots) > 1 {
		m.snapshots = m.snapshots[1:]
	}
	out := make([]broker.OpenPosition, len(snap))
	copy(out, snap)
	return out, nil
}

// GetWorkingOrders returns the configured working orders.
func (m *MockEngine) GetWorkingOrders(context.Context) ([]broker.WorkingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]broker.WorkingOrder, len(m.working))
	copy(out, m.working)
	return out, nil
}

// FlattenAll counts the call and returns FlattenErr.
func (m *MockEngine) FlattenAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flattens++
	return m.FlattenErr
}

// GetTrades records since and returns the next queued answer.
func (m *MockEngine) GetTrades(ctx context.Context, since time.Time) ([]broker.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.since = append(m.since, since)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(m.trades) == 0 {
		return nil, nil
	}
	answer := m.trades[0]
	if len(m.trades) > 1 {
		m.trades = m.trades[1:]
	}
	out := make([]broker.Trade, len(answer))
	copy(out, answer)
	return out, nil
}

// TradeQueries returns the since argument of every GetTrades call.
func (m *MockEngine) TradeQueries() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Time, len(m.since))
	copy(out, m.since)
	return out
}

// Sent returns every order passed to PlaceOrder.
func (m *MockEngine) Sent() []broker.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]broker.OrderRequest, len(m.sent))
	copy(out, m.sent)
	return out
}

// PositionCalls returns how many times GetOpenPositions was called.
func (m *MockEngine) PositionCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.posCalls
}

// Flattens returns how many times FlattenAll was called.
func (m *MockEngine) Flattens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flattens
}
