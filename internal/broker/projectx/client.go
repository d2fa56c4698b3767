package projectx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tathienbao/execbot/internal/broker"
	"github.com/tathienbao/execbot/internal/metrics"
	"github.com/tathienbao/execbot/internal/types"
	"golang.org/x/time/rate"
)

const maxBody = 1 << 20

// Client implements broker.ExecutionEngine over the gateway's REST API.
type Client struct {
	cfg      Config
	http     *http.Client
	logger   *slog.Logger
	recorder *metrics.Recorder

	state   atomic.Int32
	limiter *rate.Limiter

	tokenMu sync.RWMutex
	token   string
}

// NewClient creates a gateway client. It does not authenticate; call Connect.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: projectx base_url is empty", types.ErrInvalidConfig)
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpoints()
	}
	if _, ok := cfg.Endpoints[EndpointLoginKey]; !ok {
		return nil, fmt.Errorf("%w: projectx endpoint %q missing", types.ErrInvalidConfig, EndpointLoginKey)
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 10 * time.Second
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 15 * time.Second
	}

	limit := rate.Inf
	burst := 1
	if cfg.MaxRequestsPerSecond > 0 {
		limit = rate.Limit(cfg.MaxRequestsPerSecond)
		burst = cfg.MaxRequestsPerSecond
	}

	c := &Client{
		cfg:      cfg,
		http:     httpClient,
		logger:   logger,
		recorder: metrics.NewRecorder(),
		limiter:  rate.NewLimiter(limit, burst),
	}
	c.state.Store(int32(broker.StateDisconnected))
	return c, nil
}

// Name returns "projectx".
func (c *Client) Name() string {
	return "projectx"
}

// State returns the connection state.
func (c *Client) State() broker.ConnectionState {
	return broker.ConnectionState(c.state.Load())
}

// Connect authenticates with the API key and stores the session token.
func (c *Client) Connect(ctx context.Context) error {
	c.state.Store(int32(broker.StateConnecting))
	c.logger.Info("connecting to projectx",
		"base_url", c.cfg.BaseURL,
		"account_id", c.cfg.AccountID,
	)

	if err := c.authenticate(ctx); err != nil {
		c.setState(broker.StateError)
		return err
	}

	c.setState(broker.StateConnected)
	c.logger.Info("connected to projectx")
	return nil
}

// Disconnect drops the session token.
func (c *Client) Disconnect() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenMu.Unlock()
	c.setState(broker.StateDisconnected)
}

func (c *Client) setState(s broker.ConnectionState) {
	c.state.Store(int32(s))
	c.recorder.RecordBrokerStatus(s == broker.StateConnected)
}

type loginRequest struct {
	Username string `json:"username"`
	APIKey   string `json:"apiKey"`
}

type loginResponse struct {
	Success      bool    `json:"success"`
	Token        string  `json:"token"`
	ErrorCode    *int    `json:"errorCode"`
	ErrorMessage *string `json:"errorMessage"`
}

func (c *Client) authenticate(ctx context.Context) error {
	if c.cfg.Username == "" || c.cfg.APIKey == "" {
		return fmt.Errorf("%w: projectx username/api key missing", types.ErrNotAuthenticated)
	}

	var out loginResponse
	status, body, err := c.do(ctx, EndpointLoginKey, loginRequest{Username: c.cfg.Username, APIKey: c.cfg.APIKey}, c.cfg.QueryTimeout, false, &out)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrNotAuthenticated, err)
	}
	if status != http.StatusOK || !out.Success || out.Token == "" {
		msg := strings.TrimSpace(string(body))
		if out.ErrorMessage != nil {
			msg = *out.ErrorMessage
		}
		return fmt.Errorf("%w: login status %d: %s", types.ErrNotAuthenticated, status, msg)
	}

	c.tokenMu.Lock()
	c.token = out.Token
	c.tokenMu.Unlock()
	return nil
}

// PlaceOrder posts an order. A non-200 answer becomes a failed response
// carrying the HTTP status; only transport failures return an error.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (broker.PlaceResponse, error) {
	if req.AccountID == 0 {
		req.AccountID = c.cfg.AccountID
	}

	var out broker.PlaceResponse
	status, body, err := c.call(ctx, EndpointOrderPlace, req, c.cfg.OrderTimeout, &out)
	if err != nil {
		return broker.PlaceResponse{}, err
	}
	if status != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		return broker.PlaceResponse{Success: false, Status: &status, ErrorMessage: &msg}, nil
	}
	if out.Status == nil {
		out.Status = &status
	}
	return out, nil
}

type cancelRequest struct {
	AccountID int64 `json:"accountId"`
	OrderID   int64 `json:"orderId"`
}

type ackResponse struct {
	Success      bool    `json:"success"`
	ErrorCode    *int    `json:"errorCode"`
	ErrorMessage *string `json:"errorMessage"`
}

func (r ackResponse) err(op string, status int, body []byte) error {
	if status != http.StatusOK {
		return fmt.Errorf("projectx %s: http %d: %s", op, status, strings.TrimSpace(string(body)))
	}
	if !r.Success {
		msg := ""
		if r.ErrorMessage != nil {
			msg = *r.ErrorMessage
		}
		code := -1
		if r.ErrorCode != nil {
			code = *r.ErrorCode
		}
		return fmt.Errorf("projectx %s: error %d: %s", op, code, msg)
	}
	return nil
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	var out ackResponse
	status, body, err := c.call(ctx, EndpointOrderCancel, cancelRequest{AccountID: c.cfg.AccountID, OrderID: orderID}, c.cfg.OrderTimeout, &out)
	if err != nil {
		return err
	}
	return out.err("cancel order", status, body)
}

type accountRequest struct {
	AccountID int64 `json:"accountId"`
}

// GetOpenPositions returns the account's open positions.
func (c *Client) GetOpenPositions(ctx context.Context) ([]broker.OpenPosition, error) {
	var out struct {
		ackResponse
		Positions []broker.OpenPosition `json:"positions"`
	}
	status, body, err := c.call(ctx, EndpointPositionSearchOpen, accountRequest{AccountID: c.cfg.AccountID}, c.cfg.QueryTimeout, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("projectx search positions: http %d: %s", status, strings.TrimSpace(string(body)))
	}
	return out.Positions, nil
}

// GetWorkingOrders returns the account's open orders.
func (c *Client) GetWorkingOrders(ctx context.Context) ([]broker.WorkingOrder, error) {
	var out struct {
		ackResponse
		Orders []broker.WorkingOrder `json:"orders"`
	}
	status, body, err := c.call(ctx, EndpointOrderSearchOpen, accountRequest{AccountID: c.cfg.AccountID}, c.cfg.QueryTimeout, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("projectx search orders: http %d: %s", status, strings.TrimSpace(string(body)))
	}
	return out.Orders, nil
}

type closeRequest struct {
	AccountID  int64  `json:"accountId"`
	ContractID string `json:"contractId"`
}

// FlattenAll cancels every working order, then closes every open position
// contract by contract. Resting take-profits are cancelled first so none can
// fill into a new position after the close. It keeps going after a failure
// and returns the joined errors.
func (c *Client) FlattenAll(ctx context.Context) error {
	var errs []error

	working, err := c.GetWorkingOrders(ctx)
	if err != nil {
		c.logger.Error("flatten: could not list working orders", "err", err)
		errs = append(errs, fmt.Errorf("flatten: %w", err))
	}
	for _, o := range working {
		if err := c.CancelOrder(ctx, o.ID); err != nil {
			c.logger.Error("flatten: cancel failed", "order_id", o.ID, "contract_id", o.ContractID, "err", err)
			errs = append(errs, err)
			continue
		}
		c.logger.Info("flatten: order cancelled", "order_id", o.ID, "contract_id", o.ContractID)
	}

	positions, err := c.GetOpenPositions(ctx)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("flatten: %w", err))...)
	}
	if len(positions) == 0 {
		c.logger.Info("flatten: no open positions")
		return errors.Join(errs...)
	}

	for _, p := range positions {
		if p.ContractID == "" {
			errs = append(errs, fmt.Errorf("flatten: position %d has no contract id", p.ID))
			continue
		}
		var out ackResponse
		status, body, err := c.call(ctx, EndpointPositionCloseContract, closeRequest{AccountID: c.cfg.AccountID, ContractID: p.ContractID}, c.cfg.QueryTimeout, &out)
		if err == nil {
			err = out.err("close contract", status, body)
		}
		if err != nil {
			c.logger.Error("flatten: close failed", "contract_id", p.ContractID, "err", err)
			errs = append(errs, err)
			continue
		}
		c.logger.Info("flatten: contract closed", "contract_id", p.ContractID, "size", p.Size)
	}
	return errors.Join(errs...)
}

type tradeSearchRequest struct {
	AccountID      int64     `json:"accountId"`
	StartTimestamp time.Time `json:"startTimestamp"`
}

// GetTrades returns the account's executions since the given time, voided
// ones excluded.
func (c *Client) GetTrades(ctx context.Context, since time.Time) ([]broker.Trade, error) {
	var out struct {
		ackResponse
		Trades []broker.Trade `json:"trades"`
	}
	req := tradeSearchRequest{AccountID: c.cfg.AccountID, StartTimestamp: since.UTC()}
	status, body, err := c.call(ctx, EndpointTradeSearch, req, c.cfg.QueryTimeout, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("projectx search trades: http %d: %s", status, strings.TrimSpace(string(body)))
	}
	trades := out.Trades[:0]
	for _, t := range out.Trades {
		if !t.Voided {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

// call performs an authenticated request and re-authenticates once on 401.
func (c *Client) call(ctx context.Context, endpoint string, payload any, timeout time.Duration, out any) (int, []byte, error) {
	if c.State() != broker.StateConnected {
		return 0, nil, broker.ErrNotConnected
	}

	status, body, err := c.do(ctx, endpoint, payload, timeout, true, out)
	if err != nil || status != http.StatusUnauthorized {
		return status, body, err
	}

	c.logger.Warn("projectx token rejected, re-authenticating", "endpoint", endpoint)
	if err := c.authenticate(ctx); err != nil {
		c.setState(broker.StateError)
		c.recorder.RecordError("broker_auth")
		return status, body, err
	}
	return c.do(ctx, endpoint, payload, timeout, true, out)
}

// do sends one POST with a JSON payload and decodes a 200 answer into out.
func (c *Client) do(ctx context.Context, endpoint string, payload any, timeout time.Duration, auth bool, out any) (int, []byte, error) {
	path, ok := c.cfg.Endpoints[endpoint]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s", types.ErrUnknownEndpoint, endpoint)
	}
	url := c.cfg.BaseURL + path

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", broker.ErrRateLimited, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal %s: %w", endpoint, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if auth {
		c.tokenMu.RLock()
		req.Header.Set("Authorization", "Bearer "+c.token)
		c.tokenMu.RUnlock()
	}

	if c.cfg.LogRequests {
		attrs := []any{"method", req.Method, "url", url, "headers", SanitizeHeaders(req.Header)}
		if endpoint != EndpointLoginKey {
			attrs = append(attrs, "payload", json.RawMessage(reqBody))
		}
		c.logger.Debug("projectx request", attrs...)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusOK && out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, body, fmt.Errorf("decode %s response: %w", endpoint, err)
		}
	}
	return resp.StatusCode, body, nil
}
