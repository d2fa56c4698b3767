// Package projectx provides connectivity to the ProjectX (TopstepX) REST gateway.
package projectx

import (
	"time"
)

// Endpoint keys.
const (
	EndpointLoginKey              = "login_key"
	EndpointOrderPlace            = "order_place"
	EndpointOrderCancel           = "order_cancel"
	EndpointOrderSearchOpen       = "order_search_open"
	EndpointPositionSearchOpen    = "position_search_open"
	EndpointPositionCloseContract = "position_close_contract"
	EndpointTradeSearch           = "trade_search"
)

// Config holds gateway connection configuration.
type Config struct {
	BaseURL   string
	Username  string
	APIKey    string
	AccountID int64

	// Endpoints maps endpoint keys to URL paths relative to BaseURL.
	Endpoints map[string]string

	// Timeouts
	OrderTimeout time.Duration
	QueryTimeout time.Duration

	// Rate limiting
	MaxRequestsPerSecond int

	// LogRequests logs every request with sanitized headers at debug level.
	LogRequests bool
}

// DefaultEndpoints returns the gateway's standard paths.
func DefaultEndpoints() map[string]string {
	return map[string]string{
		EndpointLoginKey:              "/api/Auth/loginKey",
		EndpointOrderPlace:            "/api/Order/place",
		EndpointOrderCancel:           "/api/Order/cancel",
		EndpointOrderSearchOpen:       "/api/Order/searchOpen",
		EndpointPositionSearchOpen:    "/api/Position/searchOpen",
		EndpointPositionCloseContract: "/api/Position/closeContract",
		EndpointTradeSearch:           "/api/Trade/search",
	}
}

// DefaultConfig returns default gateway configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:              "https://api.topstepx.com",
		Endpoints:            DefaultEndpoints(),
		OrderTimeout:         10 * time.Second,
		QueryTimeout:         15 * time.Second,
		MaxRequestsPerSecond: 10,
		LogRequests:          true,
	}
}
