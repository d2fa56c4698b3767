// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/execbot/internal/alerting"
	"github.com/tathienbao/execbot/internal/broker/paper"
	"github.com/tathienbao/execbot/internal/broker/projectx"
	"github.com/tathienbao/execbot/internal/engine"
	"github.com/tathienbao/execbot/internal/execution"
	"github.com/tathienbao/execbot/internal/fills"
	"github.com/tathienbao/execbot/internal/metrics"
	"github.com/tathienbao/execbot/internal/monitor"
	"github.com/tathienbao/execbot/internal/persistence"
	"github.com/tathienbao/execbot/internal/risk"
	"github.com/tathienbao/execbot/internal/schedule"
	"github.com/tathienbao/execbot/internal/tick"
	"github.com/tathienbao/execbot/internal/types"
	"gopkg.in/yaml.v3"
)

// Run modes.
const (
	ModeSimulation = "simulation"
	ModeLive       = "live"
)

// Config represents the full application configuration.
type Config struct {
	Mode                    string                    `yaml:"mode"`
	AccountID               int64                     `yaml:"account_id"`
	ContractID              string                    `yaml:"contract_id"`
	DefaultQuantity         int                       `yaml:"default_quantity"`
	DefaultOrderType        string                    `yaml:"default_order_type"`
	PollIntervalSeconds     float64                   `yaml:"poll_interval_seconds"`
	AllowUnscheduledEntries *bool                     `yaml:"allow_unscheduled_entries"`
	TradingHours            TradingHoursConfig        `yaml:"trading_hours"`
	Contracts               map[string]ContractConfig `yaml:"contracts"`
	TakeProfit              TakeProfitConfig          `yaml:"take_profit"`
	FillResolver            FillResolverConfig        `yaml:"fill_resolver"`
	Risk                    RiskConfig                `yaml:"risk"`
	Evaluation              EvaluationConfig          `yaml:"evaluation"`
	StrategyTemplates       []schedule.Params         `yaml:"strategy_templates"`
	ScheduleDefs            []schedule.Definition     `yaml:"schedules"`
	Paths                   PathsConfig               `yaml:"paths"`
	Persistence             PersistenceConfig         `yaml:"persistence"`
	Broker                  BrokerConfig              `yaml:"broker"`
	Simulator               SimulatorConfig           `yaml:"simulator"`
	Metrics                 MetricsConfig             `yaml:"metrics"`
	Monitor                 MonitorConfig             `yaml:"monitor"`
	Alerting                AlertingConfig            `yaml:"alerting"`
	Logging                 LoggingConfig             `yaml:"logging"`
	Shutdown                ShutdownConfig            `yaml:"shutdown"`

	// Filled by Validate.
	resolved     []schedule.Schedule
	tickSizes    map[string]tick.Size
	orderType    types.OrderType
	tradingHours schedule.TradingHours
}

// TradingHoursConfig is the global session gate.
type TradingHoursConfig struct {
	StartUTC string `yaml:"start_utc"`
	StopUTC  string `yaml:"stop_utc"`
}

// ContractConfig holds per-contract settings.
type ContractConfig struct {
	TickSize string `yaml:"tick_size"`

	// PointValue is the account currency per price point per lot.
	PointValue float64 `yaml:"point_value"`
}

// TakeProfitConfig holds the default take-profit distance.
type TakeProfitConfig struct {
	Ticks *int `yaml:"ticks"`
}

// FillResolverConfig holds fill polling settings.
type FillResolverConfig struct {
	Retries            int     `yaml:"retries"`
	DelaySeconds       float64 `yaml:"delay_seconds"`
	JitterSeconds      float64 `yaml:"jitter_seconds"`
	RequireSizeNonzero *bool   `yaml:"require_size_nonzero"`
}

// RiskConfig holds pre-trade limits. Zero disables a check.
type RiskConfig struct {
	MaxOrderSize         int           `yaml:"max_order_size"`
	MinMinutesBeforeStop int           `yaml:"min_minutes_before_stop"`
	PnL                  RiskPnLConfig `yaml:"pnl"`
}

// RiskPnLConfig holds daily P&L limits in account currency.
type RiskPnLConfig struct {
	// DailyCloseAllWhenGTE flattens and halts entries for the day.
	DailyCloseAllWhenGTE float64 `yaml:"daily_close_all_when_gte"`
}

// EvaluationConfig caps the day's gain on evaluation accounts.
type EvaluationConfig struct {
	Enabled         bool    `yaml:"enabled"`
	DailyMaxGainUSD float64 `yaml:"daily_max_gain_usd"`
}

// PathsConfig holds file locations.
type PathsConfig struct {
	SignalsFile     string `yaml:"signals_file"`
	SessionGateFile string `yaml:"session_gate_file"`
	TradeStateFile  string `yaml:"trade_state_file"`
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	Type string `yaml:"type"` // file | sqlite
	Path string `yaml:"path"` // for sqlite
}

// BrokerConfig holds gateway settings for live mode.
type BrokerConfig struct {
	BaseURL            string            `yaml:"base_url"`
	Username           string            `yaml:"username"`
	APIKey             string            `yaml:"api_key"`
	TimeoutSeconds     int               `yaml:"timeout_seconds"`
	RateLimitPerSecond int               `yaml:"rate_limit_per_second"`
	LogRequests        *bool             `yaml:"log_requests"`
	Endpoints          map[string]string `yaml:"endpoints"`
}

// SimulatorConfig holds paper engine settings.
type SimulatorConfig struct {
	DefaultFillPrice float64 `yaml:"default_fill_price"`
	SlippageTicks    int     `yaml:"slippage_ticks"`
	FillDelayMs      int     `yaml:"fill_delay_ms"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// MonitorConfig holds monitor server settings.
type MonitorConfig struct {
	Enabled      bool `yaml:"enabled"`
	Port         int  `yaml:"port"`
	LogTailLines int  `yaml:"log_tail_lines"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
	Events   []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // telegram | console
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", types.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration, fills defaults and resolves schedules.
func (c *Config) Validate() error {
	var errs []string

	if c.Mode == "" {
		c.Mode = ModeSimulation
	}
	c.Mode = strings.ToLower(c.Mode)
	if c.Mode != ModeSimulation && c.Mode != ModeLive {
		errs = append(errs, fmt.Sprintf("mode must be 'simulation' or 'live', got %q", c.Mode))
	}

	if c.ContractID == "" {
		errs = append(errs, "contract_id is required")
	}
	if c.DefaultQuantity == 0 {
		c.DefaultQuantity = 1
	}
	if c.DefaultQuantity < 0 {
		errs = append(errs, "default_quantity must be positive")
	}
	if c.DefaultOrderType == "" {
		c.DefaultOrderType = "MARKET"
	}
	if t, err := types.ParseOrderType(c.DefaultOrderType); err != nil {
		errs = append(errs, fmt.Sprintf("default_order_type: %v", err))
	} else if t.Priced() {
		errs = append(errs, fmt.Sprintf("default_order_type: %s needs a price per order; use MARKET, JOIN_BID or JOIN_ASK", t))
	} else {
		c.orderType = t
	}
	if c.PollIntervalSeconds == 0 {
		c.PollIntervalSeconds = 1
	}
	if c.PollIntervalSeconds < 0 {
		errs = append(errs, "poll_interval_seconds must be positive")
	}
	if c.AllowUnscheduledEntries == nil {
		allow := true
		c.AllowUnscheduledEntries = &allow
	}

	// Trading hours
	if c.TradingHours.StartUTC == "" {
		c.TradingHours.StartUTC = "00:00"
	}
	if c.TradingHours.StopUTC == "" {
		c.TradingHours.StopUTC = "23:59"
	}
	start, errStart := schedule.ParseClock(c.TradingHours.StartUTC)
	stop, errStop := schedule.ParseClock(c.TradingHours.StopUTC)
	switch {
	case errStart != nil:
		errs = append(errs, fmt.Sprintf("trading_hours.start_utc: %v", errStart))
	case errStop != nil:
		errs = append(errs, fmt.Sprintf("trading_hours.stop_utc: %v", errStop))
	case stop <= start:
		errs = append(errs, "trading_hours.stop_utc must be after start_utc")
	default:
		c.tradingHours = schedule.TradingHours{Start: start, Stop: stop}
	}

	// Contracts
	c.tickSizes = make(map[string]tick.Size, len(c.Contracts))
	for id, cc := range c.Contracts {
		ts, err := tick.ParseSize(cc.TickSize)
		if err != nil {
			errs = append(errs, fmt.Sprintf("contracts.%s.tick_size: %v", id, err))
			continue
		}
		c.tickSizes[id] = ts
		if cc.PointValue < 0 {
			errs = append(errs, fmt.Sprintf("contracts.%s.point_value must not be negative", id))
		}
	}
	if _, ok := c.Contracts[c.ContractID]; c.ContractID != "" && !ok {
		errs = append(errs, fmt.Sprintf("contracts.%s.tick_size is required", c.ContractID))
	}

	if c.TakeProfit.Ticks != nil && *c.TakeProfit.Ticks < 0 {
		errs = append(errs, "take_profit.ticks must not be negative")
	}

	// Fill resolver
	if c.FillResolver.Retries == 0 {
		c.FillResolver.Retries = 10
	}
	if c.FillResolver.DelaySeconds == 0 {
		c.FillResolver.DelaySeconds = 0.2
	}
	if c.FillResolver.JitterSeconds == 0 {
		c.FillResolver.JitterSeconds = 0.05
	}
	if c.FillResolver.RequireSizeNonzero == nil {
		req := true
		c.FillResolver.RequireSizeNonzero = &req
	}
	if c.FillResolver.Retries < 0 || c.FillResolver.DelaySeconds < 0 || c.FillResolver.JitterSeconds < 0 {
		errs = append(errs, "fill_resolver values must not be negative")
	}

	if c.Risk.MaxOrderSize < 0 || c.Risk.MinMinutesBeforeStop < 0 {
		errs = append(errs, "risk values must not be negative")
	}
	if c.Risk.PnL.DailyCloseAllWhenGTE < 0 {
		errs = append(errs, "risk.pnl.daily_close_all_when_gte must not be negative")
	}
	if c.Evaluation.Enabled && c.Evaluation.DailyMaxGainUSD <= 0 {
		errs = append(errs, "evaluation.daily_max_gain_usd must be positive when evaluation is enabled")
	}

	// Schedules
	if len(c.ScheduleDefs) == 0 {
		errs = append(errs, "at least one schedule is required")
	} else if resolved, err := schedule.Resolve(c.ScheduleDefs, c.StrategyTemplates); err != nil {
		errs = append(errs, fmt.Sprintf("schedules: %v", err))
	} else {
		for _, s := range resolved {
			total, tp := s.Strategy.Lots(c.DefaultQuantity)
			if total <= 0 || tp < 0 || tp > total {
				errs = append(errs, fmt.Sprintf("schedule %q: lots must satisfy 0 <= tp_lots (%d) <= total_lots (%d), total > 0", s.ID, tp, total))
			}
			if s.Strategy.TPTicks == nil && c.TakeProfit.Ticks == nil && tp > 0 {
				errs = append(errs, fmt.Sprintf("schedule %q: tp_ticks or take_profit.ticks is required", s.ID))
			}
		}
		c.resolved = resolved
	}

	// Paths
	if c.Paths.SignalsFile == "" {
		c.Paths.SignalsFile = "data/input/signals.ndjson"
	}
	if c.Paths.SessionGateFile == "" {
		c.Paths.SessionGateFile = "data/state/session_gate.json"
	}
	if c.Paths.TradeStateFile == "" {
		c.Paths.TradeStateFile = "data/state/trade_state.json"
	}

	// Persistence
	switch c.Persistence.Type {
	case "":
		c.Persistence.Type = persistence.TypeFile
	case persistence.TypeFile:
	case persistence.TypeSQLite:
		if c.Persistence.Path == "" {
			c.Persistence.Path = "data/state/execbot.db"
		}
	default:
		errs = append(errs, "persistence.type must be 'file' or 'sqlite'")
	}

	// Broker
	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = projectx.DefaultConfig().BaseURL
	}
	if c.Broker.TimeoutSeconds <= 0 {
		c.Broker.TimeoutSeconds = 10
	}
	if c.Broker.RateLimitPerSecond <= 0 {
		c.Broker.RateLimitPerSecond = 10
	}
	for key := range c.Broker.Endpoints {
		if _, ok := projectx.DefaultEndpoints()[key]; !ok {
			errs = append(errs, fmt.Sprintf("broker.endpoints: unknown endpoint %q", key))
		}
	}
	if c.Mode == ModeLive {
		if c.Broker.Username == "" {
			errs = append(errs, "broker.username is required in live mode")
		}
		if c.Broker.APIKey == "" {
			errs = append(errs, "broker.api_key is required in live mode")
		}
		if c.AccountID == 0 {
			errs = append(errs, "account_id is required in live mode")
		}
	}

	if c.Simulator.DefaultFillPrice == 0 {
		c.Simulator.DefaultFillPrice = 100
	}
	if c.Simulator.DefaultFillPrice < 0 {
		errs = append(errs, "simulator.default_fill_price must be positive")
	}

	// Servers
	if c.Metrics.Port == 0 {
		c.Metrics.Port = metrics.DefaultServerConfig().Port
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = metrics.DefaultServerConfig().MetricsPath
	}
	if c.Monitor.Port == 0 {
		c.Monitor.Port = monitor.DefaultServerConfig().Port
	}
	if c.Monitor.LogTailLines <= 0 {
		c.Monitor.LogTailLines = monitor.DefaultServerConfig().LogTailLines
	}
	if c.Metrics.Enabled && c.Monitor.Enabled && c.Metrics.Port == c.Monitor.Port {
		errs = append(errs, "metrics.port and monitor.port must differ")
	}

	// Alerting
	if c.Alerting.Enabled {
		for i, ch := range c.Alerting.Channels {
			switch ch.Type {
			case "telegram":
				if ch.BotToken == "" || ch.ChatID == "" {
					errs = append(errs, fmt.Sprintf("alerting.channels[%d]: telegram needs bot_token and chat_id", i))
				}
			case "console":
			default:
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: unknown type %q", i, ch.Type))
			}
		}
	}
	known := make(map[string]bool)
	for _, e := range alerting.AllEvents() {
		known[string(e)] = true
	}
	for _, e := range c.Alerting.Events {
		if e != "all" && !known[e] {
			errs = append(errs, fmt.Sprintf("alerting.events: unknown event %q", e))
		}
	}

	// Logging
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if _, ok := logLevels[strings.ToLower(c.Logging.Level)]; !ok {
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}

	if c.Shutdown.TimeoutSec <= 0 {
		c.Shutdown.TimeoutSec = 10
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

var logLevels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// IsLive reports whether orders go to the real gateway.
func (c *Config) IsLive() bool {
	return c.Mode == ModeLive
}

// AllowUnscheduled reports whether entries outside every schedule are placed
// at the default size.
func (c *Config) AllowUnscheduled() bool {
	return c.AllowUnscheduledEntries == nil || *c.AllowUnscheduledEntries
}

// Schedules returns the resolved schedules in declaration order.
func (c *Config) Schedules() []schedule.Schedule {
	out := make([]schedule.Schedule, len(c.resolved))
	copy(out, c.resolved)
	return out
}

// TickSizes returns the parsed tick size per contract.
func (c *Config) TickSizes() map[string]tick.Size {
	out := make(map[string]tick.Size, len(c.tickSizes))
	for k, v := range c.tickSizes {
		out[k] = v
	}
	return out
}

// OrderType returns the parsed default order type.
func (c *Config) OrderType() types.OrderType {
	return c.orderType
}

// Hours returns the parsed trading hours.
func (c *Config) Hours() schedule.TradingHours {
	return c.tradingHours
}

// LogLevel returns the slog level for logging.level.
func (c *Config) LogLevel() slog.Level {
	return logLevels[strings.ToLower(c.Logging.Level)]
}

// ToRiskConfig converts to risk.Config.
func (c *Config) ToRiskConfig() risk.Config {
	cfg := risk.Config{
		MaxOrderSize:         c.Risk.MaxOrderSize,
		MinMinutesBeforeStop: c.Risk.MinMinutesBeforeStop,
	}
	if c.TradingHours.StopUTC != "" {
		stop := c.tradingHours.Stop
		cfg.SessionStop = &stop
	}
	return cfg
}

// ToDailyConfig converts the P&L limits to risk.DailyConfig, valued with
// the trading contract's point value.
func (c *Config) ToDailyConfig() risk.DailyConfig {
	cfg := risk.DailyConfig{
		PointValue: decimal.NewFromFloat(c.Contracts[c.ContractID].PointValue),
		CloseAllAt: decimal.NewFromFloat(c.Risk.PnL.DailyCloseAllWhenGTE),
	}
	if c.Evaluation.Enabled {
		cfg.MaxGain = decimal.NewFromFloat(c.Evaluation.DailyMaxGainUSD)
	}
	return cfg
}

// ToResolverConfig converts to fills.Config.
func (c *Config) ToResolverConfig() fills.Config {
	return fills.Config{
		Retries:            c.FillResolver.Retries,
		Delay:              seconds(c.FillResolver.DelaySeconds),
		Jitter:             seconds(c.FillResolver.JitterSeconds),
		RequireSizeNonzero: c.FillResolver.RequireSizeNonzero == nil || *c.FillResolver.RequireSizeNonzero,
	}
}

// ToExecutionConfig converts to execution.Config.
func (c *Config) ToExecutionConfig() execution.Config {
	return execution.Config{
		DefaultQuantity: c.DefaultQuantity,
		FlattenTimeout:  c.BrokerTimeout(),
	}
}

// ToEngineConfig converts to engine.Config.
func (c *Config) ToEngineConfig() engine.Config {
	return engine.Config{
		PollInterval: c.PollInterval(),
		TradingHours: c.tradingHours,
		FlushTimeout: c.ShutdownTimeout(),
	}
}

// ToProjectXConfig converts to projectx.Config.
func (c *Config) ToProjectXConfig() projectx.Config {
	cfg := projectx.DefaultConfig()
	cfg.BaseURL = c.Broker.BaseURL
	cfg.Username = c.Broker.Username
	cfg.APIKey = c.Broker.APIKey
	cfg.AccountID = c.AccountID
	cfg.OrderTimeout = c.BrokerTimeout()
	cfg.QueryTimeout = c.BrokerTimeout()
	cfg.MaxRequestsPerSecond = c.Broker.RateLimitPerSecond
	if c.Broker.LogRequests != nil {
		cfg.LogRequests = *c.Broker.LogRequests
	}
	for key, path := range c.Broker.Endpoints {
		cfg.Endpoints[key] = path
	}
	return cfg
}

// ToPaperConfig converts to paper.Config.
func (c *Config) ToPaperConfig() paper.Config {
	return paper.Config{
		AccountID:        c.AccountID,
		DefaultFillPrice: decimal.NewFromFloat(c.Simulator.DefaultFillPrice),
		TickSize:         c.tickSizes[c.ContractID],
		SlippageTicks:    c.Simulator.SlippageTicks,
		FillDelay:        time.Duration(c.Simulator.FillDelayMs) * time.Millisecond,
	}
}

// ToPersistenceConfig converts to persistence.Config.
func (c *Config) ToPersistenceConfig() persistence.Config {
	return persistence.Config{
		Type:      c.Persistence.Type,
		Path:      c.Persistence.Path,
		QuotaFile: c.Paths.SessionGateFile,
		StateFile: c.Paths.TradeStateFile,
	}
}

// ToMetricsConfig converts to metrics.ServerConfig.
func (c *Config) ToMetricsConfig() metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	cfg.Port = c.Metrics.Port
	cfg.MetricsPath = c.Metrics.Path
	return cfg
}

// ToMonitorConfig converts to monitor.ServerConfig.
func (c *Config) ToMonitorConfig() monitor.ServerConfig {
	cfg := monitor.DefaultServerConfig()
	cfg.Port = c.Monitor.Port
	cfg.Mode = c.Mode
	cfg.LogFile = c.Logging.File
	cfg.LogTailLines = c.Monitor.LogTailLines
	return cfg
}

// AlertEvents returns the enabled event names; nil means every event.
func (c *Config) AlertEvents() []string {
	for _, e := range c.Alerting.Events {
		if e == "all" {
			return nil
		}
	}
	return c.Alerting.Events
}

// PollInterval returns the loop's poll interval.
func (c *Config) PollInterval() time.Duration {
	return seconds(c.PollIntervalSeconds)
}

// BrokerTimeout returns the per-call gateway timeout.
func (c *Config) BrokerTimeout() time.Duration {
	return time.Duration(c.Broker.TimeoutSeconds) * time.Second
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
