// Package config provides configuration management for the trading bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/rolling_calls/internal/strategy"
)

const (
	defaultTimezone       = "America/New_York"
	defaultCheckInterval  = 15 * time.Minute
	defaultSettleDelay    = 5 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultSettleTimeout  = 2 * time.Minute
	defaultInvalidExpTTL  = 72 * time.Hour
	defaultStrikeInterval = 5.0
)

// Settlement modes
const (
	SettlementDelay = "delay"
	SettlementPoll  = "poll"
)

// Broker providers
const (
	ProviderTradier = "tradier"
	ProviderMock    = "mock"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Settlement  SettlementConfig  `yaml:"settlement"`
	Retry       RetryConfig       `yaml:"retry"`
	Storage     StorageConfig     `yaml:"storage"`
	Status      StatusConfig      `yaml:"status"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"` // tradier | mock
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`
	AccountID   string `yaml:"account_id"`
	Timeout     string `yaml:"timeout"`
}

// StrategyConfig defines the rolling call parameters.
type StrategyConfig struct {
	Underlying          string  `yaml:"underlying"`
	FixedIncomeSymbol   string  `yaml:"fixed_income_symbol"`
	PctCallOutOfMoney   float64 `yaml:"pct_call_out_of_money"`
	PctPortfolioInCalls float64 `yaml:"pct_portfolio_in_calls"`
	DaysToExpiry        int     `yaml:"days_to_expiry"`
	// DaysBeforeExpiryToSell left null holds calls until expiry.
	DaysBeforeExpiryToSell *int    `yaml:"days_before_expiry_to_sell"`
	RollSameCycle          bool    `yaml:"roll_same_cycle"`
	StrikeIncrement        float64 `yaml:"strike_increment"`
}

// ScheduleConfig defines trading schedule and market hours.
type ScheduleConfig struct {
	MarketCheckInterval string `yaml:"market_check_interval"`
	Timezone            string `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart        string `yaml:"trading_start"` // "HH:MM"
	TradingEnd          string `yaml:"trading_end"`   // "HH:MM"
}

// SettlementConfig controls how the executor waits for a sell before a dependent buy.
type SettlementConfig struct {
	Mode         string `yaml:"mode"` // delay | poll
	Delay        string `yaml:"delay"`
	PollInterval string `yaml:"poll_interval"`
	Timeout      string `yaml:"timeout"`
}

// RetryConfig controls retries of order submission on transient errors.
type RetryConfig struct {
	MaxRetries     int    `yaml:"max_retries"`
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
}

// StorageConfig defines where bot state is kept.
type StorageConfig struct {
	Path                   string `yaml:"path"`
	PersistInvalidExpiries bool   `yaml:"persist_invalid_expiries"`
	InvalidExpiryTTL       string `yaml:"invalid_expiry_ttl"`
}

// StatusConfig defines the read-only status API.
type StatusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML config bytes after expanding ${VAR} references, then validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// normalize fills defaults for optional fields
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "text"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = ProviderTradier
	}
	if c.Strategy.StrikeIncrement == 0 {
		c.Strategy.StrikeIncrement = defaultStrikeInterval
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.MarketCheckInterval == "" {
		c.Schedule.MarketCheckInterval = defaultCheckInterval.String()
	}
	if c.Settlement.Mode == "" {
		c.Settlement.Mode = SettlementPoll
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "state.json"
	}
	if c.Status.Port == 0 {
		c.Status.Port = 8080
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of debug, info, warn, error")
	}
	if c.Environment.LogFormat != "text" && c.Environment.LogFormat != "json" {
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	// Broker validation
	switch c.Broker.Provider {
	case ProviderTradier:
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required")
		}
	case ProviderMock:
		if c.Environment.Mode == "live" {
			return fmt.Errorf("broker.provider 'mock' cannot be used in live mode")
		}
	default:
		return fmt.Errorf("broker.provider must be 'tradier' or 'mock'")
	}
	if err := validDuration("broker.timeout", c.Broker.Timeout); err != nil {
		return err
	}

	// Strategy validation
	s := c.Strategy
	if s.Underlying == "" {
		return fmt.Errorf("strategy.underlying is required")
	}
	if s.FixedIncomeSymbol == "" {
		return fmt.Errorf("strategy.fixed_income_symbol is required")
	}
	if s.FixedIncomeSymbol == s.Underlying {
		return fmt.Errorf("strategy.fixed_income_symbol must differ from strategy.underlying")
	}
	if s.PctCallOutOfMoney < 0 {
		return fmt.Errorf("strategy.pct_call_out_of_money must be >= 0")
	}
	if s.PctPortfolioInCalls < 0 || s.PctPortfolioInCalls > 1.0 {
		return fmt.Errorf("strategy.pct_portfolio_in_calls must be between 0 and 1.0")
	}
	if s.DaysToExpiry <= 0 {
		return fmt.Errorf("strategy.days_to_expiry must be > 0")
	}
	if s.DaysBeforeExpiryToSell != nil {
		if *s.DaysBeforeExpiryToSell < 0 {
			return fmt.Errorf("strategy.days_before_expiry_to_sell must be >= 0")
		}
		if *s.DaysBeforeExpiryToSell >= s.DaysToExpiry {
			return fmt.Errorf("strategy.days_before_expiry_to_sell (%d) must be < strategy.days_to_expiry (%d)",
				*s.DaysBeforeExpiryToSell, s.DaysToExpiry)
		}
	}
	if s.StrikeIncrement <= 0 {
		return fmt.Errorf("strategy.strike_increment must be > 0")
	}

	// Schedule validation
	if _, err := time.ParseDuration(c.Schedule.MarketCheckInterval); err != nil {
		return fmt.Errorf("schedule.market_check_interval invalid: %w", err)
	}
	loc := c.Location()
	st, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	en, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || !st.Before(en) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}

	// Settlement validation
	if c.Settlement.Mode != SettlementDelay && c.Settlement.Mode != SettlementPoll {
		return fmt.Errorf("settlement.mode must be 'delay' or 'poll'")
	}
	for name, v := range map[string]string{
		"settlement.delay":           c.Settlement.Delay,
		"settlement.poll_interval":   c.Settlement.PollInterval,
		"settlement.timeout":         c.Settlement.Timeout,
		"retry.initial_backoff":      c.Retry.InitialBackoff,
		"retry.max_backoff":          c.Retry.MaxBackoff,
		"storage.invalid_expiry_ttl": c.Storage.InvalidExpiryTTL,
	} {
		if err := validDuration(name, v); err != nil {
			return err
		}
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}

	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		return fmt.Errorf("status.port must be between 1 and 65535")
	}

	return nil
}

func validDuration(name, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s invalid: %w", name, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", name)
	}
	return nil
}

// durationOr parses v, falling back to def when empty or invalid
func durationOr(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// GetCheckInterval returns the configured market check interval duration.
func (c *Config) GetCheckInterval() time.Duration {
	return durationOr(c.Schedule.MarketCheckInterval, defaultCheckInterval)
}

// GetBrokerTimeout returns the HTTP timeout for broker calls (zero means client default).
func (c *Config) GetBrokerTimeout() time.Duration {
	return durationOr(c.Broker.Timeout, 0)
}

// GetSettleDelay returns the fixed wait used in delay settlement mode.
func (c *Config) GetSettleDelay() time.Duration {
	return durationOr(c.Settlement.Delay, defaultSettleDelay)
}

// GetSettlePollInterval returns how often order status is polled in poll mode.
func (c *Config) GetSettlePollInterval() time.Duration {
	return durationOr(c.Settlement.PollInterval, defaultPollInterval)
}

// GetSettleTimeout returns how long poll mode waits for a fill.
func (c *Config) GetSettleTimeout() time.Duration {
	return durationOr(c.Settlement.Timeout, defaultSettleTimeout)
}

// GetInvalidExpiryTTL returns how long persisted invalid expiries stay valid.
func (c *Config) GetInvalidExpiryTTL() time.Duration {
	return durationOr(c.Storage.InvalidExpiryTTL, defaultInvalidExpTTL)
}

// Location returns the configured market timezone.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Try fallback to America/New_York
		if fallbackLoc, err2 := time.LoadLocation(defaultTimezone); err2 == nil {
			return fallbackLoc
		}
		// Final fallback to DST-agnostic FixedZone
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// IsWithinTradingHours checks if the given time falls within configured trading hours.
func (c *Config) IsWithinTradingHours(now time.Time) (bool, error) {
	loc := c.Location()
	today := now.In(loc)

	// Only allow Monday–Friday trading
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false, nil
	}

	startClock, err := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	if err != nil {
		return false, fmt.Errorf("parsing trading_start: %w", err)
	}
	endClock, err := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err != nil {
		return false, fmt.Errorf("parsing trading_end: %w", err)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end), nil
}

// StrategyParameters converts the strategy section into engine parameters.
func (c *Config) StrategyParameters() *strategy.Config {
	s := c.Strategy
	var sellDays *int
	if s.DaysBeforeExpiryToSell != nil {
		v := *s.DaysBeforeExpiryToSell
		sellDays = &v
	}
	return &strategy.Config{
		Underlying:             s.Underlying,
		FixedIncomeSymbol:      s.FixedIncomeSymbol,
		PctCallOutOfMoney:      decimal.NewFromFloat(s.PctCallOutOfMoney),
		PctPortfolioInCalls:    decimal.NewFromFloat(s.PctPortfolioInCalls),
		DaysToExpiry:           s.DaysToExpiry,
		DaysBeforeExpiryToSell: sellDays,
		RollSameCycle:          s.RollSameCycle,
		StrikeIncrement:        decimal.NewFromFloat(s.StrikeIncrement),
	}
}
