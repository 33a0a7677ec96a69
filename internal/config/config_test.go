package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLoad(t *testing.T) {
	t.Setenv("TRADIER_API_KEY", "test-key")
	t.Setenv("TRADIER_ACCOUNT_ID", "test-account")

	configPath := filepath.Join("..", "..", "config.yaml.example")
	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected config to load successfully from example file, got error: %v", err)
	}
	if cfg.Broker.APIKey != "test-key" {
		t.Errorf("Expected api key from environment, got %q", cfg.Broker.APIKey)
	}
	if cfg.Strategy.DaysBeforeExpiryToSell == nil || *cfg.Strategy.DaysBeforeExpiryToSell != 1 {
		t.Errorf("Expected days_before_expiry_to_sell = 1, got %v", cfg.Strategy.DaysBeforeExpiryToSell)
	}
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent config file, got nil")
	}
}

func TestLoad_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := validYAML + "\nunknown_section:\n  foo: bar\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected unknown fields to be rejected")
	}
}

const validYAML = `
environment:
  mode: paper
broker:
  provider: mock
strategy:
  underlying: QQQ
  fixed_income_symbol: USFR
  pct_call_out_of_money: 0.0
  pct_portfolio_in_calls: 0.25
  days_to_expiry: 10
  days_before_expiry_to_sell: 1
schedule:
  trading_start: "09:45"
  trading_end: "15:45"
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Settlement.Mode != SettlementPoll {
		t.Errorf("Expected default settlement mode poll, got %s", cfg.Settlement.Mode)
	}
	if cfg.GetCheckInterval() != 15*time.Minute {
		t.Errorf("Expected default check interval 15m, got %v", cfg.GetCheckInterval())
	}
	if cfg.GetSettleDelay() != 5*time.Second {
		t.Errorf("Expected default settle delay 5s, got %v", cfg.GetSettleDelay())
	}
	if cfg.GetInvalidExpiryTTL() != 72*time.Hour {
		t.Errorf("Expected default TTL 72h, got %v", cfg.GetInvalidExpiryTTL())
	}
	if cfg.Storage.Path != "state.json" {
		t.Errorf("Expected default storage path, got %s", cfg.Storage.Path)
	}
}

func TestParse_NullSellThresholdHoldsToExpiry(t *testing.T) {
	data := strings.Replace(validYAML, "days_before_expiry_to_sell: 1", "days_before_expiry_to_sell: null", 1)
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Strategy.DaysBeforeExpiryToSell != nil {
		t.Errorf("Expected nil threshold, got %d", *cfg.Strategy.DaysBeforeExpiryToSell)
	}
	if cfg.StrategyParameters().DaysBeforeExpiryToSell != nil {
		t.Error("Expected nil threshold in strategy parameters")
	}
}

func baseConfig() *Config {
	sell := 1
	return &Config{
		Environment: EnvironmentConfig{Mode: "paper", LogLevel: "info", LogFormat: "text"},
		Broker: BrokerConfig{
			Provider:  ProviderTradier,
			APIKey:    "test-key",
			AccountID: "test-account",
		},
		Strategy: StrategyConfig{
			Underlying:             "QQQ",
			FixedIncomeSymbol:      "USFR",
			PctCallOutOfMoney:      0,
			PctPortfolioInCalls:    0.25,
			DaysToExpiry:           10,
			DaysBeforeExpiryToSell: &sell,
			StrikeIncrement:        5,
		},
		Schedule: ScheduleConfig{
			MarketCheckInterval: "15m",
			Timezone:            "America/New_York",
			TradingStart:        "09:45",
			TradingEnd:          "15:45",
		},
		Settlement: SettlementConfig{Mode: SettlementPoll},
		Storage:    StorageConfig{Path: "state.json"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad mode", func(c *Config) { c.Environment.Mode = "demo" }, "environment.mode"},
		{"missing api key", func(c *Config) { c.Broker.APIKey = "" }, "broker.api_key"},
		{"mock needs no credentials", func(c *Config) {
			c.Broker.Provider = ProviderMock
			c.Broker.APIKey = ""
			c.Broker.AccountID = ""
		}, ""},
		{"mock in live mode", func(c *Config) {
			c.Broker.Provider = ProviderMock
			c.Environment.Mode = "live"
		}, "cannot be used in live mode"},
		{"missing underlying", func(c *Config) { c.Strategy.Underlying = "" }, "strategy.underlying"},
		{"same symbols", func(c *Config) { c.Strategy.FixedIncomeSymbol = "QQQ" }, "must differ"},
		{"negative otm", func(c *Config) { c.Strategy.PctCallOutOfMoney = -0.01 }, "pct_call_out_of_money"},
		{"fraction above one", func(c *Config) { c.Strategy.PctPortfolioInCalls = 1.01 }, "pct_portfolio_in_calls"},
		{"fraction of one is allowed", func(c *Config) { c.Strategy.PctPortfolioInCalls = 1 }, ""},
		{"zero days to expiry", func(c *Config) { c.Strategy.DaysToExpiry = 0 }, "days_to_expiry"},
		{"sell threshold equal to dte", func(c *Config) {
			v := 10
			c.Strategy.DaysBeforeExpiryToSell = &v
		}, "must be < strategy.days_to_expiry"},
		{"hold to expiry", func(c *Config) { c.Strategy.DaysBeforeExpiryToSell = nil }, ""},
		{"bad interval", func(c *Config) { c.Schedule.MarketCheckInterval = "soon" }, "market_check_interval"},
		{"window reversed", func(c *Config) { c.Schedule.TradingStart = "16:00" }, "trading window"},
		{"bad settlement mode", func(c *Config) { c.Settlement.Mode = "hope" }, "settlement.mode"},
		{"bad settle timeout", func(c *Config) { c.Settlement.Timeout = "forever" }, "settlement.timeout"},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }, "retry.max_retries"},
		{"status port out of range", func(c *Config) {
			c.Status.Enabled = true
			c.Status.Port = 70000
		}, "status.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestIsWithinTradingHours(t *testing.T) {
	cfg := baseConfig()
	loc := cfg.Location()

	tests := []struct {
		name     string
		now      time.Time
		expected bool
	}{
		{"friday mid-session", time.Date(2024, 3, 1, 11, 0, 0, 0, loc), true},
		{"at open is inclusive", time.Date(2024, 3, 1, 9, 45, 0, 0, loc), true},
		{"at close is exclusive", time.Date(2024, 3, 1, 15, 45, 0, 0, loc), false},
		{"before open", time.Date(2024, 3, 1, 9, 0, 0, 0, loc), false},
		{"saturday", time.Date(2024, 3, 2, 11, 0, 0, 0, loc), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.IsWithinTradingHours(tt.now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("IsWithinTradingHours(%v) = %t, want %t", tt.now, got, tt.expected)
			}
		})
	}
}

func TestStrategyParameters(t *testing.T) {
	cfg := baseConfig()
	cfg.Strategy.PctCallOutOfMoney = 0.05
	cfg.Strategy.RollSameCycle = true

	p := cfg.StrategyParameters()
	if !p.PctPortfolioInCalls.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("Expected 0.25, got %s", p.PctPortfolioInCalls)
	}
	if !p.PctCallOutOfMoney.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("Expected 0.05, got %s", p.PctCallOutOfMoney)
	}
	if !p.StrikeIncrement.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected strike increment 5, got %s", p.StrikeIncrement)
	}
	if !p.RollSameCycle {
		t.Error("Expected roll_same_cycle to carry over")
	}

	// Mutating the parameters must not touch the config.
	*p.DaysBeforeExpiryToSell = 3
	if *cfg.Strategy.DaysBeforeExpiryToSell != 1 {
		t.Error("Expected strategy parameters to copy the sell threshold")
	}
}
