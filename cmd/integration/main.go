// Command integration checks a Tradier sandbox account end to end without placing orders.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/rolling_calls/internal/broker"
	"github.com/eddiefleurent/rolling_calls/internal/config"
	"github.com/eddiefleurent/rolling_calls/internal/models"
	"github.com/eddiefleurent/rolling_calls/internal/storage"
	"github.com/eddiefleurent/rolling_calls/internal/strategy"
	"github.com/eddiefleurent/rolling_calls/internal/util"
)

type check struct {
	name string
	run  func(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if _, err := config.LoadDotEnv(); err != nil {
		logger.WithError(err).Fatal("Failed to load .env")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	if cfg.Environment.Mode != "paper" {
		logger.Fatal("Integration checks must run in paper mode. Set environment.mode: 'paper' in config.yaml")
	}

	var b broker.Broker = broker.NewTradierClientWithAPI(
		broker.NewTradierAPIWithBaseURL(cfg.Broker.APIKey, cfg.Broker.AccountID, true, cfg.Broker.APIEndpoint).
			WithTimeout(cfg.GetBrokerTimeout()).
			WithLogger(logger),
	)
	b = broker.NewCircuitBreakerBroker(b, logger)
	market := broker.NewMarket(b, logger)
	params := cfg.StrategyParameters()

	tmpDir, err := os.MkdirTemp("", "rolling-calls-integration")
	if err != nil {
		logger.WithError(err).Fatal("Failed to create temp dir")
	}

	checks := []check{
		{"Broker connectivity", func(ctx context.Context) error {
			snap, err := market.Snapshot(ctx)
			if err != nil {
				return err
			}
			logger.Infof("Cash $%s, portfolio value $%s, %d position(s)",
				snap.Cash.StringFixed(2), snap.PortfolioValue.StringFixed(2), len(snap.Positions))
			return nil
		}},
		{"Quotes", func(ctx context.Context) error {
			for _, sym := range []string{params.Underlying, params.FixedIncomeSymbol} {
				price, known, err := market.LastPrice(ctx, models.Stock(sym))
				if err != nil {
					return err
				}
				if !known {
					return fmt.Errorf("no last price for %s", sym)
				}
				logger.Infof("%s last $%s", sym, price.StringFixed(2))
			}
			return nil
		}},
		{"Call resolution", func(ctx context.Context) error {
			target := models.AddDays(time.Now(), params.DaysToExpiry)
			expiry, err := market.ExpirationOnOrAfter(ctx, params.Underlying, target)
			if err != nil {
				return err
			}
			spot, known, err := market.LastPrice(ctx, models.Stock(params.Underlying))
			if err != nil || !known {
				return fmt.Errorf("underlying price unavailable: %v", err)
			}
			strike := util.RoundToIncrement(spot.Mul(decimal.NewFromInt(1).Add(params.PctCallOutOfMoney)), params.StrikeIncrement)
			call := models.CallOption(params.Underlying, expiry, strike)
			price, known, err := market.LastPrice(ctx, call)
			if err != nil {
				return err
			}
			if !known {
				logger.Warnf("%s has no quote; the bot would mark %s invalid", call, expiry.Format(models.DateLayout))
				return nil
			}
			logger.Infof("%s last $%s", call, price.StringFixed(2))
			return nil
		}},
		{"Market clock", func(ctx context.Context) error {
			open, err := broker.IsMarketOpen(ctx, b)
			if err != nil {
				return err
			}
			logger.Infof("Market open: %t", open)
			return nil
		}},
		{"State storage", func(context.Context) error {
			path := filepath.Join(tmpDir, "state.json")
			store, err := storage.NewJSONStorage(path)
			if err != nil {
				return err
			}
			if err := store.RecordCycle(storage.CycleRecord{ID: "integration", Date: models.Date(time.Now())}); err != nil {
				return err
			}
			reopened, err := storage.NewJSONStorage(path)
			if err != nil {
				return err
			}
			_, err = reopened.GetCycle("integration")
			return err
		}},
		{"Dry-run decision", func(ctx context.Context) error {
			snap, err := market.Snapshot(ctx)
			if err != nil {
				return err
			}
			engine := strategy.NewRollingCalls(params, market, market, nil, logger)
			d, err := engine.Decide(ctx, snap, time.Now().In(cfg.Location()))
			if err != nil {
				return err
			}
			for _, inst := range d.Instructions {
				logger.Infof("Would %s (%s)", inst, inst.Purpose)
			}
			for _, note := range d.Notes {
				logger.Info(note)
			}
			return nil
		}},
	}

	passed := 0
	for i, c := range checks {
		fmt.Printf("Check %d: %s\n", i+1, c.name)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := c.run(ctx)
		cancel()
		if err != nil {
			logger.WithError(err).Error("FAILED")
			continue
		}
		passed++
		fmt.Println("PASSED")
	}

	if err := os.RemoveAll(tmpDir); err != nil {
		logger.WithError(err).Warn("Failed to clean up temp dir")
	}

	fmt.Printf("\nChecks passed: %d/%d\n", passed, len(checks))
	if passed != len(checks) {
		os.Exit(1)
	}
}
