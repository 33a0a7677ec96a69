package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/rolling_calls/internal/broker"
	"github.com/eddiefleurent/rolling_calls/internal/config"
	"github.com/eddiefleurent/rolling_calls/internal/mock"
	"github.com/eddiefleurent/rolling_calls/internal/models"
	"github.com/eddiefleurent/rolling_calls/internal/orders"
	"github.com/eddiefleurent/rolling_calls/internal/retry"
	"github.com/eddiefleurent/rolling_calls/internal/status"
	"github.com/eddiefleurent/rolling_calls/internal/storage"
	"github.com/eddiefleurent/rolling_calls/internal/strategy"
)

// mockStartingCash funds the simulated account of the mock provider.
const mockStartingCash = 100000

// Bot wires the decision engine to the broker, the executor and the state file.
type Bot struct {
	config   *config.Config
	broker   broker.Broker
	market   *broker.Market
	engine   *strategy.RollingCalls
	executor *orders.Executor
	retry    *retry.Client
	storage  storage.Interface
	status   *status.Server
	logger   *logrus.Logger
	loc      *time.Location
	now      func() time.Time
}

// CycleResult is what one cycle decided and, unless dry, what was sent.
type CycleResult struct {
	Snapshot models.PortfolioSnapshot
	Decision *strategy.Decision
	Report   *orders.Report
	DryRun   bool
}

// newBroker builds the configured provider behind a circuit breaker.
func newBroker(cfg *config.Config, logger logrus.FieldLogger) broker.Broker {
	var b broker.Broker
	switch cfg.Broker.Provider {
	case config.ProviderMock:
		b = mock.NewBroker(mockStartingCash,
			mock.WithPrice(cfg.Strategy.Underlying, 440),
			mock.WithPrice(cfg.Strategy.FixedIncomeSymbol, 50.25))
	default:
		api := broker.NewTradierAPIWithBaseURL(
			cfg.Broker.APIKey,
			cfg.Broker.AccountID,
			cfg.IsPaperTrading(),
			cfg.Broker.APIEndpoint,
		).WithTimeout(cfg.GetBrokerTimeout()).WithLogger(logger)
		b = broker.NewTradierClientWithAPI(api)
	}
	return broker.NewCircuitBreakerBroker(b, logger)
}

// NewBot assembles the bot. The invalid expiry memo is seeded from storage only when
// persistence is enabled, and only with entries younger than the TTL.
func NewBot(cfg *config.Config, b broker.Broker, store storage.Interface, logger *logrus.Logger) *Bot {
	bot := &Bot{
		config:  cfg,
		broker:  b,
		storage: store,
		logger:  logger,
		loc:     cfg.Location(),
		now:     time.Now,
	}

	bot.retry = retry.NewClient(logger, retry.Config{
		MaxRetries:     cfg.Retry.MaxRetries,
		InitialBackoff: durationOrZero(cfg.Retry.InitialBackoff),
		MaxBackoff:     durationOrZero(cfg.Retry.MaxBackoff),
	})
	bot.market = broker.NewMarket(b, logger)

	invalid := strategy.NewInvalidExpirySet()
	if cfg.Storage.PersistInvalidExpiries {
		notBefore := bot.now().Add(-cfg.GetInvalidExpiryTTL())
		n := invalid.Seed(storage.ExpiriesToMap(store.GetInvalidExpiries()), notBefore)
		logger.WithField("count", n).Info("Restored invalid expiries")
	}
	bot.engine = strategy.NewRollingCalls(cfg.StrategyParameters(), bot.market, bot.market, invalid, logger)

	bot.executor = orders.NewExecutor(b, bot.retry, logger, orders.Config{
		Mode:         cfg.Settlement.Mode,
		Delay:        cfg.GetSettleDelay(),
		PollInterval: cfg.GetSettlePollInterval(),
		Timeout:      cfg.GetSettleTimeout(),
	})

	if cfg.Status.Enabled {
		bot.status = status.NewServer(status.Config{
			Port:      cfg.Status.Port,
			AuthToken: cfg.Status.AuthToken,
			Mode:      cfg.Environment.Mode,
		}, store, bot.engine, b, logger)
	}

	return bot
}

func durationOrZero(v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// Run verifies the broker connection and runs the scheduler until ctx ends.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Bot starting main loop...")

	balance, err := retry.Do(ctx, b.retry, "get balance", b.broker.GetBalance)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	b.logger.Infof("Connected to broker. Total equity: $%.2f, cash: $%.2f",
		balance.Balances.TotalEquity, balance.Balances.TotalCash)

	if b.status != nil {
		go func() {
			if err := b.status.Start(); err != nil {
				b.logger.WithError(err).Error("Status server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.status.Shutdown(shutdownCtx); err != nil {
				b.logger.WithError(err).Warn("Status server shutdown failed")
			}
		}()
	}

	ticker := time.NewTicker(b.config.GetCheckInterval())
	defer ticker.Stop()

	b.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

// tick runs a cycle when today has none yet, inside the trading window, with the market open.
func (b *Bot) tick(ctx context.Context) {
	if !b.shouldRunCycle(ctx) {
		return
	}
	if _, err := b.RunCycle(ctx, false); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.WithError(err).Error("Cycle failed")
	}
}

func (b *Bot) shouldRunCycle(ctx context.Context) bool {
	now := b.now().In(b.loc)
	today := models.Date(now)

	if last := b.storage.LastCycleDate(); !last.IsZero() && !today.After(last) {
		b.logger.WithField("last_cycle_date", last.Format(models.DateLayout)).Debug("Already ran today")
		return false
	}

	within, err := b.config.IsWithinTradingHours(now)
	if err != nil {
		b.logger.WithError(err).Error("Invalid trading hours")
		return false
	}
	if !within {
		b.logger.Debugf("Outside trading hours (%s - %s), skipping",
			b.config.Schedule.TradingStart, b.config.Schedule.TradingEnd)
		return false
	}

	clock, err := b.broker.GetMarketClock(ctx)
	if err != nil {
		b.logger.WithError(err).Warn("Could not get market clock, relying on configured trading hours")
		return true
	}
	switch {
	case clock.IsOpen():
		return true
	case clock.IsTradingDay():
		b.logger.WithField("state", clock.Clock.State).Info("Market is outside its regular session (early close), skipping")
	default:
		b.logger.WithField("date", clock.Clock.Date).Info("Market is closed today (holiday), skipping")
	}
	return false
}

// RunCycle reads the account, decides, and unless dryRun submits the instructions and
// records the cycle.
func (b *Bot) RunCycle(ctx context.Context, dryRun bool) (*CycleResult, error) {
	now := b.now().In(b.loc)
	started := time.Now().UTC()

	snap, err := retry.Do(ctx, b.retry, "snapshot", b.market.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("reading portfolio: %w", err)
	}

	decision, err := b.engine.Decide(ctx, snap, now)
	if err != nil {
		if decision != nil && !dryRun {
			b.saveInvalidExpiries(b.logger.WithField("cycle_id", shortID(decision.ID)), decision)
		}
		return nil, fmt.Errorf("deciding cycle: %w", err)
	}
	log := b.logger.WithField("cycle_id", shortID(decision.ID))
	for _, note := range decision.Notes {
		log.Info(note)
	}
	for _, a := range decision.Annotations {
		log.WithFields(logrus.Fields{
			"kind":   a.Kind,
			"name":   a.Name,
			"value":  a.Value.String(),
			"symbol": a.Symbol,
			"color":  a.Color,
		}).Debug("Chart annotation")
	}

	result := &CycleResult{Snapshot: snap, Decision: decision, DryRun: dryRun}
	if dryRun {
		log.WithField("instructions", len(decision.Instructions)).Info("Dry run, nothing submitted")
		return result, nil
	}

	report, execErr := b.executor.Execute(ctx, decision.ID, decision.Instructions)
	result.Report = report

	rec := cycleRecord(decision, snap, report, started)
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	// Storage errors are logged, not returned: the orders are already out.
	if err := b.storage.RecordCycle(rec); err != nil {
		log.WithError(err).Error("Failed to record cycle")
	}
	if err := b.storage.SetLastCycleDate(now); err != nil {
		log.WithError(err).Error("Failed to save last cycle date")
	}
	b.saveInvalidExpiries(log, decision)

	if report != nil {
		log.WithFields(logrus.Fields{
			"submitted": report.Count(orders.OutcomeSubmitted),
			"failed":    report.Count(orders.OutcomeFailed),
			"aborted":   report.Count(orders.OutcomeAborted),
			"skipped":   report.Count(orders.OutcomeSkipped),
		}).Info("Cycle complete")
	}
	return result, execErr
}

// saveInvalidExpiries writes the memo when persistence is on and the cycle added to it.
func (b *Bot) saveInvalidExpiries(log logrus.FieldLogger, d *strategy.Decision) {
	if !b.config.Storage.PersistInvalidExpiries || d.NewInvalidExpiry == nil {
		return
	}
	entries := storage.ExpiriesFromMap(b.engine.InvalidExpiries().Entries())
	if err := b.storage.SetInvalidExpiries(entries); err != nil {
		log.WithError(err).Error("Failed to save invalid expiries")
	}
}

func cycleRecord(d *strategy.Decision, snap models.PortfolioSnapshot, report *orders.Report,
	started time.Time) storage.CycleRecord {
	rec := storage.CycleRecord{
		ID:               d.ID,
		Date:             d.Date,
		StartedAt:        started,
		Cash:             snap.Cash,
		PortfolioValue:   snap.PortfolioValue,
		Instructions:     d.Instructions,
		Notes:            d.Notes,
		NewInvalidExpiry: d.NewInvalidExpiry,
	}
	if report == nil {
		return rec
	}
	for i, r := range report.Results {
		rec.Orders = append(rec.Orders, storage.OrderRecord{
			Index:   i,
			OrderID: r.OrderID,
			Outcome: string(r.Outcome),
			Status:  r.Status,
			Tag:     r.Tag,
			Error:   r.Error,
		})
	}
	return rec
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
