package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/rolling_calls/internal/models"
)

// ErrNoExpiration is returned when no listed expiration falls on or after the requested date.
var ErrNoExpiration = errors.New("no option expiration on or after date")

// Market adapts a Broker to the portfolio, price and option chain views the strategy reads.
type Market struct {
	broker Broker
	logger logrus.FieldLogger
}

// NewMarket creates a Market over b.
func NewMarket(b Broker, logger logrus.FieldLogger) *Market {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Market{broker: b, logger: logger}
}

// Snapshot reads balances and positions concurrently and builds the account view for one cycle.
func (m *Market) Snapshot(ctx context.Context) (models.PortfolioSnapshot, error) {
	var (
		balance   *BalanceResponse
		positions []PositionItem
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		balance, err = m.broker.GetBalance(gctx)
		if err != nil {
			return fmt.Errorf("getting balance: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		positions, err = m.broker.GetPositions(gctx)
		if err != nil {
			return fmt.Errorf("getting positions: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.PortfolioSnapshot{}, err
	}
	if balance == nil {
		return models.PortfolioSnapshot{}, errors.New("broker returned no balance")
	}

	snap := models.PortfolioSnapshot{
		Cash:           decimal.NewFromFloat(balance.Balances.TotalCash),
		PortfolioValue: decimal.NewFromFloat(balance.Balances.TotalEquity),
		Positions:      make([]models.Position, 0, len(positions)),
	}
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		snap.Positions = append(snap.Positions, models.Position{
			Asset:    AssetFromSymbol(p.Symbol),
			Quantity: decimal.NewFromFloat(p.Quantity),
		})
	}
	return snap, nil
}

// LastPrice returns the last trade price of the asset. A missing quote or a
// non-positive last price is reported as unknown rather than as an error.
func (m *Market) LastPrice(ctx context.Context, asset models.Asset) (decimal.Decimal, bool, error) {
	symbol, err := BrokerSymbol(asset)
	if err != nil {
		return decimal.Zero, false, err
	}

	quotes, err := m.broker.GetQuotes(ctx, symbol)
	if err != nil {
		if errors.Is(err, ErrNoQuote) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("quoting %s: %w", symbol, err)
	}

	for _, q := range quotes {
		if q.Symbol != symbol {
			continue
		}
		if q.Last <= 0 {
			m.logger.WithField("symbol", symbol).Debug("Quote has no last price")
			return decimal.Zero, false, nil
		}
		return decimal.NewFromFloat(q.Last), true, nil
	}
	return decimal.Zero, false, nil
}

// ExpirationOnOrAfter returns the first listed expiration for underlying on or after date.
func (m *Market) ExpirationOnOrAfter(ctx context.Context, underlying string, date time.Time) (time.Time, error) {
	raw, err := m.broker.GetExpirations(ctx, underlying)
	if err != nil {
		return time.Time{}, fmt.Errorf("getting expirations for %s: %w", underlying, err)
	}

	target := models.Date(date)
	dates := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		d, err := time.Parse(models.DateLayout, s)
		if err != nil {
			m.logger.WithField("expiration", s).Warn("Skipping unparseable expiration date")
			continue
		}
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	for _, d := range dates {
		if !d.Before(target) {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s %s", ErrNoExpiration, underlying, target.Format(models.DateLayout))
}
