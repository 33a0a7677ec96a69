// Package strategy implements the rolling long-call decision engine.
//
// Once per trading day the engine looks at the account and decides whether to
// sell a call that is about to expire, sweep idle cash into a fixed income ETF,
// and open a replacement call. It only produces instructions; submitting them
// is the job of the orders package.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/rolling_calls/internal/models"
	"github.com/eddiefleurent/rolling_calls/internal/util"
)

// DefaultStrikeIncrement is the spacing strikes are snapped to when none is configured.
var DefaultStrikeIncrement = decimal.NewFromInt(5)

var contractMultiplier = decimal.NewFromInt(models.ContractMultiplier)

// Config holds the strategy parameters. It is fixed for the lifetime of the strategy.
type Config struct {
	Underlying        string
	FixedIncomeSymbol string
	// PctCallOutOfMoney is the fraction above the underlying price used for the strike (0.05 = 5%).
	PctCallOutOfMoney decimal.Decimal
	// PctPortfolioInCalls is the fraction of portfolio value allocated to calls.
	PctPortfolioInCalls decimal.Decimal
	DaysToExpiry        int
	// DaysBeforeExpiryToSell triggers the sell when fewer days remain. Nil holds calls to expiry.
	DaysBeforeExpiryToSell *int
	// RollSameCycle lets a call sold this cycle be replaced in the same cycle.
	RollSameCycle   bool
	StrikeIncrement decimal.Decimal
}

// PriceOracle returns the last trade price of an asset. known is false when no quote exists.
type PriceOracle interface {
	LastPrice(ctx context.Context, asset models.Asset) (price decimal.Decimal, known bool, err error)
}

// OptionChainResolver finds the first listed option expiration on or after a date.
type OptionChainResolver interface {
	ExpirationOnOrAfter(ctx context.Context, underlying string, date time.Time) (time.Time, error)
}

// AnnotationKind is either a price line or a trade marker.
type AnnotationKind string

const (
	// AnnotationLine plots a price series point
	AnnotationLine AnnotationKind = "line"
	// AnnotationMarker flags a trade on the chart
	AnnotationMarker AnnotationKind = "marker"
)

// Annotation is a best-effort chart hint emitted alongside the instructions.
type Annotation struct {
	Kind   AnnotationKind  `json:"kind"`
	Name   string          `json:"name"`
	Value  decimal.Decimal `json:"value"`
	Color  string          `json:"color"`
	Symbol string          `json:"symbol,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

// Decision is the result of one cycle.
type Decision struct {
	ID           string                    `json:"id"`
	Date         time.Time                 `json:"date"`
	Instructions []models.TradeInstruction `json:"instructions"`
	Annotations  []Annotation              `json:"annotations,omitempty"`
	Notes        []string                  `json:"notes,omitempty"`
	OwnCalls     bool                      `json:"own_calls"`
	// NewInvalidExpiry is set when this cycle added a date to the invalid expiry set.
	NewInvalidExpiry *time.Time `json:"new_invalid_expiry,omitempty"`
}

// RollingCalls is the decision engine.
type RollingCalls struct {
	config  *Config
	prices  PriceOracle
	chains  OptionChainResolver
	invalid *InvalidExpirySet
	logger  logrus.FieldLogger
}

// NewRollingCalls creates the engine. A nil invalid set starts empty.
func NewRollingCalls(
	config *Config,
	prices PriceOracle,
	chains OptionChainResolver,
	invalid *InvalidExpirySet,
	logger logrus.FieldLogger,
) *RollingCalls {
	if config == nil {
		panic("strategy.NewRollingCalls: config must not be nil")
	}
	if prices == nil || chains == nil {
		panic("strategy.NewRollingCalls: price oracle and chain resolver must not be nil")
	}
	if invalid == nil {
		invalid = NewInvalidExpirySet()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg := *config
	if !cfg.StrikeIncrement.IsPositive() {
		cfg.StrikeIncrement = DefaultStrikeIncrement
	}
	return &RollingCalls{
		config:  &cfg,
		prices:  prices,
		chains:  chains,
		invalid: invalid,
		logger:  logger,
	}
}

// InvalidExpiries exposes the memo of expiries without a tradable call.
func (s *RollingCalls) InvalidExpiries() *InvalidExpirySet {
	return s.invalid
}

// Config returns the strategy parameters.
func (s *RollingCalls) Config() Config {
	return *s.config
}

// cycle carries per-call state through the three steps.
type cycle struct {
	*Decision
	log logrus.FieldLogger
	now time.Time

	underlyingPrice decimal.Decimal
	underlyingKnown bool
	fixedPrice      decimal.Decimal
	fixedKnown      bool
	soldExpiring    bool
}

func (c *cycle) note(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.Notes = append(c.Notes, msg)
	c.log.Info(msg)
}

func (c *cycle) emit(inst models.TradeInstruction) {
	c.Instructions = append(c.Instructions, inst)
	c.log.WithFields(logrus.Fields{
		"side":    inst.Side,
		"qty":     inst.Quantity.String(),
		"asset":   inst.Asset.String(),
		"purpose": inst.Purpose,
	}).Info("Instruction emitted")
}

func (c *cycle) line(name string, value decimal.Decimal, color string) {
	c.Annotations = append(c.Annotations, Annotation{Kind: AnnotationLine, Name: name, Value: value, Color: color})
}

func (c *cycle) marker(name, symbol string, value decimal.Decimal, color, detail string) {
	c.Annotations = append(c.Annotations, Annotation{
		Kind: AnnotationMarker, Name: name, Symbol: symbol, Value: value, Color: color, Detail: detail,
	})
}

// Decide turns one portfolio snapshot into an ordered list of trade instructions:
// sell expiring calls, sweep cash into fixed income, sell fixed income to fund a
// new call, buy the new call. The only side effect is a possible addition to the
// invalid expiry set.
//
// Each decision gets a fresh random ID, so identical inputs yield identical
// instructions under different IDs. If ctx ends mid-cycle the partial decision is
// returned with ctx.Err() so a newly recorded invalid expiry is not lost.
func (s *RollingCalls) Decide(ctx context.Context, snap models.PortfolioSnapshot, now time.Time) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &cycle{
		Decision: &Decision{
			ID:           uuid.New().String(),
			Date:         models.Date(now),
			Instructions: []models.TradeInstruction{},
		},
		now: now,
	}
	c.log = s.logger.WithFields(logrus.Fields{"cycle_id": shortID(c.ID), "underlying": s.config.Underlying})
	c.log.WithFields(logrus.Fields{
		"cash":            snap.Cash.StringFixed(2),
		"portfolio_value": snap.PortfolioValue.StringFixed(2),
		"positions":       len(snap.Positions),
	}).Info("Deciding cycle")

	c.underlyingPrice, c.underlyingKnown = s.quote(ctx, c, models.Stock(s.config.Underlying))
	if c.underlyingKnown {
		c.line(s.config.Underlying, c.underlyingPrice, "blue")
	}
	c.fixedPrice, c.fixedKnown = s.quote(ctx, c, models.Stock(s.config.FixedIncomeSymbol))
	if c.fixedKnown {
		c.line(s.config.FixedIncomeSymbol, c.fixedPrice, "red")
	}

	c.OwnCalls = s.inventoryCalls(c, snap)
	s.sweepCash(c, snap)

	if c.OwnCalls {
		c.note("Not buying calls on %s because we already own some", s.config.Underlying)
	} else {
		s.openCall(ctx, c, snap)
	}

	if err := ctx.Err(); err != nil {
		return c.Decision, err
	}
	return c.Decision, nil
}

func (s *RollingCalls) quote(ctx context.Context, c *cycle, asset models.Asset) (decimal.Decimal, bool) {
	price, known, err := s.prices.LastPrice(ctx, asset)
	if err != nil {
		c.log.WithError(err).WithField("asset", asset.String()).Warn("Price lookup failed")
		return decimal.Zero, false
	}
	if !known || !price.IsPositive() {
		return decimal.Zero, false
	}
	return price, true
}

// inventoryCalls scans every call held on the underlying and emits a sell for each one
// inside the sell window. It reports whether calls are still considered owned.
func (s *RollingCalls) inventoryCalls(c *cycle, snap models.PortfolioSnapshot) bool {
	owned := false
	// Every matching call is checked, not just the first one found.
	for _, pos := range snap.Positions {
		if !pos.Asset.IsCallOn(s.config.Underlying) {
			continue
		}

		daysLeft := models.DaysUntil(c.now, pos.Asset.Expiration)
		if s.config.DaysBeforeExpiryToSell != nil && daysLeft < *s.config.DaysBeforeExpiryToSell {
			c.emit(models.TradeInstruction{
				Asset:           pos.Asset,
				Quantity:        pos.Quantity,
				Side:            models.SideSell,
				Purpose:         models.PurposeCloseExpiring,
				AwaitSettlement: true,
			})
			c.marker(fmt.Sprintf("Sell %s", pos.Asset), "triangle-down", c.underlyingPrice, "red", "")
			c.soldExpiring = true
			if s.config.RollSameCycle {
				continue
			}
		}
		owned = true
	}
	return owned
}

// sweepCash buys fixed income with cash not reserved for calls.
// Nothing happens unless cash exceeds twice the fixed income price.
func (s *RollingCalls) sweepCash(c *cycle, snap models.PortfolioSnapshot) {
	sym := s.config.FixedIncomeSymbol
	if !c.fixedKnown {
		c.note("Not buying more of the fixed income ETF %s because its price is unknown", sym)
		return
	}
	if !snap.Cash.GreaterThan(c.fixedPrice.Mul(decimal.NewFromInt(2))) {
		c.note("Not buying more of the fixed income ETF %s because we don't have extra cash", sym)
		return
	}

	cashForFixedIncome := snap.Cash
	if !c.OwnCalls {
		cashForFixedIncome = snap.Cash.Sub(snap.PortfolioValue.Mul(s.config.PctPortfolioInCalls))
	}

	quantity := util.FloorQuantity(cashForFixedIncome, c.fixedPrice)
	if quantity.LessThan(decimal.NewFromInt(1)) {
		c.note("Not buying more of the fixed income ETF %s because we don't have extra cash", sym)
		return
	}

	c.note("Buying more of the fixed income ETF %s because we have extra cash", sym)
	c.emit(models.TradeInstruction{
		Asset:    models.Stock(sym),
		Quantity: quantity,
		Side:     models.SideBuy,
		Purpose:  models.PurposeSweep,
	})
	c.marker(fmt.Sprintf("Buy %s", sym), "triangle-up", c.fixedPrice, "green", "")
}

// openCall sizes and buys a new call, selling fixed income first if cash is short.
func (s *RollingCalls) openCall(ctx context.Context, c *cycle, snap models.PortfolioSnapshot) {
	cfg := s.config
	c.note("Buying calls on %s because we don't own any", cfg.Underlying)

	cashInCalls := snap.PortfolioValue.Mul(cfg.PctPortfolioInCalls)

	target := models.AddDays(c.now, cfg.DaysToExpiry)
	expiry, err := s.chains.ExpirationOnOrAfter(ctx, cfg.Underlying, target)
	if err != nil {
		c.log.WithError(err).WithField("target", target.Format(models.DateLayout)).Warn("Could not resolve option expiration")
		c.note("No option expiration found on or after %s", target.Format(models.DateLayout))
		return
	}
	expiry = models.Date(expiry)
	log := c.log.WithField("expiry", expiry.Format(models.DateLayout))

	if s.invalid.Contains(expiry) {
		c.note("Skipping calls expiring %s: no tradable call was found earlier this run", expiry.Format(models.DateLayout))
		return
	}

	if !c.underlyingKnown {
		c.note("Not buying calls on %s because the underlying price is unknown", cfg.Underlying)
		return
	}

	strike := util.RoundToIncrement(
		c.underlyingPrice.Mul(decimal.NewFromInt(1).Add(cfg.PctCallOutOfMoney)),
		cfg.StrikeIncrement,
	)
	call := models.CallOption(cfg.Underlying, expiry, strike)

	callPrice, known, err := s.prices.LastPrice(ctx, call)
	if err != nil {
		log.WithError(err).WithField("call", call.String()).Warn("Call price lookup failed")
		c.note("Not buying %s because its price could not be fetched", call)
		return
	}
	if !known || !callPrice.IsPositive() {
		s.invalid.Add(expiry, c.now)
		c.NewInvalidExpiry = &expiry
		c.note("No price for %s; marking expiry %s invalid for this run", call, expiry.Format(models.DateLayout))
		return
	}

	// Price is per share and each contract covers 100 shares.
	callsQuantity := cashInCalls.Div(callPrice.Mul(contractMultiplier)).Floor()
	if callsQuantity.LessThan(decimal.NewFromInt(1)) {
		c.note("Not buying %s: %s allocated is less than one contract at %s", call,
			cashInCalls.StringFixed(2), callPrice.StringFixed(2))
		return
	}

	requiresSettlement := c.soldExpiring
	if cashInCalls.GreaterThan(snap.Cash) {
		if c.fixedKnown {
			cashNeeded := cashInCalls.Sub(snap.Cash)
			sellQty := util.FloorQuantity(cashNeeded, c.fixedPrice)
			if sellQty.GreaterThanOrEqual(decimal.NewFromInt(1)) {
				c.emit(models.TradeInstruction{
					Asset:           models.Stock(cfg.FixedIncomeSymbol),
					Quantity:        sellQty,
					Side:            models.SideSell,
					Purpose:         models.PurposeFundCalls,
					AwaitSettlement: true,
				})
				c.marker(fmt.Sprintf("Sell %s", cfg.FixedIncomeSymbol), "triangle-down", c.fixedPrice, "red", "")
				requiresSettlement = true
			}
		} else {
			c.note("Not buying %s: cannot sell %s to fund it because its price is unknown", call, cfg.FixedIncomeSymbol)
			return
		}
	}

	c.emit(models.TradeInstruction{
		Asset:              call,
		Quantity:           callsQuantity,
		Side:               models.SideBuy,
		Purpose:            models.PurposeOpenCall,
		RequiresSettlement: requiresSettlement,
	})
	c.marker(fmt.Sprintf("Buy Call at %s", call), "triangle-up", callPrice, "green",
		fmt.Sprintf("Strike: %s", strike.String()))
}

// shortID returns a truncated ID string, safely handling IDs shorter than 8 characters
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
