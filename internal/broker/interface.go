package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/rolling_calls/internal/models"
)

// Broker defines the interface for interacting with a brokerage
type Broker interface {
	// Account operations
	GetBalance(ctx context.Context) (*BalanceResponse, error)
	GetPositions(ctx context.Context) ([]PositionItem, error)

	// Market data
	GetQuotes(ctx context.Context, symbols ...string) ([]QuoteItem, error)
	GetExpirations(ctx context.Context, symbol string) ([]string, error)
	GetMarketClock(ctx context.Context) (*MarketClockResponse, error)

	// Order placement. Quantities are whole shares or contracts.
	PlaceEquityOrder(ctx context.Context, symbol string, side models.Side, quantity int64, tag string) (*OrderResponse, error)
	PlaceOptionOrder(ctx context.Context, optionSymbol string, side models.Side, quantity int64, tag string) (*OrderResponse, error)

	// Order status
	GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error)
}

// TradierClient wraps TradierAPI to implement the Broker interface
type TradierClient struct {
	*TradierAPI
}

// Ensure TradierClient implements Broker at compile time.
var _ Broker = (*TradierClient)(nil)

// NewTradierClient creates a new Tradier broker client
func NewTradierClient(apiKey, accountID string, sandbox bool) *TradierClient {
	return &TradierClient{TradierAPI: NewTradierAPI(apiKey, accountID, sandbox)}
}

// NewTradierClientWithAPI wraps an already configured API client.
func NewTradierClientWithAPI(api *TradierAPI) *TradierClient {
	return &TradierClient{TradierAPI: api}
}

// PlaceEquityOrder buys or sells shares at market.
func (t *TradierClient) PlaceEquityOrder(ctx context.Context, symbol string, side models.Side,
	quantity int64, tag string) (*OrderResponse, error) {
	var s string
	switch side {
	case models.SideBuy:
		s = sideBuy
	case models.SideSell:
		s = sideSell
	default:
		return nil, fmt.Errorf("unsupported side %q", side)
	}
	return t.PlaceEquityMarketOrder(ctx, symbol, s, quantity, tag)
}

// PlaceOptionOrder opens long option positions on buy and closes them on sell.
func (t *TradierClient) PlaceOptionOrder(ctx context.Context, optionSymbol string, side models.Side,
	quantity int64, tag string) (*OrderResponse, error) {
	var s string
	switch side {
	case models.SideBuy:
		s = sideBuyToOpen
	case models.SideSell:
		s = sideSellToClose
	default:
		return nil, fmt.Errorf("unsupported side %q", side)
	}
	return t.PlaceOptionMarketOrder(ctx, optionSymbol, s, quantity, tag)
}

// IsMarketOpen asks the broker clock whether the regular session is open.
func IsMarketOpen(ctx context.Context, b Broker) (bool, error) {
	clock, err := b.GetMarketClock(ctx)
	if err != nil {
		return false, err
	}
	return clock.IsOpen(), nil
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

var _ Broker = (*CircuitBreakerBroker)(nil)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips at a 60% failure rate over at least 5 calls.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  3,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  5,
	FailureRatio: 0.6,
}

// NewCircuitBreakerBroker creates a new CircuitBreakerBroker with default settings
func NewCircuitBreakerBroker(broker Broker, logger logrus.FieldLogger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, DefaultCircuitBreakerSettings, logger)
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings,
	logger logrus.FieldLogger) *CircuitBreakerBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		// Context cancellation is the caller's doing, not a broker failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrNoQuote)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// State reports the breaker state for status output.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.breaker.State()
}

// GetBalance wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetBalance(ctx context.Context) (*BalanceResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*BalanceResponse, error) { return b.GetBalance(ctx) })
}

// GetPositions wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]PositionItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PositionItem, error) { return b.GetPositions(ctx) })
}

// GetQuotes wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetQuotes(ctx context.Context, symbols ...string) ([]QuoteItem, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]QuoteItem, error) { return b.GetQuotes(ctx, symbols...) })
}

// GetExpirations wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]string, error) { return b.GetExpirations(ctx, symbol) })
}

// GetMarketClock wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetMarketClock(ctx context.Context) (*MarketClockResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*MarketClockResponse, error) {
		return b.GetMarketClock(ctx)
	})
}

// PlaceEquityOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceEquityOrder(ctx context.Context, symbol string, side models.Side,
	quantity int64, tag string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceEquityOrder(ctx, symbol, side, quantity, tag)
	})
}

// PlaceOptionOrder wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) PlaceOptionOrder(ctx context.Context, optionSymbol string, side models.Side,
	quantity int64, tag string) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.PlaceOptionOrder(ctx, optionSymbol, side, quantity, tag)
	})
}

// GetOrderStatus wraps the underlying broker call with circuit breaker
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderResponse, error) {
		return b.GetOrderStatus(ctx, orderID)
	})
}
