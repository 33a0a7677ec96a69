// Package mock provides an in-memory broker for paper runs without a Tradier account.
package mock

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // market clock needs America/New_York everywhere

	"github.com/eddiefleurent/rolling_calls/internal/broker"
	"github.com/eddiefleurent/rolling_calls/internal/models"
)

// Broker simulates an account: market orders fill at once at the last price.
type Broker struct {
	mu          sync.Mutex
	cash        float64
	prices      map[string]float64
	positions   map[string]float64
	orders      map[int]*broker.OrderResponse
	noQuote     map[string]bool // expiry dates with no listed calls
	holidays    map[string]bool
	nextOrderID int
	vol         float64
	drift       bool
	now         func() time.Time
}

// Option configures the simulated broker.
type Option func(*Broker)

// WithPrice sets the starting price of an equity symbol.
func WithPrice(symbol string, price float64) Option {
	return func(b *Broker) { b.prices[strings.ToUpper(symbol)] = price }
}

// WithPosition seeds a holding. Option positions use OCC symbols.
func WithPosition(symbol string, qty float64) Option {
	return func(b *Broker) { b.positions[strings.ToUpper(symbol)] = qty }
}

// WithoutDrift freezes equity prices so runs are repeatable.
func WithoutDrift() Option {
	return func(b *Broker) { b.drift = false }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// WithUnlistedExpiry makes every call on that expiry date unquotable.
func WithUnlistedExpiry(date time.Time) Option {
	return func(b *Broker) { b.noQuote[models.Date(date).Format(models.DateLayout)] = true }
}

// WithHoliday closes the market for the whole of date.
func WithHoliday(date time.Time) Option {
	return func(b *Broker) { b.holidays[models.Date(date).Format(models.DateLayout)] = true }
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// NewBroker creates a simulated account holding cash. QQQ and USFR have default prices.
func NewBroker(cash float64, opts ...Option) *Broker {
	b := &Broker{
		cash:        cash,
		prices:      map[string]float64{"QQQ": 440 + secureFloat64()*10, "USFR": 50.25},
		positions:   make(map[string]float64),
		orders:      make(map[int]*broker.OrderResponse),
		noQuote:     make(map[string]bool),
		holidays:    make(map[string]bool),
		nextOrderID: 1000,
		vol:         0.22,
		drift:       true,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetPrice moves an equity price.
func (b *Broker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[strings.ToUpper(symbol)] = price
}

// Cash returns the simulated cash balance.
func (b *Broker) Cash() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cash
}

// Position returns the held quantity of symbol.
func (b *Broker) Position(symbol string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions[strings.ToUpper(symbol)]
}

// GetBalance reports cash and the marked value of all holdings.
func (b *Broker) GetBalance(ctx context.Context) (*broker.BalanceResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var stocks, options float64
	for symbol, qty := range b.positions {
		price, ok := b.priceLocked(symbol)
		if !ok {
			continue
		}
		if asset, err := broker.ParseOCC(symbol); err == nil && asset.IsOption() {
			options += qty * price * models.ContractMultiplier
			continue
		}
		stocks += qty * price
	}

	resp := &broker.BalanceResponse{}
	resp.Balances.AccountNumber = "PAPER"
	resp.Balances.AccountType = "cash"
	resp.Balances.TotalCash = round2(b.cash)
	resp.Balances.StockLongValue = round2(stocks)
	resp.Balances.OptionLongValue = round2(options)
	resp.Balances.LongMarketValue = round2(stocks + options)
	resp.Balances.MarketValue = round2(stocks + options)
	resp.Balances.TotalEquity = round2(b.cash + stocks + options)
	return resp, nil
}

// GetPositions returns holdings sorted by symbol.
func (b *Broker) GetPositions(ctx context.Context) ([]broker.PositionItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	items := make([]broker.PositionItem, 0, len(b.positions))
	for symbol, qty := range b.positions {
		if qty == 0 {
			continue
		}
		items = append(items, broker.PositionItem{Symbol: symbol, Quantity: qty})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Symbol < items[j].Symbol })
	for i := range items {
		items[i].ID = i + 1
	}
	return items, nil
}

// GetQuotes quotes equities and OCC call symbols. Unknown symbols are left out, as Tradier does.
func (b *Broker) GetQuotes(ctx context.Context, symbols ...string) ([]broker.QuoteItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	quotes := make([]broker.QuoteItem, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.ToUpper(symbol)
		if b.drift {
			if p, ok := b.prices[symbol]; ok {
				b.prices[symbol] = p * (1 + (secureFloat64()-0.5)*0.002)
			}
		}
		price, ok := b.priceLocked(symbol)
		if !ok {
			continue
		}
		spread := math.Max(0.01, price*0.001)
		quotes = append(quotes, broker.QuoteItem{
			Symbol: symbol,
			Last:   price,
			Bid:    round2(price - spread/2),
			Ask:    round2(price + spread/2),
		})
	}
	return quotes, nil
}

// priceLocked prices equities from the table and calls from the underlying.
func (b *Broker) priceLocked(symbol string) (float64, bool) {
	if p, ok := b.prices[symbol]; ok {
		return round2(p), true
	}
	asset, err := broker.ParseOCC(symbol)
	if err != nil || asset.Right != models.OptionRightCall {
		return 0, false
	}
	if b.noQuote[asset.Expiration.Format(models.DateLayout)] {
		return 0, false
	}
	spot, ok := b.prices[asset.Symbol]
	if !ok {
		return 0, false
	}
	days := models.DaysUntil(b.now(), asset.Expiration)
	if days < 0 {
		return 0, false
	}
	strike, _ := asset.Strike.Float64()
	return callPrice(spot, strike, float64(days)/365, b.vol), true
}

// callPrice is intrinsic value plus a crude time value; enough to size trades.
func callPrice(spot, strike, years, vol float64) float64 {
	intrinsic := math.Max(0, spot-strike)
	moneyness := math.Exp(-math.Abs(spot-strike) / (spot * math.Max(vol*math.Sqrt(years), 0.01)))
	timeValue := 0.4 * spot * vol * math.Sqrt(years) * moneyness
	return math.Max(0.01, round2(intrinsic+timeValue))
}

// GetExpirations lists every Friday for the next year.
func (b *Broker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	_, known := b.prices[strings.ToUpper(symbol)]
	b.mu.Unlock()
	if !known {
		return nil, nil
	}

	day := models.Date(b.now())
	for day.Weekday() != time.Friday {
		day = day.AddDate(0, 0, 1)
	}
	out := make([]string, 0, 53)
	for i := 0; i < 53; i++ {
		out = append(out, day.AddDate(0, 0, 7*i).Format(models.DateLayout))
	}
	return out, nil
}

// GetMarketClock is open 9:30-16:00 New York time on weekdays.
func (b *Broker) GetMarketClock(ctx context.Context) (*broker.MarketClockResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := b.now()
	if loc, err := time.LoadLocation("America/New_York"); err == nil {
		now = now.In(loc)
	}

	resp := &broker.MarketClockResponse{}
	resp.Clock.Date = now.Format(models.DateLayout)
	resp.Clock.Timestamp = now.Unix()
	resp.Clock.State = "closed"
	minutes := now.Hour()*60 + now.Minute()
	weekday := now.Weekday() != time.Saturday && now.Weekday() != time.Sunday
	if weekday && !b.holidays[resp.Clock.Date] {
		switch {
		case minutes >= 4*60 && minutes < 9*60+30:
			resp.Clock.State = "premarket"
		case minutes >= 9*60+30 && minutes < 16*60:
			resp.Clock.State = "open"
		case minutes >= 16*60 && minutes < 20*60:
			resp.Clock.State = "postmarket"
		}
	}
	resp.Clock.Description = "Market is " + resp.Clock.State
	return resp, nil
}

// PlaceEquityOrder fills a market order immediately.
func (b *Broker) PlaceEquityOrder(ctx context.Context, symbol string, side models.Side,
	quantity int64, tag string) (*broker.OrderResponse, error) {
	return b.fill(ctx, strings.ToUpper(symbol), side, quantity, tag, 1)
}

// PlaceOptionOrder fills a market order immediately at 100x the quote.
func (b *Broker) PlaceOptionOrder(ctx context.Context, optionSymbol string, side models.Side,
	quantity int64, tag string) (*broker.OrderResponse, error) {
	if _, err := broker.ParseOCC(optionSymbol); err != nil {
		return nil, err
	}
	return b.fill(ctx, strings.ToUpper(optionSymbol), side, quantity, tag, models.ContractMultiplier)
}

func (b *Broker) fill(ctx context.Context, symbol string, side models.Side, quantity int64,
	tag string, multiplier float64) (*broker.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive: %d", quantity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextOrderID++
	resp := &broker.OrderResponse{}
	o := &resp.Order
	o.ID = b.nextOrderID
	o.Symbol = symbol
	o.Side = string(side)
	o.Type = "market"
	o.Duration = "day"
	o.Tag = tag
	o.Quantity = float64(quantity)
	o.CreateDate = b.now().UTC().Format(time.RFC3339)
	o.TransactionDate = o.CreateDate
	b.orders[o.ID] = resp

	price, ok := b.priceLocked(symbol)
	qty := float64(quantity)
	cost := price * qty * multiplier
	switch {
	case !ok:
		reject(o, "no quote for "+symbol)
	case side == models.SideBuy && cost > b.cash:
		reject(o, fmt.Sprintf("insufficient cash: need %.2f have %.2f", cost, b.cash))
	case side == models.SideSell && b.positions[symbol] < qty:
		reject(o, fmt.Sprintf("insufficient position: hold %.0f", b.positions[symbol]))
	case side == models.SideBuy:
		b.cash -= cost
		b.positions[symbol] += qty
	case side == models.SideSell:
		b.cash += cost
		b.positions[symbol] -= qty
		if b.positions[symbol] == 0 {
			delete(b.positions, symbol)
		}
	default:
		reject(o, "unknown side "+string(side))
	}

	if o.Status == "" {
		o.Status = broker.OrderStatusFilled
		o.AvgFillPrice = price
		o.ExecQuantity = qty
	}

	// The placement response only carries the id and acknowledgement, like Tradier.
	ack := &broker.OrderResponse{}
	ack.Order.ID = o.ID
	ack.Order.Status = "ok"
	return ack, nil
}

func reject(o *broker.Order, reason string) {
	o.Status = broker.OrderStatusRejected
	o.ReasonDescription = reason
	o.RemainingQuantity = o.Quantity
}

// GetOrderStatus returns a copy of a previously placed order.
func (b *Broker) GetOrderStatus(ctx context.Context, orderID int) (*broker.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return nil, &broker.APIError{Status: 404, Body: fmt.Sprintf("order %d not found", orderID)}
	}
	cp := *o
	return &cp, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

var _ broker.Broker = (*Broker)(nil)
