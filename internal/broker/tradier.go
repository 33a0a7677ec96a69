// Package broker provides the Tradier brokerage client used to read the account,
// quote equities and options, and submit the orders produced by the rolling call strategy.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Market clock state constants
const (
	marketStateOpen       = "open"
	marketStatePreMarket  = "premarket"
	marketStatePostMarket = "postmarket"
)

// Tradier order sides
const (
	sideBuy         = "buy"
	sideSell        = "sell"
	sideBuyToOpen   = "buy_to_open"
	sideSellToClose = "sell_to_close"
)

// Order status values reported by Tradier
const (
	OrderStatusOpen            = "open"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusExpired         = "expired"
	OrderStatusCanceled        = "canceled"
	OrderStatusPending         = "pending"
	OrderStatusRejected        = "rejected"
	OrderStatusError           = "error"
	orderStatusCancelled       = "cancelled"
)

const defaultTimeout = 10 * time.Second

// ErrNoQuote may be returned by a Broker that has no quote for a symbol.
// Market treats it as an unknown price.
var ErrNoQuote = errors.New("no quote found")

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// TradierAPI is a thin client over the Tradier REST endpoints the bot needs.
type TradierAPI struct {
	client    *http.Client
	logger    logrus.FieldLogger
	apiKey    string
	baseURL   string
	accountID string
	sandbox   bool
}

// NewTradierAPI creates a new TradierAPI client with default settings.
func NewTradierAPI(apiKey, accountID string, sandbox bool) *TradierAPI {
	return NewTradierAPIWithBaseURL(apiKey, accountID, sandbox, "")
}

// NewTradierAPIWithBaseURL creates a client against a custom base URL. An empty
// baseURL selects the sandbox or production endpoint.
func NewTradierAPIWithBaseURL(apiKey, accountID string, sandbox bool, baseURL string) *TradierAPI {
	if baseURL == "" {
		if sandbox {
			baseURL = "https://sandbox.tradier.com/v1"
		} else {
			baseURL = "https://api.tradier.com/v1"
		}
	}

	return &TradierAPI{
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		accountID: accountID,
		client:    &http.Client{Timeout: defaultTimeout},
		logger:    logrus.StandardLogger(),
		sandbox:   sandbox,
	}
}

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func (t *TradierAPI) WithHTTPClient(c *http.Client) *TradierAPI {
	if c != nil {
		t.client = c
	}
	return t
}

// WithTimeout sets the HTTP client timeout. Zero keeps the current value.
func (t *TradierAPI) WithTimeout(timeout time.Duration) *TradierAPI {
	if timeout > 0 && t.client != nil {
		t.client.Timeout = timeout
	}
	return t
}

// WithLogger sets the logger used for rate limit and transport diagnostics.
func (t *TradierAPI) WithLogger(logger logrus.FieldLogger) *TradierAPI {
	if logger != nil {
		t.logger = logger
	}
	return t
}

// ============ API Response Structures ============

// Handle single-object vs array responses from Tradier
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// PositionsResponse represents the positions response from the Tradier API.
type PositionsResponse struct {
	Positions PositionsWrapper `json:"positions"`
}

// PositionsWrapper handles the case where positions can be "null" string or an object
type PositionsWrapper struct {
	Position singleOrArray[PositionItem] `json:"position"`
}

// UnmarshalJSON accepts a bare null, the string "null", or the usual object.
func (pw *PositionsWrapper) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte(`null`)) || bytes.Equal(trimmed, []byte(`"null"`)) {
		*pw = PositionsWrapper{}
		return nil
	}

	type normalWrapper PositionsWrapper
	return json.Unmarshal(b, (*normalWrapper)(pw))
}

// PositionItem represents a single position item from the Tradier API.
type PositionItem struct {
	DateAcquired string  `json:"date_acquired"`
	Symbol       string  `json:"symbol"`
	CostBasis    float64 `json:"cost_basis"`
	ID           int     `json:"id"`
	Quantity     float64 `json:"quantity"`
}

// QuotesResponse represents the quotes response from the Tradier API.
type QuotesResponse struct {
	Quotes struct {
		Quote            singleOrArray[QuoteItem] `json:"quote"`
		UnmatchedSymbols struct {
			Symbol singleOrArray[string] `json:"symbol"`
		} `json:"unmatched_symbols"`
	} `json:"quotes"`
}

// QuoteItem represents a single quote item from the Tradier API.
type QuoteItem struct {
	Symbol           string  `json:"symbol"`
	Description      string  `json:"description"`
	Type             string  `json:"type"`
	Underlying       string  `json:"underlying,omitempty"`
	OptionType       string  `json:"option_type,omitempty"`
	ExpirationDate   string  `json:"expiration_date,omitempty"`
	Strike           float64 `json:"strike,omitempty"`
	TradeDate        int64   `json:"trade_date"`
	ChangePercentage float64 `json:"change_percentage"`
	Volume           int64   `json:"volume"`
	PrevClose        float64 `json:"prevclose"`
	Bid              float64 `json:"bid"`
	Ask              float64 `json:"ask"`
	Last             float64 `json:"last"`
}

// ExpirationsResponse represents the expirations response from the Tradier API.
type ExpirationsResponse struct {
	Expirations struct {
		Date singleOrArray[string] `json:"date"`
	} `json:"expirations"`
}

// BalanceResponse represents the account balance response from the Tradier API.
type BalanceResponse struct {
	Balances struct {
		AccountNumber   string  `json:"account_number"`
		AccountType     string  `json:"account_type"`
		TotalEquity     float64 `json:"total_equity"`
		TotalCash       float64 `json:"total_cash"`
		MarketValue     float64 `json:"market_value"`
		LongMarketValue float64 `json:"long_market_value"`
		OptionLongValue float64 `json:"option_long_value"`
		StockLongValue  float64 `json:"stock_long_value"`
		PendingCash     float64 `json:"pending_cash"`
		UnclearedFunds  float64 `json:"uncleared_funds"`

		Cash *struct {
			CashAvailable  float64 `json:"cash_available"`
			Sweep          float64 `json:"sweep"`
			UnsettledFunds float64 `json:"unsettled_funds"`
		} `json:"cash"`
	} `json:"balances"`
}

// MarketClockResponse represents the market clock response from the Tradier API.
type MarketClockResponse struct {
	Clock struct {
		Date        string `json:"date"`
		Description string `json:"description"`
		State       string `json:"state"`
		Timestamp   int64  `json:"timestamp"`
		NextChange  string `json:"next_change"`
		NextState   string `json:"next_state"`
	} `json:"clock"`
}

// IsOpen reports whether the regular session is open.
func (m *MarketClockResponse) IsOpen() bool {
	return m != nil && m.Clock.State == marketStateOpen
}

// IsTradingDay is true during any session of a trading day, extended hours included.
func (m *MarketClockResponse) IsTradingDay() bool {
	if m == nil {
		return false
	}
	s := m.Clock.State
	return s == marketStateOpen || s == marketStatePreMarket || s == marketStatePostMarket
}

// Order is a single order as reported by Tradier.
type Order struct {
	CreateDate        string  `json:"create_date"`
	Type              string  `json:"type"`
	Symbol            string  `json:"symbol"`
	OptionSymbol      string  `json:"option_symbol,omitempty"`
	Side              string  `json:"side"`
	Class             string  `json:"class"`
	Status            string  `json:"status"`
	Duration          string  `json:"duration"`
	Tag               string  `json:"tag,omitempty"`
	ReasonDescription string  `json:"reason_description,omitempty"`
	TransactionDate   string  `json:"transaction_date"`
	AvgFillPrice      float64 `json:"avg_fill_price"`
	ExecQuantity      float64 `json:"exec_quantity"`
	RemainingQuantity float64 `json:"remaining_quantity"`
	ID                int     `json:"id"`
	Quantity          float64 `json:"quantity"`
}

// OrderResponse wraps an order returned by placement or status calls.
type OrderResponse struct {
	Order Order `json:"order"`
}

// IsFilled reports whether the order has completely filled: marked filled, or the
// executed quantity covers the requested quantity with nothing remaining.
func (o *OrderResponse) IsFilled() bool {
	if o == nil {
		return false
	}
	order := o.Order
	if strings.EqualFold(order.Status, OrderStatusFilled) {
		return true
	}

	const epsilon = 1e-6
	if order.Quantity <= epsilon || order.ExecQuantity <= epsilon {
		return false
	}
	return order.ExecQuantity >= order.Quantity-epsilon && order.RemainingQuantity <= epsilon
}

// IsTerminal reports whether the order can no longer fill.
// Both spellings of canceled occur in Tradier responses.
func (o *OrderResponse) IsTerminal() bool {
	if o == nil {
		return false
	}
	switch strings.ToLower(o.Order.Status) {
	case OrderStatusFilled, OrderStatusExpired, OrderStatusCanceled, orderStatusCancelled,
		OrderStatusRejected, OrderStatusError:
		return true
	}
	return false
}

// ============ API Methods ============

// GetQuotes retrieves quotes for one or more equity or OCC option symbols.
// Symbols Tradier does not recognize are simply absent from the result.
func (t *TradierAPI) GetQuotes(ctx context.Context, symbols ...string) ([]QuoteItem, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	params := url.Values{}
	params.Set("symbols", strings.Join(symbols, ","))
	params.Set("greeks", "false")
	endpoint := t.baseURL + "/markets/quotes?" + params.Encode()

	var response QuotesResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	if unmatched := response.Quotes.UnmatchedSymbols.Symbol; len(unmatched) > 0 {
		t.logger.WithField("symbols", []string(unmatched)).Debug("Tradier returned unmatched symbols")
	}

	return []QuoteItem(response.Quotes.Quote), nil
}

// GetExpirations retrieves available expiration dates for options on a symbol.
func (t *TradierAPI) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("includeAllRoots", "true")
	params.Set("strikes", "false")
	endpoint := t.baseURL + "/markets/options/expirations?" + params.Encode()

	var response ExpirationsResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	return []string(response.Expirations.Date), nil
}

// GetPositions retrieves current positions from the account.
func (t *TradierAPI) GetPositions(ctx context.Context) ([]PositionItem, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)

	var response PositionsResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	return []PositionItem(response.Positions.Position), nil
}

// GetBalance retrieves account balance information.
func (t *TradierAPI) GetBalance(ctx context.Context) (*BalanceResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)

	var response BalanceResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

// GetMarketClock retrieves the current market clock status.
func (t *TradierAPI) GetMarketClock(ctx context.Context) (*MarketClockResponse, error) {
	endpoint := t.baseURL + "/markets/clock"

	var response MarketClockResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}

	return &response, nil
}

// PlaceEquityMarketOrder places a day market order for shares of an equity or ETF.
func (t *TradierAPI) PlaceEquityMarketOrder(ctx context.Context, symbol, side string,
	quantity int64, tag string) (*OrderResponse, error) {
	if side != sideBuy && side != sideSell {
		return nil, fmt.Errorf("invalid equity side %q", side)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", quantity)
	}

	params := url.Values{}
	params.Add("class", "equity")
	params.Add("symbol", symbol)
	params.Add("side", side)
	params.Add("quantity", strconv.FormatInt(quantity, 10))
	params.Add("type", "market")
	params.Add("duration", "day")
	if tag != "" {
		params.Add("tag", tag)
	}

	return t.submitOrder(ctx, params)
}

// PlaceOptionMarketOrder places a day market order for an OCC option symbol.
func (t *TradierAPI) PlaceOptionMarketOrder(ctx context.Context, optionSymbol, side string,
	quantity int64, tag string) (*OrderResponse, error) {
	switch side {
	case sideBuyToOpen, sideSellToClose, "buy_to_close", "sell_to_open":
	default:
		return nil, fmt.Errorf("invalid option side %q", side)
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity for order: %d, quantity must be greater than zero", quantity)
	}

	contract, err := ParseOCC(optionSymbol)
	if err != nil {
		return nil, fmt.Errorf("failed to extract underlying symbol from option symbol: %w", err)
	}

	params := url.Values{}
	params.Add("class", "option")
	params.Add("symbol", contract.Symbol) // Required underlying symbol
	params.Add("option_symbol", optionSymbol)
	params.Add("side", side)
	params.Add("quantity", strconv.FormatInt(quantity, 10))
	params.Add("type", "market")
	params.Add("duration", "day")
	if tag != "" {
		params.Add("tag", tag)
	}

	return t.submitOrder(ctx, params)
}

func (t *TradierAPI) submitOrder(ctx context.Context, params url.Values) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)

	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodPost, endpoint, params, &response); err != nil {
		return nil, err
	}
	if response.Order.ID == 0 {
		return nil, fmt.Errorf("order submission returned no order id (status %q)", response.Order.Status)
	}
	return &response, nil
}

// GetOrderStatus retrieves the status of an existing order by ID
func (t *TradierAPI) GetOrderStatus(ctx context.Context, orderID int) (*OrderResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, orderID)
	var response OrderResponse
	if err := t.makeRequestCtx(ctx, http.MethodGet, endpoint, nil, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// makeRequestCtx makes an HTTP request with context support for timeout/cancellation
func (t *TradierAPI) makeRequestCtx(ctx context.Context, method, endpoint string,
	params url.Values, response interface{}) error {
	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return err
		}
		req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return err
		}
	}

	req.Header.Add("Authorization", "Bearer "+t.apiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "rolling-calls/1.0 (+tradier)")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.logger.WithError(err).Warn("Failed to close response body")
		}
	}()

	remaining := resp.Header.Get("X-Ratelimit-Available")
	if remaining == "" {
		remaining = resp.Header.Get("X-RateLimit-Remaining")
	}
	if remaining != "" && t.sandbox {
		t.logger.WithField("remaining", remaining).Debug("Rate limit")
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> failed to read error body", method, endpoint)}
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s (retry-after: %s)", method, endpoint, string(body), ra)}
		}
		return &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("%s %s -> %s", method, endpoint, string(body))}
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(response); err != nil && err != io.EOF {
		return err
	}
	return nil
}
