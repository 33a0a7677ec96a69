package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Status: 429, Body: "too many requests"}
	want := "API error 429: too many requests"
	if got := err.Error(); got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestNewTradierAPIWithBaseURL_Defaults(t *testing.T) {
	tests := []struct {
		name        string
		sandbox     bool
		baseURL     string
		wantBaseURL string
	}{
		{"sandbox default", true, "", "https://sandbox.tradier.com/v1"},
		{"production default", false, "", "https://api.tradier.com/v1"},
		{"custom baseURL trimmed", false, "https://example.test/api/", "https://example.test/api"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := NewTradierAPIWithBaseURL("k", "acc", tt.sandbox, tt.baseURL)
			if api.baseURL != tt.wantBaseURL {
				t.Fatalf("baseURL = %q, want %q", api.baseURL, tt.wantBaseURL)
			}
		})
	}
}

func TestWithTimeout(t *testing.T) {
	api := NewTradierAPI("k", "acc", true).WithTimeout(3 * time.Second)
	if api.client.Timeout != 3*time.Second {
		t.Fatalf("timeout = %v, want 3s", api.client.Timeout)
	}
	api.WithTimeout(0)
	if api.client.Timeout != 3*time.Second {
		t.Fatalf("zero timeout should keep current value, got %v", api.client.Timeout)
	}
}

func newTestAPIWithServer(handler http.HandlerFunc) (*TradierAPI, *httptest.Server) {
	s := httptest.NewServer(handler)
	api := NewTradierAPIWithBaseURL("test-key", "ACC123", false, s.URL)
	api = api.WithHTTPClient(s.Client())
	return api, s
}

func TestMakeRequestCtx_SuccessGET(t *testing.T) {
	type payload struct {
		Foo string `json:"foo"`
	}
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer test-key")
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q, want application/json", got)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(payload{Foo: "bar"})
	})
	defer srv.Close()

	var out payload
	if err := api.makeRequestCtx(context.Background(), http.MethodGet, api.baseURL+"/ok", nil, &out); err != nil {
		t.Fatalf("makeRequestCtx error: %v", err)
	}
	if out.Foo != "bar" {
		t.Fatalf("decoded = %+v, want Foo=bar", out)
	}
}

func TestMakeRequestCtx_Non2xxReturnsAPIError(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})
	defer srv.Close()

	var out map[string]any
	err := api.makeRequestCtx(context.Background(), http.MethodGet, api.baseURL+"/err", nil, &out)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", apiErr.Status)
	}
	if !strings.Contains(apiErr.Body, "retry-after: 5") {
		t.Fatalf("body %q should carry retry-after", apiErr.Body)
	}
}

func TestMakeRequestCtx_ContextCancel(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := api.GetOrderStatus(ctx, 1); err == nil {
		t.Fatal("expected error from canceled context")
	}
}

func TestGetQuotes_SingleArrayAndUnmatched(t *testing.T) {
	single := `{"quotes":{"quote":{"symbol":"QQQ","type":"etf","last":440.5,"bid":440.4,"ask":440.6}}}`
	array := `{"quotes":{"quote":[{"symbol":"QQQ","last":440.5},{"symbol":"USFR","last":50.3}]}}`
	unmatched := `{"quotes":{"unmatched_symbols":{"symbol":"QQQ240315C00440000"}}}`

	cases := []struct {
		name    string
		body    string
		symbols []string
		want    int
	}{
		{"single", single, []string{"QQQ"}, 1},
		{"array", array, []string{"QQQ", "USFR"}, 2},
		{"unmatched only", unmatched, []string{"QQQ240315C00440000"}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
				if got := r.URL.Query().Get("symbols"); got != strings.Join(tc.symbols, ",") {
					t.Errorf("symbols = %q", got)
				}
				if got := r.URL.Query().Get("greeks"); got != "false" {
					t.Errorf("greeks = %q, want false", got)
				}
				_, _ = w.Write([]byte(tc.body))
			})
			defer srv.Close()

			quotes, err := api.GetQuotes(context.Background(), tc.symbols...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(quotes) != tc.want {
				t.Fatalf("len(quotes) = %d, want %d", len(quotes), tc.want)
			}
		})
	}
}

func TestGetQuotes_Empty(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"quotes":{"quote":[]}}`))
	})
	defer srv.Close()

	quotes, err := api.GetQuotes(context.Background(), "NOPE")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(quotes) != 0 {
		t.Fatalf("quotes = %+v, want none", quotes)
	}
}

func TestGetExpirations(t *testing.T) {
	cases := []struct {
		name string
		body string
		want []string
	}{
		{"array", `{"expirations":{"date":["2024-03-08","2024-03-15"]}}`, []string{"2024-03-08", "2024-03-15"}},
		{"single", `{"expirations":{"date":"2024-03-08"}}`, []string{"2024-03-08"}},
		{"null", `{"expirations":null}`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
				if !strings.HasSuffix(r.URL.Path, "/markets/options/expirations") {
					t.Errorf("path = %s", r.URL.Path)
				}
				if got := r.URL.Query().Get("symbol"); got != "QQQ" {
					t.Errorf("symbol = %q", got)
				}
				_, _ = w.Write([]byte(tc.body))
			})
			defer srv.Close()

			dates, err := api.GetExpirations(context.Background(), "QQQ")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if strings.Join(dates, ",") != strings.Join(tc.want, ",") {
				t.Fatalf("dates = %v, want %v", dates, tc.want)
			}
		})
	}
}

func TestGetPositions(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"null string", `{"positions":"null"}`, 0},
		{"bare null", `{"positions":null}`, 0},
		{"single", `{"positions":{"position":{"symbol":"USFR","quantity":100,"cost_basis":5000}}}`, 1},
		{"array", `{"positions":{"position":[{"symbol":"USFR","quantity":100},{"symbol":"QQQ240315C00440000","quantity":2}]}}`, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/accounts/ACC123/positions" {
					t.Errorf("path = %s", r.URL.Path)
				}
				_, _ = w.Write([]byte(tc.body))
			})
			defer srv.Close()

			positions, err := api.GetPositions(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(positions) != tc.want {
				t.Fatalf("len(positions) = %d, want %d", len(positions), tc.want)
			}
		})
	}
}

func TestGetBalance(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/accounts/ACC123/balances" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"balances":{"account_type":"cash","total_equity":100000.5,"total_cash":2500.25,"cash":{"cash_available":2400}}}`))
	})
	defer srv.Close()

	bal, err := api.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bal.Balances.TotalEquity != 100000.5 || bal.Balances.TotalCash != 2500.25 {
		t.Fatalf("balance = %+v", bal.Balances)
	}
	if bal.Balances.Cash == nil || bal.Balances.Cash.CashAvailable != 2400 {
		t.Fatalf("cash section not decoded: %+v", bal.Balances.Cash)
	}
}

func TestGetMarketClock(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"clock":{"date":"2024-03-01","state":"premarket","next_state":"open"}}`))
	})
	defer srv.Close()

	clock, err := api.GetMarketClock(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if clock.IsOpen() {
		t.Error("premarket should not count as open")
	}
	if !clock.IsTradingDay() {
		t.Error("premarket should count as a trading day")
	}
}

func readForm(t *testing.T, r *http.Request) url.Values {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		t.Fatalf("parsing form: %v", err)
	}
	return form
}

func TestPlaceEquityMarketOrder_BuildsForm(t *testing.T) {
	var got url.Values
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/accounts/ACC123/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		got = readForm(t, r)
		_, _ = w.Write([]byte(`{"order":{"id":101,"status":"ok"}}`))
	})
	defer srv.Close()

	resp, err := api.PlaceEquityMarketOrder(context.Background(), "USFR", sideBuy, 12, "rc-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Order.ID != 101 {
		t.Fatalf("order id = %d, want 101", resp.Order.ID)
	}

	want := map[string]string{
		"class": "equity", "symbol": "USFR", "side": "buy", "quantity": "12",
		"type": "market", "duration": "day", "tag": "rc-abc",
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, got.Get(k), v)
		}
	}
}

func TestPlaceOptionMarketOrder_BuildsForm(t *testing.T) {
	var got url.Values
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		got = readForm(t, r)
		_, _ = w.Write([]byte(`{"order":{"id":202,"status":"ok"}}`))
	})
	defer srv.Close()

	_, err := api.PlaceOptionMarketOrder(context.Background(), "QQQ240315C00440000", sideSellToClose, 2, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]string{
		"class": "option", "symbol": "QQQ", "option_symbol": "QQQ240315C00440000",
		"side": "sell_to_close", "quantity": "2", "type": "market", "duration": "day",
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, got.Get(k), v)
		}
	}
	if _, ok := got["tag"]; ok {
		t.Error("empty tag should not be sent")
	}
}

func TestPlaceOrders_ValidationErrors(t *testing.T) {
	api := NewTradierAPIWithBaseURL("k", "acc", true, "http://127.0.0.1:0")
	ctx := context.Background()

	if _, err := api.PlaceEquityMarketOrder(ctx, "USFR", sideBuyToOpen, 1, ""); err == nil {
		t.Error("equity order with option side should fail")
	}
	if _, err := api.PlaceEquityMarketOrder(ctx, "USFR", sideBuy, 0, ""); err == nil {
		t.Error("zero quantity should fail")
	}
	if _, err := api.PlaceOptionMarketOrder(ctx, "QQQ240315C00440000", sideBuy, 1, ""); err == nil {
		t.Error("option order with equity side should fail")
	}
	if _, err := api.PlaceOptionMarketOrder(ctx, "QQQ", sideBuyToOpen, 1, ""); err == nil {
		t.Error("non-OCC option symbol should fail")
	}
}

func TestSubmitOrder_MissingIDIsError(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"order":{"status":"error"}}`))
	})
	defer srv.Close()

	if _, err := api.PlaceEquityMarketOrder(context.Background(), "USFR", sideSell, 5, ""); err == nil {
		t.Fatal("expected error when no order id is returned")
	}
}

func TestGetOrderStatus(t *testing.T) {
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/accounts/ACC123/orders/77" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"order":{"id":77,"status":"filled","avg_fill_price":50.1,"exec_quantity":10}}`))
	})
	defer srv.Close()

	resp, err := api.GetOrderStatus(context.Background(), 77)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsFilled() || !resp.IsTerminal() {
		t.Fatalf("order should be filled and terminal: %+v", resp.Order)
	}
}

func TestOrderResponse_IsTerminal(t *testing.T) {
	tests := map[string]bool{
		OrderStatusOpen:            false,
		OrderStatusPending:         false,
		OrderStatusPartiallyFilled: false,
		OrderStatusFilled:          true,
		OrderStatusCanceled:        true,
		OrderStatusRejected:        true,
		OrderStatusExpired:         true,
		OrderStatusError:           true,
		"cancelled":                true,
		"Canceled":                 true,
	}
	for status, want := range tests {
		o := &OrderResponse{}
		o.Order.Status = status
		if got := o.IsTerminal(); got != want {
			t.Errorf("IsTerminal(%s) = %t, want %t", status, got, want)
		}
	}
	var nilOrder *OrderResponse
	if nilOrder.IsTerminal() || nilOrder.IsFilled() {
		t.Error("nil order should be neither terminal nor filled")
	}
}

func TestOrderResponse_IsFilled(t *testing.T) {
	tests := []struct {
		name  string
		order Order
		want  bool
	}{
		{"status filled", Order{Status: "filled"}, true},
		{"status upper case", Order{Status: "FILLED"}, true},
		{"exec covers quantity", Order{Status: "open", Quantity: 10, ExecQuantity: 10}, true},
		{"partial fill", Order{Status: "partially_filled", Quantity: 10, ExecQuantity: 4, RemainingQuantity: 6}, false},
		{"remaining left", Order{Status: "open", Quantity: 10, ExecQuantity: 10, RemainingQuantity: 1}, false},
		{"nothing executed", Order{Status: "open", Quantity: 10}, false},
		{"rejected", Order{Status: "rejected", Quantity: 10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &OrderResponse{Order: tt.order}
			if got := o.IsFilled(); got != tt.want {
				t.Errorf("IsFilled() = %t, want %t", got, tt.want)
			}
		})
	}
}
