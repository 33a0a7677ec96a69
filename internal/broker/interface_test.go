package broker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/rolling_calls/internal/models"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// stubBroker for testing CircuitBreakerBroker
type stubBroker struct {
	callCount  int
	shouldFail bool
	failAfter  int
	err        error
}

func (m *stubBroker) fail() error {
	m.callCount++
	if m.err != nil {
		return m.err
	}
	if m.shouldFail && m.callCount > m.failAfter {
		return errors.New("stub broker error")
	}
	return nil
}

func (m *stubBroker) GetBalance(context.Context) (*BalanceResponse, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	b := &BalanceResponse{}
	b.Balances.TotalEquity = 1000
	return b, nil
}

func (m *stubBroker) GetPositions(context.Context) ([]PositionItem, error) {
	return nil, m.fail()
}

func (m *stubBroker) GetQuotes(_ context.Context, symbols ...string) ([]QuoteItem, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	out := make([]QuoteItem, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, QuoteItem{Symbol: s, Last: 1})
	}
	return out, nil
}

func (m *stubBroker) GetExpirations(context.Context, string) ([]string, error) {
	return nil, m.fail()
}

func (m *stubBroker) GetMarketClock(context.Context) (*MarketClockResponse, error) {
	if err := m.fail(); err != nil {
		return nil, err
	}
	c := &MarketClockResponse{}
	c.Clock.State = marketStateOpen
	return c, nil
}

func (m *stubBroker) PlaceEquityOrder(context.Context, string, models.Side, int64, string) (*OrderResponse, error) {
	return &OrderResponse{}, m.fail()
}

func (m *stubBroker) PlaceOptionOrder(context.Context, string, models.Side, int64, string) (*OrderResponse, error) {
	return &OrderResponse{}, m.fail()
}

func (m *stubBroker) GetOrderStatus(context.Context, int) (*OrderResponse, error) {
	return &OrderResponse{}, m.fail()
}

func TestNewCircuitBreakerBroker(t *testing.T) {
	sb := &stubBroker{}
	cb := NewCircuitBreakerBroker(sb, quietLogger())

	if cb.broker != sb {
		t.Error("CircuitBreakerBroker.broker not set correctly")
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("new breaker should be closed, got %s", cb.State())
	}
}

func TestCircuitBreakerBroker_SuccessfulCalls(t *testing.T) {
	cb := NewCircuitBreakerBroker(&stubBroker{}, quietLogger())
	ctx := context.Background()

	balance, err := cb.GetBalance(ctx)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if balance.Balances.TotalEquity != 1000 {
		t.Errorf("GetBalance returned %v, want 1000", balance.Balances.TotalEquity)
	}

	quotes, err := cb.GetQuotes(ctx, "QQQ", "USFR")
	if err != nil {
		t.Fatalf("GetQuotes failed: %v", err)
	}
	if len(quotes) != 2 || quotes[1].Symbol != "USFR" {
		t.Errorf("GetQuotes returned %+v", quotes)
	}

	open, err := IsMarketOpen(ctx, cb)
	if err != nil || !open {
		t.Errorf("IsMarketOpen = %t, %v; want true, nil", open, err)
	}
}

func TestCircuitBreakerBroker_TripsOnFailures(t *testing.T) {
	sb := &stubBroker{shouldFail: true, failAfter: 3}
	cb := NewCircuitBreakerBrokerWithSettings(sb, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  1,
		FailureRatio: 0.5,
	}, quietLogger())
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := cb.GetBalance(ctx)
		if i < 3 && err != nil {
			t.Errorf("call %d should succeed but failed: %v", i+1, err)
		}
		if i >= 3 && err == nil {
			t.Errorf("call %d should fail but succeeded", i+1)
		}
	}

	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("circuit breaker should be open, but state is %s", cb.State())
	}
	// Open breaker short-circuits without reaching the broker.
	before := sb.callCount
	if _, err := cb.PlaceEquityOrder(ctx, "USFR", models.SideBuy, 1, ""); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("err = %v, want ErrOpenState", err)
	}
	if sb.callCount != before {
		t.Error("open breaker should not call the broker")
	}
}

func TestCircuitBreakerBroker_RecoversAfterTimeout(t *testing.T) {
	sb := &stubBroker{shouldFail: true, failAfter: 0}
	cb := NewCircuitBreakerBrokerWithSettings(sb, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     10 * time.Millisecond,
		Timeout:      15 * time.Millisecond,
		MinRequests:  2,
		FailureRatio: 0.5,
	}, quietLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = cb.GetBalance(ctx)
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("circuit breaker should be open, but state is %s", cb.State())
	}

	sb.shouldFail = false
	deadline := time.Now().Add(time.Second)
	for cb.State() == gobreaker.StateOpen && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := cb.GetBalance(ctx); err != nil {
		t.Fatalf("half-open probe should succeed: %v", err)
	}
	if cb.State() != gobreaker.StateClosed {
		t.Fatalf("breaker should close after a successful probe, got %s", cb.State())
	}
}

func TestCircuitBreakerBroker_CanceledContextDoesNotTrip(t *testing.T) {
	sb := &stubBroker{err: context.Canceled}
	cb := NewCircuitBreakerBrokerWithSettings(sb, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  1,
		FailureRatio: 0.1,
	}, quietLogger())

	for i := 0; i < 5; i++ {
		_, _ = cb.GetPositions(context.Background())
	}
	if cb.State() != gobreaker.StateClosed {
		t.Fatalf("canceled calls should not trip the breaker, state %s", cb.State())
	}
}

func TestTradierClient_SideMapping(t *testing.T) {
	var forms []url.Values
	api, srv := newTestAPIWithServer(func(w http.ResponseWriter, r *http.Request) {
		forms = append(forms, readForm(t, r))
		_, _ = w.Write([]byte(`{"order":{"id":1,"status":"ok"}}`))
	})
	defer srv.Close()
	client := NewTradierClientWithAPI(api)
	ctx := context.Background()

	calls := []struct {
		place    func() error
		wantSide string
	}{
		{func() error { _, err := client.PlaceEquityOrder(ctx, "USFR", models.SideBuy, 1, ""); return err }, "buy"},
		{func() error { _, err := client.PlaceEquityOrder(ctx, "USFR", models.SideSell, 1, ""); return err }, "sell"},
		{func() error {
			_, err := client.PlaceOptionOrder(ctx, "QQQ240315C00440000", models.SideBuy, 1, "")
			return err
		}, "buy_to_open"},
		{func() error {
			_, err := client.PlaceOptionOrder(ctx, "QQQ240315C00440000", models.SideSell, 1, "")
			return err
		}, "sell_to_close"},
	}
	for i, c := range calls {
		if err := c.place(); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if got := forms[i].Get("side"); got != c.wantSide {
			t.Errorf("call %d side = %q, want %q", i, got, c.wantSide)
		}
	}

	if _, err := client.PlaceEquityOrder(ctx, "USFR", models.Side("short"), 1, ""); err == nil {
		t.Error("unknown side should be rejected")
	}
}
