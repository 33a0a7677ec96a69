package status

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/rolling_calls/internal/mock"
	"github.com/eddiefleurent/rolling_calls/internal/storage"
	"github.com/eddiefleurent/rolling_calls/internal/strategy"
)

type fakeEngine struct {
	cfg     strategy.Config
	invalid *strategy.InvalidExpirySet
}

func (f *fakeEngine) Config() strategy.Config                     { return f.cfg }
func (f *fakeEngine) InvalidExpiries() *strategy.InvalidExpirySet { return f.invalid }

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestServer(t *testing.T, token string) (*Server, *storage.MockStorage) {
	t.Helper()
	sell := 2
	engine := &fakeEngine{
		cfg: strategy.Config{
			Underlying:             "QQQ",
			FixedIncomeSymbol:      "USFR",
			PctCallOutOfMoney:      decimal.RequireFromString("0.1"),
			PctPortfolioInCalls:    decimal.RequireFromString("0.025"),
			DaysToExpiry:           30,
			DaysBeforeExpiryToSell: &sell,
		},
		invalid: strategy.NewInvalidExpirySet(),
	}
	engine.invalid.Add(time.Date(2024, 4, 19, 0, 0, 0, 0, time.UTC), time.Now())

	store := storage.NewMockStorage()
	at := time.Date(2024, 3, 13, 15, 0, 0, 0, time.UTC)
	b := mock.NewBroker(1000, mock.WithClock(func() time.Time { return at }))
	return NewServer(Config{Port: 0, AuthToken: token, Mode: "paper"}, store, engine, b, quietLogger()), store
}

func get(t *testing.T, s *Server, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	rec := get(t, s, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health is not behind auth")
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestAuth(t *testing.T) {
	s, _ := newTestServer(t, "secret")

	assert.Equal(t, http.StatusUnauthorized, get(t, s, "/api/state", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, s, "/api/state", map[string]string{"X-Auth-Token": "nope"}).Code)
	assert.Equal(t, http.StatusOK, get(t, s, "/api/state", map[string]string{"X-Auth-Token": "secret"}).Code)
}

func TestGetState(t *testing.T) {
	s, store := newTestServer(t, "")
	require.NoError(t, store.SetLastCycleDate(time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, store.RecordCycle(storage.CycleRecord{
		ID:     "c1",
		Date:   time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC),
		Orders: []storage.OrderRecord{{Outcome: "submitted"}, {Outcome: "aborted"}},
	}))

	rec := get(t, s, "/api/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view StateView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "paper", view.Mode)
	assert.Equal(t, "QQQ", view.Strategy.Underlying)
	assert.Equal(t, "0.025", view.Strategy.PctPortfolioInCalls)
	require.NotNil(t, view.Strategy.DaysBeforeExpiryToSell)
	assert.Equal(t, 2, *view.Strategy.DaysBeforeExpiryToSell)
	assert.Equal(t, []string{"2024-04-19"}, view.InvalidExpiries)
	assert.Equal(t, "2024-03-12", view.LastCycleDate)
	require.NotNil(t, view.LastCycle)
	assert.Equal(t, 1, view.LastCycle.Submitted)
	assert.Equal(t, 1, view.LastCycle.Aborted)
	assert.Equal(t, "open", view.MarketState)
}

func TestGetCycles(t *testing.T) {
	s, store := newTestServer(t, "")
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.RecordCycle(storage.CycleRecord{ID: id}))
	}

	rec := get(t, s, "/api/cycles?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []CycleSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, "c", summaries[0].ID)

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/cycles?limit=0", nil).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/api/cycles?limit=x", nil).Code)
}

func TestGetCycle(t *testing.T) {
	s, store := newTestServer(t, "")
	require.NoError(t, store.RecordCycle(storage.CycleRecord{ID: "abc", Notes: []string{"no calls owned"}}))

	rec := get(t, s, "/api/cycles/abc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got storage.CycleRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"no calls owned"}, got.Notes)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/cycles/missing", nil).Code)
}
