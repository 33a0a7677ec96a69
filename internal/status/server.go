// Package status serves a read-only JSON view of the bot: engine state and the cycle journal.
package status

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/rolling_calls/internal/broker"
	"github.com/eddiefleurent/rolling_calls/internal/models"
	"github.com/eddiefleurent/rolling_calls/internal/storage"
	"github.com/eddiefleurent/rolling_calls/internal/strategy"
)

const defaultCycleLimit = 20

// Engine is the part of the decision engine the status API reads.
type Engine interface {
	Config() strategy.Config
	InvalidExpiries() *strategy.InvalidExpirySet
}

// Server is the status HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	engine    Engine
	broker    broker.Broker
	logger    logrus.FieldLogger
	port      int
	authToken string
	mode      string
}

// Config holds the status server settings.
type Config struct {
	Port      int
	AuthToken string
	Mode      string
}

// StateView is the payload of /api/state.
type StateView struct {
	Mode            string        `json:"mode"`
	Strategy        StrategyView  `json:"strategy"`
	InvalidExpiries []string      `json:"invalid_expiries"`
	LastCycleDate   string        `json:"last_cycle_date,omitempty"`
	LastCycle       *CycleSummary `json:"last_cycle,omitempty"`
	MarketState     string        `json:"market_state,omitempty"`
	Timestamp       int64         `json:"timestamp"`
}

// StrategyView summarizes the strategy parameters.
type StrategyView struct {
	Underlying             string `json:"underlying"`
	FixedIncomeSymbol      string `json:"fixed_income_symbol"`
	PctCallOutOfMoney      string `json:"pct_call_out_of_money"`
	PctPortfolioInCalls    string `json:"pct_portfolio_in_calls"`
	DaysToExpiry           int    `json:"days_to_expiry"`
	DaysBeforeExpiryToSell *int   `json:"days_before_expiry_to_sell"`
	RollSameCycle          bool   `json:"roll_same_cycle"`
}

// CycleSummary is the short form of a cycle used in listings.
type CycleSummary struct {
	ID           string    `json:"id"`
	Date         string    `json:"date"`
	StartedAt    time.Time `json:"started_at"`
	DryRun       bool      `json:"dry_run"`
	Instructions int       `json:"instructions"`
	Submitted    int       `json:"submitted"`
	Aborted      int       `json:"aborted"`
	Error        string    `json:"error,omitempty"`
}

// NewServer creates the status server. The broker may be nil.
func NewServer(cfg Config, store storage.Interface, engine Engine, b broker.Broker, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		engine:    engine,
		broker:    b,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		mode:      cfg.Mode,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/state", s.handleGetState)
	s.router.Get("/api/cycles", s.handleGetCycles)
	s.router.Get("/api/cycles/{id}", s.handleGetCycle)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Debug("Status request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting status server on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	cfg := s.engine.Config()
	view := StateView{
		Mode: s.mode,
		Strategy: StrategyView{
			Underlying:             cfg.Underlying,
			FixedIncomeSymbol:      cfg.FixedIncomeSymbol,
			PctCallOutOfMoney:      cfg.PctCallOutOfMoney.String(),
			PctPortfolioInCalls:    cfg.PctPortfolioInCalls.String(),
			DaysToExpiry:           cfg.DaysToExpiry,
			DaysBeforeExpiryToSell: cfg.DaysBeforeExpiryToSell,
			RollSameCycle:          cfg.RollSameCycle,
		},
		InvalidExpiries: []string{},
		Timestamp:       time.Now().Unix(),
	}

	for _, d := range s.engine.InvalidExpiries().Dates() {
		view.InvalidExpiries = append(view.InvalidExpiries, d.Format(models.DateLayout))
	}
	if last := s.storage.LastCycleDate(); !last.IsZero() {
		view.LastCycleDate = last.Format(models.DateLayout)
	}
	if rec, err := s.storage.LatestCycle(); err == nil {
		summary := summarize(*rec)
		view.LastCycle = &summary
	}

	if s.broker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if clock, err := s.broker.GetMarketClock(ctx); err != nil {
			s.logger.WithError(err).Warn("Failed to get market clock for status")
		} else {
			view.MarketState = clock.Clock.State
		}
	}

	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetCycles(w http.ResponseWriter, r *http.Request) {
	limit := defaultCycleLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	cycles := s.storage.GetCycles(limit)
	summaries := make([]CycleSummary, 0, len(cycles))
	for _, c := range cycles {
		summaries = append(summaries, summarize(c))
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetCycle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.storage.GetCycle(id)
	if errors.Is(err, storage.ErrCycleNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to get cycle")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func summarize(c storage.CycleRecord) CycleSummary {
	submitted := 0
	for _, o := range c.Orders {
		if o.Outcome == "submitted" {
			submitted++
		}
	}
	return CycleSummary{
		ID:           c.ID,
		Date:         c.Date.Format(models.DateLayout),
		StartedAt:    c.StartedAt,
		DryRun:       c.DryRun,
		Instructions: len(c.Instructions),
		Submitted:    submitted,
		Aborted:      c.Aborted(),
		Error:        c.Error,
	}
}
