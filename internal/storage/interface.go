package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/rolling_calls/internal/models"
)

// MaxCycles is how many cycle records the journal keeps; older ones are dropped.
const MaxCycles = 500

// Interface defines the contract for bot state persistence.
//
// Implementations must be safe for concurrent use: the trading loop writes while
// the status API reads.
type Interface interface {
	// Cycle journal
	RecordCycle(rec CycleRecord) error
	GetCycles(limit int) []CycleRecord
	GetCycle(id string) (*CycleRecord, error)
	LatestCycle() (*CycleRecord, error)

	// Once-per-day bookkeeping
	LastCycleDate() time.Time
	SetLastCycleDate(date time.Time) error

	// Invalid expiry memo
	SetInvalidExpiries(entries []InvalidExpiry) error
	GetInvalidExpiries() []InvalidExpiry

	// Data persistence
	Save() error
	Load() error
}

// CycleRecord is the journal entry for one decision cycle.
type CycleRecord struct {
	ID             string                    `json:"id"`
	Date           time.Time                 `json:"date"`
	StartedAt      time.Time                 `json:"started_at"`
	DryRun         bool                      `json:"dry_run"`
	Cash           decimal.Decimal           `json:"cash"`
	PortfolioValue decimal.Decimal           `json:"portfolio_value"`
	Instructions   []models.TradeInstruction `json:"instructions"`
	Orders         []OrderRecord             `json:"orders,omitempty"`
	Notes          []string                  `json:"notes,omitempty"`
	// NewInvalidExpiry is set when the cycle found no tradable call for an expiry.
	NewInvalidExpiry *time.Time `json:"new_invalid_expiry,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// OrderRecord is what happened to one instruction when it was sent to the broker.
type OrderRecord struct {
	Index   int    `json:"index"`
	OrderID int    `json:"order_id,omitempty"`
	Outcome string `json:"outcome"`
	Status  string `json:"status,omitempty"`
	Tag     string `json:"tag,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Aborted counts orders that were never sent because an earlier sell did not settle.
func (c CycleRecord) Aborted() int {
	n := 0
	for _, o := range c.Orders {
		if o.Outcome == "aborted" {
			n++
		}
	}
	return n
}

// InvalidExpiry is a persisted entry of the invalid expiry memo.
type InvalidExpiry struct {
	Date       time.Time `json:"date"`
	RecordedAt time.Time `json:"recorded_at"`
}

// NewStorage creates a new storage implementation (currently JSON-based)
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
