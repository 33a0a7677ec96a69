package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Position is a holding of an asset. Quantity is signed: contracts for options, shares otherwise.
type Position struct {
	Asset    Asset           `json:"asset"`
	Quantity decimal.Decimal `json:"quantity"`
}

// PortfolioSnapshot is the read-only account view for exactly one decision cycle.
type PortfolioSnapshot struct {
	Cash           decimal.Decimal `json:"cash"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	Positions      []Position      `json:"positions"`
}

// Side is the direction of a trade instruction.
type Side string

const (
	// SideBuy opens or adds to a position
	SideBuy Side = "buy"
	// SideSell closes or reduces a position
	SideSell Side = "sell"
)

// Purpose records why the engine emitted an instruction.
type Purpose string

const (
	// PurposeCloseExpiring sells a call that is about to expire
	PurposeCloseExpiring Purpose = "close_expiring_call"
	// PurposeSweep buys fixed income with idle cash
	PurposeSweep Purpose = "fixed_income_sweep"
	// PurposeFundCalls sells fixed income to pay for a call purchase
	PurposeFundCalls Purpose = "fund_calls"
	// PurposeOpenCall buys a new call
	PurposeOpenCall Purpose = "open_call"
)

// TradeInstruction is a command for the order executor. It says nothing about fill price.
type TradeInstruction struct {
	Asset    Asset           `json:"asset"`
	Quantity decimal.Decimal `json:"quantity"`
	Side     Side            `json:"side"`
	Purpose  Purpose         `json:"purpose"`
	// AwaitSettlement asks the executor to let this order settle before moving on.
	AwaitSettlement bool `json:"await_settlement,omitempty"`
	// RequiresSettlement marks an instruction that depends on the cash freed by an
	// earlier AwaitSettlement order in the same cycle.
	RequiresSettlement bool `json:"requires_settlement,omitempty"`
}

func (t TradeInstruction) String() string {
	return fmt.Sprintf("%s %s %s", strings.ToUpper(string(t.Side)), t.Quantity.String(), t.Asset)
}
