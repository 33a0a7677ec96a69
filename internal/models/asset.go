// Package models defines the portfolio and order types shared by the engine and its collaborators.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ContractMultiplier is the number of underlying shares one option contract controls.
const ContractMultiplier = 100

// AssetType distinguishes equities/ETFs from option contracts.
type AssetType string

const (
	// AssetTypeStock is an equity or ETF
	AssetTypeStock AssetType = "stock"
	// AssetTypeOption is an option contract
	AssetTypeOption AssetType = "option"
)

// OptionRight is the right conveyed by an option contract.
type OptionRight string

const (
	// OptionRightCall is a call option
	OptionRightCall OptionRight = "call"
	// OptionRightPut is a put option
	OptionRightPut OptionRight = "put"
)

// Asset identifies either an underlying symbol or an option contract on it.
// It is an immutable value type; two assets are equal when all fields are equal.
type Asset struct {
	Expiration time.Time       `json:"expiration,omitempty"`
	Strike     decimal.Decimal `json:"strike"`
	Symbol     string          `json:"symbol"`
	Type       AssetType       `json:"type"`
	Right      OptionRight     `json:"right,omitempty"`
}

// Stock returns the asset for an equity or ETF symbol.
func Stock(symbol string) Asset {
	return Asset{Symbol: symbol, Type: AssetTypeStock}
}

// CallOption returns a call contract on symbol. The expiration is normalized to a calendar date.
func CallOption(symbol string, expiration time.Time, strike decimal.Decimal) Asset {
	return Asset{
		Symbol:     symbol,
		Type:       AssetTypeOption,
		Expiration: Date(expiration),
		Strike:     strike,
		Right:      OptionRightCall,
	}
}

// IsOption reports whether the asset is an option contract.
func (a Asset) IsOption() bool {
	return a.Type == AssetTypeOption
}

// IsCallOn reports whether the asset is a call option written on underlying.
func (a Asset) IsCallOn(underlying string) bool {
	return a.IsOption() && a.Right == OptionRightCall && a.Symbol == underlying
}

// Equal compares every field. Strikes are compared numerically.
func (a Asset) Equal(b Asset) bool {
	return a.Symbol == b.Symbol &&
		a.Type == b.Type &&
		a.Right == b.Right &&
		a.Expiration.Equal(b.Expiration) &&
		a.Strike.Equal(b.Strike)
}

func (a Asset) String() string {
	if !a.IsOption() {
		return a.Symbol
	}
	return fmt.Sprintf("%s %s %s %s", a.Symbol, a.Expiration.Format(DateLayout), a.Strike.String(), a.Right)
}

// DateLayout is the calendar date format used across the bot and the broker API.
const DateLayout = "2006-01-02"

// Date truncates t to midnight UTC of its own calendar day.
// The wall-clock date in t's location is kept, so 2024-03-01 23:00 ET stays 2024-03-01.
func Date(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysUntil returns the signed number of calendar days from `from` to `to`.
func DaysUntil(from, to time.Time) int {
	return int(Date(to).Sub(Date(from)).Hours() / 24)
}

// AddDays returns the calendar date n days after t.
func AddDays(t time.Time, n int) time.Time {
	return Date(t).AddDate(0, 0, n)
}
