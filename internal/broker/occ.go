package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/rolling_calls/internal/models"
)

// OCC/OSI option symbol: ROOT + YYMMDD + C|P + strike*1000 as 8 digits,
// e.g. "QQQ240315C00440000" is the QQQ 2024-03-15 440 call.
const (
	occDateLayout  = "060102"
	occSuffixLen   = 15 // YYMMDD + C/P + 8 digit strike
	occMaxStrike   = 99999999
	occStrikeScale = 1000
)

var occStrikeMultiplier = decimal.NewFromInt(occStrikeScale)

// FormatOCC builds the OCC symbol for an option asset.
func FormatOCC(a models.Asset) (string, error) {
	if !a.IsOption() {
		return "", fmt.Errorf("asset %s is not an option", a)
	}
	if a.Symbol == "" || a.Expiration.IsZero() {
		return "", fmt.Errorf("option asset %s is missing symbol or expiration", a)
	}

	var right string
	switch a.Right {
	case models.OptionRightCall:
		right = "C"
	case models.OptionRightPut:
		right = "P"
	default:
		return "", fmt.Errorf("option asset %s has unknown right %q", a, a.Right)
	}

	scaled := a.Strike.Mul(occStrikeMultiplier)
	if !scaled.IsInteger() || !scaled.IsPositive() || scaled.GreaterThan(decimal.NewFromInt(occMaxStrike)) {
		return "", fmt.Errorf("strike %s cannot be encoded in an OCC symbol", a.Strike)
	}

	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(a.Symbol), a.Expiration.Format(occDateLayout),
		right, scaled.IntPart()), nil
}

// ParseOCC decodes an OCC symbol into an option asset.
func ParseOCC(symbol string) (models.Asset, error) {
	s := strings.TrimSpace(symbol)
	if len(s) <= occSuffixLen {
		return models.Asset{}, fmt.Errorf("%q is not an OCC option symbol", symbol)
	}

	rootEnd := len(s) - occSuffixLen
	root := strings.TrimSpace(s[:rootEnd])
	datePart := s[rootEnd : rootEnd+6]
	typeChar := s[rootEnd+6]
	strikePart := s[rootEnd+7:]

	// The root must not end in a digit, otherwise the date boundary is ambiguous.
	if root == "" || isDigit(root[len(root)-1]) {
		return models.Asset{}, fmt.Errorf("%q is not an OCC option symbol", symbol)
	}
	if !isSixDigits(datePart) || !isEightDigits(strikePart) {
		return models.Asset{}, fmt.Errorf("%q is not an OCC option symbol", symbol)
	}

	var right models.OptionRight
	switch typeChar {
	case 'C', 'c':
		right = models.OptionRightCall
	case 'P', 'p':
		right = models.OptionRightPut
	default:
		return models.Asset{}, fmt.Errorf("%q is not an OCC option symbol", symbol)
	}

	exp, err := time.Parse(occDateLayout, datePart)
	if err != nil {
		return models.Asset{}, fmt.Errorf("invalid expiration in %q: %w", symbol, err)
	}
	raw, err := strconv.ParseInt(strikePart, 10, 64)
	if err != nil {
		return models.Asset{}, fmt.Errorf("invalid strike in %q: %w", symbol, err)
	}

	return models.Asset{
		Symbol:     root,
		Type:       models.AssetTypeOption,
		Expiration: models.Date(exp),
		Strike:     decimal.New(raw, -3),
		Right:      right,
	}, nil
}

// AssetFromSymbol maps a broker position symbol to an asset. Anything that is not
// an OCC option symbol is treated as a stock or ETF.
func AssetFromSymbol(symbol string) models.Asset {
	if a, err := ParseOCC(symbol); err == nil {
		return a
	}
	return models.Stock(strings.TrimSpace(symbol))
}

// BrokerSymbol returns the symbol Tradier uses to quote or trade the asset.
func BrokerSymbol(a models.Asset) (string, error) {
	if a.IsOption() {
		return FormatOCC(a)
	}
	if a.Symbol == "" {
		return "", fmt.Errorf("asset has no symbol")
	}
	return a.Symbol, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// isSixDigits checks if a string consists of exactly 6 digits
func isSixDigits(s string) bool {
	if len(s) != 6 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

// isEightDigits checks if a string consists of exactly 8 digits
func isEightDigits(s string) bool {
	if len(s) != 8 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}
