// Package satoshi provides fixed-point Bitcoin amount arithmetic.
// All internal math is done in base units (satoshis); the main unit (BTC)
// exists only for parsing caller input and for display.
package satoshi

import (
	"fmt"
	"math/big"
)

// Decimals is the number of decimal places between main and base units.
const Decimals = 8

// PerBTC is the number of base units in one main unit.
const PerBTC = 100_000_000

// Unit tags an amount's denomination on the API surface.
type Unit string

const (
	// UnitMain denominates in BTC.
	UnitMain Unit = "main"
	// UnitBase denominates in satoshis.
	UnitBase Unit = "base"
)

// ParseUnit parses a unit tag.
func ParseUnit(s string) (Unit, error) {
	switch Unit(s) {
	case UnitMain, UnitBase:
		return Unit(s), nil
	}
	return "", fmt.Errorf("unknown unit: %q", s)
}

// Amount is a quantity of bitcoin in base units. Balances held by the
// wallet are non-negative; per-state deltas (e.g. an in-flight spend seen
// in the mempool) may be negative.
type Amount int64

// Parse parses a decimal string in the given unit into an Amount.
// Base-unit strings must be integral.
func Parse(s string, unit Unit) (Amount, error) {
	switch unit {
	case UnitBase:
		v, err := parseDecimal(s, 0)
		if err != nil {
			return 0, err
		}
		return Amount(v), nil
	case UnitMain:
		v, err := parseDecimal(s, Decimals)
		if err != nil {
			return 0, err
		}
		return Amount(v), nil
	}
	return 0, fmt.Errorf("unknown unit: %q", unit)
}

// FromBTC converts a whole-and-fraction BTC decimal string to an Amount.
func FromBTC(s string) (Amount, error) {
	return Parse(s, UnitMain)
}

// Sats returns the amount in base units.
func (a Amount) Sats() int64 {
	return int64(a)
}

// BTC formats the amount as a BTC decimal string with trailing zeros
// trimmed. The conversion is lossless: base units map one-to-one onto the
// eight decimal places.
func (a Amount) BTC() string {
	if a < 0 {
		return "-" + (-a).BTC()
	}
	return formatDecimal(uint64(a), Decimals)
}

// Format renders the amount in the given unit.
func (a Amount) Format(unit Unit) string {
	if unit == UnitMain {
		return a.BTC()
	}
	return fmt.Sprintf("%d", int64(a))
}

// String implements fmt.Stringer in base units.
func (a Amount) String() string {
	return fmt.Sprintf("%d sat", int64(a))
}

// formatDecimal formats a base-unit value as a decimal string.
// For example, formatDecimal(100000000, 8) returns "1".
func formatDecimal(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}

	amountBig := new(big.Int).SetUint64(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amountBig, divisor)
	frac := new(big.Int).Mod(amountBig, divisor)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := fmt.Sprintf("%0*d", int(decimals), frac)
	// Trim trailing zeros
	for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
		fracStr = fracStr[:len(fracStr)-1]
	}

	return fmt.Sprintf("%s.%s", whole.String(), fracStr)
}

// parseDecimal parses a decimal string into base units.
// For example, parseDecimal("0.1", 8) returns 10000000.
func parseDecimal(s string, decimals uint8) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount string")
	}

	var wholeStr, fracStr string
	for i, c := range s {
		if c == '.' {
			wholeStr = s[:i]
			fracStr = s[i+1:]
			break
		}
	}
	if wholeStr == "" && fracStr == "" {
		wholeStr = s
	}

	for _, c := range wholeStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}
	for _, c := range fracStr {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid character in amount: %c", c)
		}
	}
	if decimals == 0 && fracStr != "" {
		return 0, fmt.Errorf("fractional base amount: %s", s)
	}

	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}
	if len(fracStr) > int(decimals) {
		return 0, fmt.Errorf("too many decimal places: %s", s)
	}

	combined := wholeStr + fracStr
	amount := new(big.Int)
	if _, ok := amount.SetString(combined, 10); !ok {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}

	if !amount.IsInt64() {
		return 0, fmt.Errorf("amount overflow: %s", s)
	}

	return amount.Int64(), nil
}
