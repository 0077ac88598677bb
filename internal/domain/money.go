package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// MoneyScale is the number of minor-unit digits carried by every monetary amount.
const MoneyScale int32 = 2

var hundred = decimal.NewFromInt(100)

// Money is a fixed-point monetary amount. Arithmetic never goes through float64.
type Money = decimal.Decimal

// ZeroMoney returns a zero amount.
func ZeroMoney() Money {
	return decimal.Zero
}

// RoundMoney rounds half away from zero to MoneyScale digits.
func RoundMoney(amount Money) Money {
	return amount.Round(MoneyScale)
}

// AddMoney adds and rounds, so running totals never carry sub-cent drift.
func AddMoney(a, b Money) Money {
	return RoundMoney(a.Add(b))
}

// PercentOf returns round(base * percent / 100).
func PercentOf(base Money, percent decimal.Decimal) Money {
	if percent.IsZero() || base.IsZero() {
		return decimal.Zero
	}
	return RoundMoney(base.Mul(percent).Div(hundred))
}

// ParseMoney parses a decimal string, rejecting empty input.
func ParseMoney(raw string) (Money, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("money: empty amount")
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: parse %q: %w", raw, err)
	}
	return value, nil
}

// FormatMoney renders the amount with exactly MoneyScale fractional digits.
func FormatMoney(amount Money) string {
	return amount.StringFixed(MoneyScale)
}

// MinMoney returns the smaller amount.
func MinMoney(a, b Money) Money {
	if a.LessThan(b) {
		return a
	}
	return b
}

// NormalizeCurrency upper-cases and validates an ISO 4217 code.
func NormalizeCurrency(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return "", fmt.Errorf("currency: code is required")
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", fmt.Errorf("currency: %q is not an ISO 4217 code", raw)
	}
	return unit.String(), nil
}
