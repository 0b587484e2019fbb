package domain

import (
	"github.com/shopspring/decimal"
)

const (
	MoneyScale            = 2
	MaxMoneyIntegerDigits = 10
)

var moneyCeiling = decimal.New(1, MaxMoneyIntegerDigits)

// Money is a decimal amount that travels as a bare JSON number.
type Money struct {
	decimal.Decimal
}

func NewMoney(d decimal.Decimal) Money {
	return Money{Decimal: d}
}

func MustMoney(s string) Money {
	return Money{Decimal: decimal.RequireFromString(s)}
}

func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.Decimal.String()), nil
}

func (m Money) Equal(other Money) bool {
	return m.Decimal.Equal(other.Decimal)
}

// Storable reports whether m fits NUMERIC(12,2) without rounding.
func (m Money) Storable() bool {
	return m.Decimal.Equal(m.Round(MoneyScale)) && m.Abs().LessThan(moneyCeiling)
}
