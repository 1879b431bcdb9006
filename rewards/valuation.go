package rewards

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Valuation converts points to a currency amount. Display only; points are
// never fractional and never stored as money.
type Valuation struct {
	PointValue decimal.Decimal
	Currency   string
}

// DefaultValuation is one euro cent per point.
var DefaultValuation = Valuation{PointValue: decimal.NewFromFloat(0.01), Currency: "EUR"}

// NewValuation parses the configured value of one point.
func NewValuation(pointValue, currency string) (Valuation, error) {
	v, err := decimal.NewFromString(pointValue)
	if err != nil {
		return Valuation{}, fmt.Errorf("invalid point value %q: %w", pointValue, err)
	}
	if v.IsNegative() {
		return Valuation{}, fmt.Errorf("point value must not be negative, got %s", v)
	}
	if currency == "" {
		currency = DefaultValuation.Currency
	}
	return Valuation{PointValue: v, Currency: currency}, nil
}

// Value returns points * PointValue rounded to cents.
func (v Valuation) Value(points int64) decimal.Decimal {
	return v.PointValue.Mul(decimal.NewFromInt(points)).Round(2)
}

// Format renders the value of points, e.g. "1.50 EUR".
func (v Valuation) Format(points int64) string {
	return v.Value(points).StringFixed(2) + " " + v.Currency
}
