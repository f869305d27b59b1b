package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Zero is the shared zero value.
var Zero = decimal.Zero

// Parse converts an exchange-reported numeric string into a decimal.
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for literals in tests and defaults.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ClampToIncrement truncates v down to a whole multiple of increment.
// Truncation (never rounding up) keeps sizes and prices inside exchange
// limits. A non-positive increment returns v unchanged.
func ClampToIncrement(v, increment decimal.Decimal) decimal.Decimal {
	if increment.Sign() <= 0 {
		return v
	}
	steps := v.Div(increment).Truncate(0)
	return steps.Mul(increment)
}

// QuoteValue returns price*size clamped to the quote increment.
func QuoteValue(price, size, quoteIncrement decimal.Decimal) decimal.Decimal {
	return ClampToIncrement(price.Mul(size), quoteIncrement)
}

// PnLPct returns (last-basis)/basis, or zero when basis is zero.
func PnLPct(last, basis decimal.Decimal) decimal.Decimal {
	if basis.Sign() == 0 {
		return decimal.Zero
	}
	return last.Sub(basis).Div(basis)
}

// Mid returns the bid/ask midpoint.
func Mid(bid, ask decimal.Decimal) decimal.Decimal {
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}

// SpreadPct returns (ask-bid)/mid, or zero when the mid is zero.
func SpreadPct(bid, ask decimal.Decimal) decimal.Decimal {
	mid := Mid(bid, ask)
	if mid.Sign() == 0 {
		return decimal.Zero
	}
	return ask.Sub(bid).Div(mid)
}
