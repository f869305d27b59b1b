package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampToIncrement(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		increment string
		want      string
	}{
		{"exact multiple", "1.50", "0.01", "1.5"},
		{"truncates down", "1.239", "0.01", "1.23"},
		{"never rounds up", "1.999999", "0.01", "1.99"},
		{"coarse increment", "123.456", "0.5", "123"},
		{"tiny base increment", "1234.56789012", "0.00000001", "1234.56789012"},
		{"zero increment passes through", "1.239", "0", "1.239"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClampToIncrement(MustParse(tt.value), MustParse(tt.increment))
			assert.True(t, got.Equal(MustParse(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestParse(t *testing.T) {
	d, err := Parse("0.007167")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("0.007167")))

	_, err = Parse("not-a-number")
	require.Error(t, err)

	d, err = Parse("")
	require.NoError(t, err)
	assert.True(t, d.IsZero())
}

func TestSpreadPct(t *testing.T) {
	// 100.00 / 100.80 => 0.8% over the 100.40 mid.
	spread := SpreadPct(MustParse("100.00"), MustParse("100.80"))
	assert.True(t, spread.GreaterThan(MustParse("0.0079")))
	assert.True(t, spread.LessThan(MustParse("0.0081")))

	assert.True(t, SpreadPct(Zero, Zero).IsZero())
}

func TestPnLPct(t *testing.T) {
	pnl := PnLPct(MustParse("0.007526"), MustParse("0.007167"))
	assert.True(t, pnl.GreaterThanOrEqual(MustParse("0.05")), "pnl=%s", pnl)

	assert.True(t, PnLPct(MustParse("1"), Zero).IsZero())
}

func TestQuoteValue(t *testing.T) {
	v := QuoteValue(MustParse("0.007167"), MustParse("3000"), MustParse("0.01"))
	assert.True(t, v.Equal(MustParse("21.50")), "got %s", v)
}
