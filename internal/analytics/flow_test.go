package analytics

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trader/pkg/db"
	"spot-trader/pkg/exchanges/common"
	"spot-trader/pkg/money"
)

type stubTape struct {
	trades []common.MarketTrade
	gotN   int
}

func (s *stubTape) GetRecentTrades(_ context.Context, _ string, n int) ([]common.MarketTrade, error) {
	s.gotN = n
	return s.trades, nil
}

type stubFills struct {
	fills []db.Fill
}

func (s *stubFills) ListBuyFills(context.Context, string) ([]db.Fill, error) {
	return s.fills, nil
}

func dec(s string) decimal.Decimal { return money.MustParse(s) }

func trade(side common.Side, size string) common.MarketTrade {
	return common.MarketTrade{Side: side, Size: dec(size), Price: dec("100")}
}

func TestVolumeFlowClassifiesPressure(t *testing.T) {
	tests := []struct {
		name     string
		buy      string
		sell     string
		pressure float64
		net      Pressure
	}{
		{"strong buy", "65", "35", 0.65, PressureStrongBuy},
		{"moderate buy", "55", "45", 0.55, PressureModerateBuy},
		{"neutral", "50", "50", 0.50, PressureNeutral},
		{"moderate sell", "45", "55", 0.45, PressureModerateSell},
		{"strong sell", "35", "65", 0.35, PressureStrongSell},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tape := &stubTape{trades: []common.MarketTrade{
				trade(common.SideBuy, tt.buy),
				trade(common.SideSell, tt.sell),
			}}
			flow, err := VolumeFlow(context.Background(), tape, "ATOM-USD", 100)
			require.NoError(t, err)
			assert.InDelta(t, tt.pressure, flow.BuyPressure, 1e-9)
			assert.Equal(t, tt.net, flow.Net)
		})
	}
}

func TestVolumeFlowBoundaryBuckets(t *testing.T) {
	// Exactly 0.60 is strong, exactly 0.52 is moderate, exactly 0.48
	// falls out of neutral, exactly 0.40 is strong sell.
	assert.Equal(t, PressureStrongBuy, classify(0.60))
	assert.Equal(t, PressureModerateBuy, classify(0.52))
	assert.Equal(t, PressureNeutral, classify(0.481))
	assert.Equal(t, PressureModerateSell, classify(0.48))
	assert.Equal(t, PressureStrongSell, classify(0.40))
}

func TestVolumeFlowEmptyTapeIsNeutral(t *testing.T) {
	flow, err := VolumeFlow(context.Background(), &stubTape{}, "ATOM-USD", 100)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, flow.BuyPressure, 1e-9)
	assert.Equal(t, PressureNeutral, flow.Net)
}

func TestVolumeFlowDefaultsLookback(t *testing.T) {
	tape := &stubTape{}
	_, err := VolumeFlow(context.Background(), tape, "ATOM-USD", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultLookback, tape.gotN)
}

func TestCostBasisIncludesFees(t *testing.T) {
	src := &stubFills{fills: []db.Fill{
		{Side: "BUY", Price: dec("0.007"), Size: dec("1000"), Fee: dec("0.05")},
		{Side: "BUY", Price: dec("0.008"), Size: dec("500"), Fee: dec("0.03")},
		{Side: "BUY", Price: dec("0.0069"), Size: dec("1500"), Fee: dec("0.07")},
	}}
	basis, err := CostBasis(context.Background(), src, "SHIB-USD")
	require.NoError(t, err)

	// (7 + 4 + 10.35 + 0.15) / 3000
	want := dec("21.5").Div(dec("3000"))
	assert.True(t, basis.Equal(want), "got %s want %s", basis, want)
}

func TestCostBasisZeroWithoutFills(t *testing.T) {
	basis, err := CostBasis(context.Background(), &stubFills{}, "ATOM-USD")
	require.NoError(t, err)
	assert.True(t, basis.IsZero())
}
