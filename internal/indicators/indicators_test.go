package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trader/pkg/exchanges/common"
)

func TestSMASeries(t *testing.T) {
	out := smaSeries([]float64{1, 2, 3, 4, 5}, 3)
	assert.Equal(t, 0.0, out[1])
	assert.InDelta(t, 2.0, out[2], 1e-9)
	assert.InDelta(t, 3.0, out[3], 1e-9)
	assert.InDelta(t, 4.0, out[4], 1e-9)
}

func TestEMASeriesSeedsWithSMA(t *testing.T) {
	out := emaSeries([]float64{2, 4, 6, 8}, 3)
	assert.Equal(t, 0.0, out[1])
	assert.InDelta(t, 4.0, out[2], 1e-9)
	// k = 0.5: 8*0.5 + 4*0.5
	assert.InDelta(t, 6.0, out[3], 1e-9)
}

func TestRSIExtremes(t *testing.T) {
	rising := make([]float64, 30)
	for i := range rising {
		rising[i] = float64(100 + i)
	}
	out := rsiSeries(rising, 14)
	assert.InDelta(t, 100.0, out[len(out)-1], 1e-9)

	falling := make([]float64, 30)
	for i := range falling {
		falling[i] = float64(200 - i)
	}
	out = rsiSeries(falling, 14)
	assert.InDelta(t, 0.0, out[len(out)-1], 1e-9)
}

func TestBollingerFlatSeriesHasZeroWidth(t *testing.T) {
	flat := make([]float64, 25)
	for i := range flat {
		flat[i] = 50
	}
	upper, middle, lower, width := bollingerSeries(flat, 20, 2)
	last := len(flat) - 1
	assert.InDelta(t, 50.0, upper[last], 1e-9)
	assert.InDelta(t, 50.0, middle[last], 1e-9)
	assert.InDelta(t, 50.0, lower[last], 1e-9)
	assert.InDelta(t, 0.0, width[last], 1e-9)
}

func TestRollingRangeExcludesCurrentBar(t *testing.T) {
	highs := []float64{10, 11, 12, 13, 20}
	lows := []float64{9, 10, 11, 12, 5}
	rangeHigh, rangeLow := rollingRange(highs, lows, 4)
	// Window for the last bar is bars 0..3 only.
	assert.InDelta(t, 13.0, rangeHigh[4], 1e-9)
	assert.InDelta(t, 9.0, rangeLow[4], 1e-9)
}

func TestADXDirectionInUptrend(t *testing.T) {
	n := 60
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		base := 100 + 2*float64(i)
		highs[i] = base + 1
		lows[i] = base - 1
		closes[i] = base
	}
	adx, plusDI, minusDI := adxSeries(highs, lows, closes, 14)
	last := n - 1
	assert.Greater(t, plusDI[last], minusDI[last])
	assert.Greater(t, adx[last], 25.0)
}

func TestStochClampsOnFlatWindow(t *testing.T) {
	n := 20
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		highs[i], lows[i], closes[i] = 7, 7, 7
	}
	k, _ := stochSeries(highs, lows, closes, 14, 3)
	assert.InDelta(t, 50.0, k[n-1], 1e-9)
}

func TestEnrichHasNoNaNBeyondWarmup(t *testing.T) {
	p := DefaultParams()
	candles := syntheticCandles(p.WarmupBars() + 60)
	bars := Enrich(candles, p)

	require.Len(t, bars, len(candles))
	assert.False(t, bars[p.WarmupBars()-1].Warm)
	assert.True(t, bars[p.WarmupBars()].Warm)

	for i := p.WarmupBars(); i < len(bars); i++ {
		b := bars[i]
		for name, v := range map[string]float64{
			"ema_fast": b.EMAFast, "ema_slow": b.EMASlow, "ema_trend": b.EMATrend,
			"rsi": b.RSI, "macd": b.MACD, "macd_signal": b.MACDSignal,
			"bb_upper": b.BBUpper, "bb_lower": b.BBLower, "bb_width": b.BBWidth,
			"adx": b.ADX, "plus_di": b.PlusDI, "minus_di": b.MinusDI,
			"stoch_k": b.StochK, "stoch_d": b.StochD, "atr": b.ATR,
			"range_high": b.RangeHigh, "range_low": b.RangeLow, "vol_sma": b.VolSMA,
		} {
			assert.False(t, math.IsNaN(v), "bar %d column %s is NaN", i, name)
			assert.False(t, math.IsInf(v, 0), "bar %d column %s is Inf", i, name)
		}
	}
}

func TestEnrichIsDeterministic(t *testing.T) {
	p := DefaultParams()
	candles := syntheticCandles(p.WarmupBars() + 10)
	a := Enrich(candles, p)
	b := Enrich(candles, p)
	assert.Equal(t, a, b)
}

func syntheticCandles(n int) []common.Candle {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]common.Candle, n)
	for i := 0; i < n; i++ {
		// Gentle sine wave around 100 keeps every indicator well defined.
		mid := 100 + 10*math.Sin(float64(i)/9)
		out[i] = common.Candle{
			StartTime: start.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(mid - 0.5),
			High:      decimal.NewFromFloat(mid + 1),
			Low:       decimal.NewFromFloat(mid - 1),
			Close:     decimal.NewFromFloat(mid + 0.5),
			Volume:    decimal.NewFromFloat(1000 + 100*math.Cos(float64(i)/5)),
		}
	}
	return out
}
