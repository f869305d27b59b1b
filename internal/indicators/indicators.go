package indicators

import (
	"time"

	"spot-trader/pkg/exchanges/common"
)

// Params holds every indicator period in one place so a parameter set is
// hashable and comparable.
type Params struct {
	EMAFast    int
	EMASlow    int
	EMATrend   int
	RSIPeriod  int
	MACDFast   int
	MACDSlow   int
	MACDSmooth int
	BBPeriod   int
	BBStdDev   float64
	ADXPeriod  int
	StochK     int
	StochD     int
	ATRPeriod  int
	RangeLook  int
	VolLook    int
}

// DefaultParams is the parameter set every strategy references.
func DefaultParams() Params {
	return Params{
		EMAFast:    20,
		EMASlow:    50,
		EMATrend:   200,
		RSIPeriod:  14,
		MACDFast:   12,
		MACDSlow:   26,
		MACDSmooth: 9,
		BBPeriod:   20,
		BBStdDev:   2.0,
		ADXPeriod:  14,
		StochK:     14,
		StochD:     3,
		ATRPeriod:  14,
		RangeLook:  50,
		VolLook:    20,
	}
}

// WarmupBars is the number of leading bars whose derived columns are not
// yet meaningful. Values before that index are zero, never NaN.
func (p Params) WarmupBars() int {
	warm := p.EMATrend - 1
	if v := 2*p.ADXPeriod - 1; v > warm {
		warm = v
	}
	if v := p.RangeLook; v > warm {
		warm = v
	}
	return warm
}

// Bar is one candle decorated with indicator columns. Column meaning is a
// stable contract with the strategy set.
type Bar struct {
	StartTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64

	EMAFast  float64
	EMASlow  float64
	EMATrend float64

	RSI float64

	MACD       float64
	MACDSignal float64
	MACDHist   float64

	BBUpper  float64
	BBMiddle float64
	BBLower  float64
	BBWidth  float64 // (upper-lower)/middle

	ADX     float64
	PlusDI  float64
	MinusDI float64

	StochK float64
	StochD float64

	ATR float64

	RangeHigh float64 // highest high of the prior RangeLook bars
	RangeLow  float64 // lowest low of the prior RangeLook bars

	VolSMA float64

	Warm bool
}

// Enrich decorates a candle series with the configured indicator columns.
// Deterministic: same candles and params always produce the same bars.
func Enrich(candles []common.Candle, p Params) []Bar {
	n := len(candles)
	bars := make([]Bar, n)
	if n == 0 {
		return bars
	}

	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	vols := make([]float64, n)
	for i, c := range candles {
		bars[i] = Bar{
			StartTime: c.StartTime,
			Open:      c.Open.InexactFloat64(),
			High:      c.High.InexactFloat64(),
			Low:       c.Low.InexactFloat64(),
			Close:     c.Close.InexactFloat64(),
			Volume:    c.Volume.InexactFloat64(),
		}
		closes[i] = bars[i].Close
		highs[i] = bars[i].High
		lows[i] = bars[i].Low
		vols[i] = bars[i].Volume
	}

	emaFast := emaSeries(closes, p.EMAFast)
	emaSlow := emaSeries(closes, p.EMASlow)
	emaTrend := emaSeries(closes, p.EMATrend)
	rsi := rsiSeries(closes, p.RSIPeriod)
	macd, signal, hist := macdSeries(closes, p.MACDFast, p.MACDSlow, p.MACDSmooth)
	bbU, bbM, bbL, bbW := bollingerSeries(closes, p.BBPeriod, p.BBStdDev)
	adx, plusDI, minusDI := adxSeries(highs, lows, closes, p.ADXPeriod)
	stochK, stochD := stochSeries(highs, lows, closes, p.StochK, p.StochD)
	atr := atrSeries(highs, lows, closes, p.ATRPeriod)
	rangeHigh, rangeLow := rollingRange(highs, lows, p.RangeLook)
	volSMA := smaSeries(vols, p.VolLook)

	warm := p.WarmupBars()
	for i := range bars {
		bars[i].EMAFast = emaFast[i]
		bars[i].EMASlow = emaSlow[i]
		bars[i].EMATrend = emaTrend[i]
		bars[i].RSI = rsi[i]
		bars[i].MACD = macd[i]
		bars[i].MACDSignal = signal[i]
		bars[i].MACDHist = hist[i]
		bars[i].BBUpper = bbU[i]
		bars[i].BBMiddle = bbM[i]
		bars[i].BBLower = bbL[i]
		bars[i].BBWidth = bbW[i]
		bars[i].ADX = adx[i]
		bars[i].PlusDI = plusDI[i]
		bars[i].MinusDI = minusDI[i]
		bars[i].StochK = stochK[i]
		bars[i].StochD = stochD[i]
		bars[i].ATR = atr[i]
		bars[i].RangeHigh = rangeHigh[i]
		bars[i].RangeLow = rangeLow[i]
		bars[i].VolSMA = volSMA[i]
		bars[i].Warm = i >= warm
	}
	return bars
}
