package strategy

import (
	"fmt"
	"math"

	"spot-trader/internal/indicators"
)

// Momentum trades with an established trend: it needs ADX to confirm a
// trend regime, stacked EMAs for direction, and only buys pullbacks
// toward the middle band, never extension above the upper band.
type Momentum struct {
	adxFloor     float64
	pullbackPct  float64
	volumeSpike  float64
	rsiBuyLow    float64
	rsiBuyHigh   float64
	rsiSellAbove float64
	threshold    int
}

func NewMomentum() *Momentum {
	return &Momentum{
		adxFloor:     25,
		pullbackPct:  0.015,
		volumeSpike:  2.5,
		rsiBuyLow:    50,
		rsiBuyHigh:   70,
		rsiSellAbove: 75,
		threshold:    3,
	}
}

func (s *Momentum) Name() string { return "momentum" }

func (s *Momentum) MinBars() int { return indicators.DefaultParams().WarmupBars() + 1 }

func (s *Momentum) Analyze(bars []indicators.Bar, productID string) Signal {
	if len(bars) < s.MinBars() {
		return Hold("insufficient history")
	}
	cur := bars[len(bars)-1]
	prev := bars[len(bars)-2]
	if !cur.Warm {
		return Hold("indicators warming up")
	}

	if cur.ADX < s.adxFloor {
		return Hold(fmt.Sprintf("no trend regime (adx %.1f < %.0f)", cur.ADX, s.adxFloor))
	}

	bullish := cur.EMAFast > cur.EMASlow && cur.EMASlow > cur.EMATrend
	bearish := cur.EMAFast < cur.EMASlow && cur.EMASlow < cur.EMATrend

	sc := newScorer(8, s.threshold)

	if bullish {
		sc.buy(2, "ema stack bullish (20>50>200)")
	}
	if prev.MACD <= prev.MACDSignal && cur.MACD > cur.MACDSignal {
		sc.buy(2, "macd crossed above signal")
	}
	if cur.RSI >= s.rsiBuyLow && cur.RSI <= s.rsiBuyHigh {
		sc.buy(1, fmt.Sprintf("rsi %.1f in momentum zone", cur.RSI))
	}
	if bullish && cur.BBMiddle > 0 && math.Abs(cur.Close-cur.BBMiddle)/cur.BBMiddle <= s.pullbackPct {
		sc.buy(2, "pullback to middle band in uptrend")
	}
	if cur.VolSMA > 0 && cur.Volume >= s.volumeSpike*cur.VolSMA {
		sc.buy(1, fmt.Sprintf("volume %.1fx average", cur.Volume/cur.VolSMA))
		sc.sell(1, fmt.Sprintf("volume %.1fx average", cur.Volume/cur.VolSMA))
	}

	if bearish {
		sc.sell(2, "ema stack bearish (20<50<200)")
	}
	if prev.MACD >= prev.MACDSignal && cur.MACD < cur.MACDSignal {
		sc.sell(2, "macd crossed below signal")
	}
	if cur.RSI > s.rsiSellAbove {
		sc.sell(1, fmt.Sprintf("rsi %.1f overbought", cur.RSI))
	}
	if bearish && cur.Close < cur.BBMiddle {
		sc.sell(2, "broke middle band in downtrend")
	}

	sig := sc.resolve()

	// Chasing an extended move is forbidden: a close above the upper band
	// can never be bought, whatever the score says.
	if sig.Action == ActionBuy && cur.Close > cur.BBUpper {
		return Hold("price above upper band, refusing to chase")
	}
	return sig
}
