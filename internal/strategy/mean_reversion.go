package strategy

import (
	"fmt"

	"spot-trader/internal/indicators"
)

// MeanReversion fades extremes back toward the 20-period mean. It never
// buys while price sits below the long EMA; knife-catching in a secular
// downtrend is penalized hard instead of merely skipped.
type MeanReversion struct {
	rsiOversold   float64
	rsiOverbought float64
	stochLow      float64
	stochHigh     float64
	trendPenalty  int
	threshold     int
}

func NewMeanReversion() *MeanReversion {
	return &MeanReversion{
		rsiOversold:   20,
		rsiOverbought: 80,
		stochLow:      20,
		stochHigh:     80,
		trendPenalty:  3,
		threshold:     3,
	}
}

func (s *MeanReversion) Name() string { return "mean_reversion" }

func (s *MeanReversion) MinBars() int { return indicators.DefaultParams().WarmupBars() + 1 }

func (s *MeanReversion) Analyze(bars []indicators.Bar, productID string) Signal {
	if len(bars) < s.MinBars() {
		return Hold("insufficient history")
	}
	cur := bars[len(bars)-1]
	prev := bars[len(bars)-2]
	if !cur.Warm {
		return Hold("indicators warming up")
	}

	sc := newScorer(7, s.threshold)

	if cur.Close <= cur.BBLower {
		sc.buy(2, "close at or below lower band")
	}
	if cur.RSI < s.rsiOversold {
		sc.buy(2, fmt.Sprintf("rsi %.1f deeply oversold", cur.RSI))
	}
	if cur.StochK < s.stochLow && prev.StochK <= prev.StochD && cur.StochK > cur.StochD {
		sc.buy(2, "stochastic turning up from oversold")
	}
	if z := zScore(cur); z < -2 {
		sc.buy(1, fmt.Sprintf("%.1f sigma below 20-bar mean", z))
	}

	if cur.Close < cur.EMATrend {
		sc.penalizeBuy(s.trendPenalty, "below long ema, no counter-trend buys")
	}

	if cur.Close >= cur.BBUpper {
		sc.sell(2, "close at or above upper band")
	}
	if cur.RSI > s.rsiOverbought {
		sc.sell(2, fmt.Sprintf("rsi %.1f deeply overbought", cur.RSI))
	}
	if cur.StochK > s.stochHigh && prev.StochK >= prev.StochD && cur.StochK < cur.StochD {
		sc.sell(2, "stochastic turning down from overbought")
	}
	if z := zScore(cur); z > 2 {
		sc.sell(1, fmt.Sprintf("%.1f sigma above 20-bar mean", z))
	}

	sig := sc.resolve()
	if sig.Action == ActionBuy && cur.Close < cur.EMATrend {
		return Hold("below long ema, no counter-trend buys")
	}
	return sig
}

// zScore is the close's distance from the middle band in band standard
// deviations.
func zScore(b indicators.Bar) float64 {
	sd := (b.BBUpper - b.BBMiddle) / 2
	if sd == 0 {
		return 0
	}
	return (b.Close - b.BBMiddle) / sd
}
