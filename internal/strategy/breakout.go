package strategy

import (
	"fmt"

	"spot-trader/internal/indicators"
)

// Breakout trades range expansion out of consolidation. The regime check
// runs on the bar before the breakout: once ADX has risen the move is
// already underway and the edge is gone.
type Breakout struct {
	adxCeiling   float64
	squeezeWidth float64
	volumeSpike  float64
	dryLook      int
	threshold    int
}

func NewBreakout() *Breakout {
	return &Breakout{
		adxCeiling:   20,
		squeezeWidth: 0.04,
		volumeSpike:  3,
		dryLook:      10,
		threshold:    3,
	}
}

func (s *Breakout) Name() string { return "breakout" }

func (s *Breakout) MinBars() int { return indicators.DefaultParams().WarmupBars() + 1 }

func (s *Breakout) Analyze(bars []indicators.Bar, productID string) Signal {
	if len(bars) < s.MinBars() {
		return Hold("insufficient history")
	}
	cur := bars[len(bars)-1]
	prev := bars[len(bars)-2]
	if !cur.Warm {
		return Hold("indicators warming up")
	}

	if prev.ADX >= s.adxCeiling {
		return Hold(fmt.Sprintf("no consolidation before this bar (adx %.1f)", prev.ADX))
	}

	sc := newScorer(6, s.threshold)

	brokeHigh := cur.RangeHigh > 0 && cur.Close > cur.RangeHigh
	brokeLow := cur.RangeLow > 0 && cur.Close < cur.RangeLow
	if brokeHigh {
		sc.buy(2, "close above 50-bar range high")
	}
	if brokeLow {
		sc.sell(2, "close below 50-bar range low")
	}

	if prev.BBWidth > 0 && prev.BBWidth < s.squeezeWidth {
		sc.buy(1, fmt.Sprintf("band squeeze (width %.1f%%)", prev.BBWidth*100))
		sc.sell(1, fmt.Sprintf("band squeeze (width %.1f%%)", prev.BBWidth*100))
	}

	if s.volumeDriedThenSpiked(bars) {
		sc.buy(2, "volume dried up then spiked on breakout bar")
		sc.sell(2, "volume dried up then spiked on breakout bar")
	}

	if s.atrAtLocalMin(bars) {
		sc.buy(1, "volatility compressed to local minimum")
		sc.sell(1, "volatility compressed to local minimum")
	}

	sig := sc.resolve()
	// Shared rules score both sides; without an actual range break the
	// direction is unknowable.
	if sig.Action == ActionBuy && !brokeHigh {
		return Hold("squeeze without a breakout")
	}
	if sig.Action == ActionSell && !brokeLow {
		return Hold("squeeze without a breakdown")
	}
	return sig
}

// volumeDriedThenSpiked: average volume over the prior dryLook bars sat
// below the 20-bar average, and the current bar prints >= volumeSpike
// times that average.
func (s *Breakout) volumeDriedThenSpiked(bars []indicators.Bar) bool {
	cur := bars[len(bars)-1]
	prev := bars[len(bars)-2]
	if prev.VolSMA <= 0 {
		return false
	}
	sum := 0.0
	for i := len(bars) - 1 - s.dryLook; i < len(bars)-1; i++ {
		sum += bars[i].Volume
	}
	dryAvg := sum / float64(s.dryLook)
	return dryAvg < prev.VolSMA && cur.Volume >= s.volumeSpike*prev.VolSMA
}

// atrAtLocalMin: ATR going into this bar was the lowest of the trailing
// window, confirming compression.
func (s *Breakout) atrAtLocalMin(bars []indicators.Bar) bool {
	prev := bars[len(bars)-2]
	if prev.ATR <= 0 {
		return false
	}
	for i := len(bars) - 1 - s.dryLook; i < len(bars)-1; i++ {
		if bars[i].ATR > 0 && bars[i].ATR < prev.ATR {
			return false
		}
	}
	return true
}
