package strategy

import (
	"fmt"
	"time"

	"spot-trader/internal/indicators"
)

// Hybrid runs the three base strategies and only acts when at least K of
// them agree on a side. Confidence of the emitted signal is the
// confidence-weighted average of the concurring signals, so one
// high-conviction voter moves the blend more than two lukewarm ones.
type Hybrid struct {
	k       int
	members []Strategy
}

func NewHybrid(k int) *Hybrid {
	if k < 1 {
		k = 2
	}
	return &Hybrid{
		k:       k,
		members: []Strategy{NewMomentum(), NewMeanReversion(), NewBreakout()},
	}
}

func (s *Hybrid) Name() string { return "hybrid" }

func (s *Hybrid) MinBars() int {
	min := 0
	for _, m := range s.members {
		if m.MinBars() > min {
			min = m.MinBars()
		}
	}
	return min
}

func (s *Hybrid) Analyze(bars []indicators.Bar, productID string) Signal {
	var buys, sells []Signal
	for _, m := range s.members {
		sig := m.Analyze(bars, productID)
		switch sig.Action {
		case ActionBuy:
			buys = append(buys, tag(m.Name(), sig))
		case ActionSell:
			sells = append(sells, tag(m.Name(), sig))
		}
	}

	if len(buys) >= s.k && len(buys) > len(sells) {
		return blend(ActionBuy, buys)
	}
	if len(sells) >= s.k && len(sells) > len(buys) {
		return blend(ActionSell, sells)
	}
	return Hold(fmt.Sprintf("agreement not reached (buy=%d sell=%d need=%d)", len(buys), len(sells), s.k))
}

func tag(name string, sig Signal) Signal {
	reasons := make([]string, 0, len(sig.Reasons))
	for _, r := range sig.Reasons {
		reasons = append(reasons, name+": "+r)
	}
	sig.Reasons = reasons
	return sig
}

func blend(action Action, sigs []Signal) Signal {
	var weightSum, confSum float64
	var reasons []string
	for _, s := range sigs {
		weightSum += s.Confidence
		confSum += s.Confidence * s.Confidence
		reasons = append(reasons, s.Reasons...)
	}
	conf := 0.0
	if weightSum > 0 {
		conf = confSum / weightSum
	}
	return Signal{Action: action, Confidence: conf, Reasons: reasons, ProducedAt: time.Now()}
}
