package strategy

import (
	"fmt"
	"time"

	"spot-trader/internal/indicators"
)

// Action is a trading decision.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Signal is a pure value produced by one strategy evaluation. Reasons are
// human-readable and always non-empty; the position monitor and the logs
// surface them verbatim.
type Signal struct {
	Action     Action
	Confidence float64
	Reasons    []string
	ProducedAt time.Time
}

// Hold builds a HOLD signal with the given reason.
func Hold(reason string) Signal {
	return Signal{Action: ActionHold, Reasons: []string{reason}, ProducedAt: time.Now()}
}

// Strategy evaluates an enriched candle series.
type Strategy interface {
	Name() string
	// MinBars is the minimum series length Analyze needs to produce a
	// meaningful signal.
	MinBars() int
	Analyze(bars []indicators.Bar, productID string) Signal
}

// New builds a strategy by its configured name.
func New(name string, hybridK int) (Strategy, error) {
	switch name {
	case "momentum":
		return NewMomentum(), nil
	case "mean_reversion":
		return NewMeanReversion(), nil
	case "breakout":
		return NewBreakout(), nil
	case "hybrid":
		return NewHybrid(hybridK), nil
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}

// scorer accumulates weighted rule hits on both sides and resolves them
// into a signal. Shared by all strategies.
type scorer struct {
	buyScore    int
	sellScore   int
	buyReasons  []string
	sellReasons []string
	maxScore    int
	threshold   int
}

func newScorer(maxScore, threshold int) *scorer {
	return &scorer{maxScore: maxScore, threshold: threshold}
}

func (s *scorer) buy(weight int, reason string) {
	s.buyScore += weight
	s.buyReasons = append(s.buyReasons, reason)
}

func (s *scorer) sell(weight int, reason string) {
	s.sellScore += weight
	s.sellReasons = append(s.sellReasons, reason)
}

func (s *scorer) penalizeBuy(weight int, reason string) {
	s.buyScore -= weight
	s.buyReasons = append(s.buyReasons, reason)
}

// resolve maps the accumulated scores to an action with
// confidence = min(1, winning_score/max_score).
func (s *scorer) resolve() Signal {
	now := time.Now()
	if s.buyScore >= s.threshold && s.buyScore > s.sellScore {
		return Signal{Action: ActionBuy, Confidence: confidence(s.buyScore, s.maxScore), Reasons: s.buyReasons, ProducedAt: now}
	}
	if s.sellScore >= s.threshold && s.sellScore > s.buyScore {
		return Signal{Action: ActionSell, Confidence: confidence(s.sellScore, s.maxScore), Reasons: s.sellReasons, ProducedAt: now}
	}
	reasons := []string{fmt.Sprintf("no side reached threshold (buy=%d sell=%d need=%d)", s.buyScore, s.sellScore, s.threshold)}
	return Signal{Action: ActionHold, Reasons: reasons, ProducedAt: now}
}

func confidence(score, maxScore int) float64 {
	c := float64(score) / float64(maxScore)
	if c > 1 {
		return 1
	}
	return c
}
