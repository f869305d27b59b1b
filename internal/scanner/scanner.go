// Package scanner runs a one-shot evaluation of the tradable universe
// and prints the opportunities ranked by signal confidence. It shares
// the candle pipeline with the live engine but never places orders.
package scanner

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"text/tabwriter"

	"spot-trader/internal/analytics"
	"spot-trader/internal/indicators"
	"spot-trader/internal/market"
	"spot-trader/internal/strategy"
	"spot-trader/pkg/config"
	"spot-trader/pkg/exchanges/common"
)

const scanWorkers = 3

// Result is one product's evaluation.
type Result struct {
	Product     string
	Strategy    string
	Action      strategy.Action
	Confidence  float64
	BuyPressure float64
	Reasons     []string
}

// Scanner evaluates products without trading.
type Scanner struct {
	cfg    *config.Config
	gw     common.Gateway
	prices *market.PriceService
	params indicators.Params
}

func New(cfg *config.Config, gw common.Gateway, prices *market.PriceService) *Scanner {
	return &Scanner{cfg: cfg, gw: gw, prices: prices, params: indicators.DefaultParams()}
}

// Scan evaluates every tradable quote-currency product with the named
// strategy, or with all strategies when name is "all". Results come
// back sorted by confidence, BUY first.
func (s *Scanner) Scan(ctx context.Context, name string) ([]Result, error) {
	strats, err := s.resolveStrategies(name)
	if err != nil {
		return nil, err
	}

	products, err := s.gw.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	universe := make([]common.Product, 0, len(products))
	for _, p := range products {
		if p.Quote == s.cfg.Trading.QuoteCurrency && !p.ViewOnly && !p.TradingDisabled {
			universe = append(universe, p)
		}
	}

	var (
		mu      sync.Mutex
		results []Result
		wg      sync.WaitGroup
	)
	work := make(chan common.Product)
	for i := 0; i < scanWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				evals, err := s.evaluate(ctx, p, strats)
				if err != nil {
					log.Printf("scan: %s: %v", p.ID, err)
					continue
				}
				mu.Lock()
				results = append(results, evals...)
				mu.Unlock()
			}
		}()
	}
	for _, p := range universe {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return nil, ctx.Err()
		case work <- p:
		}
	}
	close(work)
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if (results[i].Action == strategy.ActionBuy) != (results[j].Action == strategy.ActionBuy) {
			return results[i].Action == strategy.ActionBuy
		}
		return results[i].Confidence > results[j].Confidence
	})
	return results, nil
}

func (s *Scanner) resolveStrategies(name string) ([]strategy.Strategy, error) {
	if name != "all" {
		st, err := strategy.New(name, s.cfg.Strategies.HybridK)
		if err != nil {
			return nil, err
		}
		return []strategy.Strategy{st}, nil
	}
	var strats []strategy.Strategy
	for _, n := range []string{"momentum", "mean_reversion", "breakout", "hybrid"} {
		st, err := strategy.New(n, s.cfg.Strategies.HybridK)
		if err != nil {
			return nil, err
		}
		strats = append(strats, st)
	}
	return strats, nil
}

func (s *Scanner) evaluate(ctx context.Context, p common.Product, strats []strategy.Strategy) ([]Result, error) {
	candles, err := s.prices.History(ctx, p.ID, s.cfg.Trading.Granularity, s.cfg.Trading.CandleHistory)
	if err != nil {
		return nil, err
	}
	bars := indicators.Enrich(candles, s.params)

	flow, err := analytics.VolumeFlow(ctx, s.gw, p.ID, analytics.DefaultLookback)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(strats))
	for _, st := range strats {
		sig := strategy.Hold("insufficient candle history")
		if len(bars) >= st.MinBars() {
			sig = st.Analyze(bars, p.ID)
		}
		results = append(results, Result{
			Product:     p.ID,
			Strategy:    st.Name(),
			Action:      sig.Action,
			Confidence:  sig.Confidence,
			BuyPressure: flow.BuyPressure,
			Reasons:     sig.Reasons,
		})
	}
	return results, nil
}

// Print renders results as an aligned table.
func Print(w io.Writer, results []Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PRODUCT\tSTRATEGY\tACTION\tCONF\tBUY%\tREASONS")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.0f\t%s\n",
			r.Product, r.Strategy, r.Action, r.Confidence,
			100*r.BuyPressure, joinReasons(r.Reasons))
	}
	tw.Flush()
}

func joinReasons(reasons []string) string {
	const max = 3
	out := ""
	for i, r := range reasons {
		if i == max {
			out += ", ..."
			break
		}
		if i > 0 {
			out += ", "
		}
		out += r
	}
	return out
}
