// Package engine runs the trading loop: reconcile, monitor, pick
// candidates, analyze them on a bounded worker pool, and hand admitted
// entries to the order manager. One engine, one exchange, one store.
package engine

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spot-trader/internal/balance"
	"spot-trader/internal/events"
	"spot-trader/internal/indicators"
	"spot-trader/internal/market"
	"spot-trader/internal/monitor"
	"spot-trader/internal/order"
	"spot-trader/internal/risk"
	"spot-trader/internal/strategy"
	"spot-trader/pkg/config"
	"spot-trader/pkg/db"
	"spot-trader/pkg/exchanges/common"
)

const entryWorkers = 3

// Deps are the composed modules the engine drives. The position monitor
// is built by the engine itself so it shares the engine's signal
// pipeline.
type Deps struct {
	Gateway common.Gateway
	Store   *db.Store
	Bus     *events.Bus
	Prices  *market.PriceService
	Risk    *risk.Manager
	Orders  *order.Manager
	Valuer  *balance.Manager
	Strat   strategy.Strategy
}

// Engine owns the tick loop.
type Engine struct {
	cfg    *config.Config
	gw     common.Gateway
	store  *db.Store
	bus    *events.Bus
	prices *market.PriceService
	risk   *risk.Manager
	orders *order.Manager
	mon    *monitor.Monitor
	valuer *balance.Manager
	strat  strategy.Strategy
	params indicators.Params

	mu      sync.Mutex
	ticks   int64
	lastTik time.Time
	lastVal balance.Valuation
	lastDD  risk.Drawdown
	started time.Time
}

func New(cfg *config.Config, d Deps) *Engine {
	e := &Engine{
		cfg:    cfg,
		gw:     d.Gateway,
		store:  d.Store,
		bus:    d.Bus,
		prices: d.Prices,
		risk:   d.Risk,
		orders: d.Orders,
		valuer: d.Valuer,
		strat:  d.Strat,
		params: indicators.DefaultParams(),
	}
	e.mon = monitor.New(d.Store, d.Prices, e, d.Orders, d.Bus, cfg.Exit)
	return e
}

// Attach wires the streaming plane: ticks feed the price cache, user
// events take the order fast path, and every reconnect forces a full
// reconcile because events may have been missed while disconnected.
func (e *Engine) Attach(stream common.Stream) {
	e.prices.Attach(stream)
	stream.OnOrderUpdate(func(u common.OrderUpdate) {
		go e.orders.HandleOrderUpdate(context.Background(), u)
	})
	stream.OnResync(func() {
		go func() {
			if err := e.orders.Reconcile(context.Background()); err != nil {
				log.Printf("engine: resync reconcile: %v", err)
			}
		}()
	})
}

// Signal runs the candle pipeline for one product and evaluates the
// active strategy. The monitor uses the same path, so exits and entries
// never disagree about what the market looks like.
func (e *Engine) Signal(ctx context.Context, productID string) (strategy.Signal, error) {
	candles, err := e.prices.History(ctx, productID, e.cfg.Trading.Granularity, e.cfg.Trading.CandleHistory)
	if err != nil {
		return strategy.Signal{}, err
	}
	bars := indicators.Enrich(candles, e.params)
	if len(bars) < e.strat.MinBars() {
		return strategy.Hold("insufficient candle history"), nil
	}
	return e.strat.Analyze(bars, productID), nil
}

// Run ticks until the context is cancelled, then logs the performance
// summary and returns nil for a clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.started = time.Now().UTC()
	e.mu.Unlock()

	period := time.Duration(e.cfg.Trading.LoopSleepSeconds) * time.Second
	log.Printf("engine: starting: strategy=%s loop=%s paper=%v",
		e.strat.Name(), period, e.cfg.Trading.PaperTradingMode)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		if err := e.tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("engine: tick: %v", err)
		}
		select {
		case <-ctx.Done():
			e.logSummary()
			log.Printf("engine: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) tick(ctx context.Context) error {
	start := time.Now()

	if err := e.orders.Reconcile(ctx); err != nil {
		log.Printf("engine: reconcile: %v", err)
	}
	if err := e.mon.Sweep(ctx); err != nil {
		log.Printf("engine: monitor: %v", err)
	}

	val, err := e.valuer.Value(ctx)
	if err != nil {
		return err
	}
	dd, err := e.risk.UpdateDrawdown(ctx, val.Equity)
	if err != nil {
		return err
	}
	if err := e.valuer.Snapshot(ctx, val); err != nil {
		log.Printf("engine: equity snapshot: %v", err)
	}
	e.bus.Publish(events.EventEquitySnapshot, events.EquityEvent{
		Equity: val.Equity, Drawdown: dd.Current, Halted: dd.Halted,
	})

	e.mu.Lock()
	e.ticks++
	e.lastTik = start
	e.lastVal = val
	e.lastDD = dd
	e.mu.Unlock()

	if dd.Halted {
		log.Printf("engine: drawdown halt active (%s from peak %s), entries suspended",
			dd.Current.StringFixed(4), dd.Peak)
		return nil
	}
	return e.runEntries(ctx, val)
}

// runEntries analyzes candidates on a bounded pool. Admission to the
// risk gate is serialized so concurrent winners cannot jointly exceed
// the exposure cap.
func (e *Engine) runEntries(ctx context.Context, val balance.Valuation) error {
	candidates, err := e.selectCandidates(ctx, val.OpenProducts)
	if err != nil {
		return err
	}

	adm := &admission{
		risk:     e.risk,
		snap:     risk.Snapshot{Equity: val.Equity, OpenProducts: val.OpenProducts, TotalExposure: val.Exposure},
		intended: val.Equity.Mul(e.cfg.Risk.MaxPositionSize),
	}

	work := make(chan common.Product)
	var wg sync.WaitGroup
	for i := 0; i < entryWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				e.tryEntry(ctx, p, val.Equity, adm)
			}
		}()
	}
	for _, p := range candidates {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return ctx.Err()
		case work <- p:
		}
	}
	close(work)
	wg.Wait()
	return nil
}

func (e *Engine) tryEntry(ctx context.Context, p common.Product, equity decimal.Decimal, adm *admission) {
	sig, err := e.Signal(ctx, p.ID)
	if err != nil {
		log.Printf("engine: signal %s: %v", p.ID, err)
		return
	}
	if sig.Action != strategy.ActionBuy || sig.Confidence < e.cfg.Trading.MinSignalConfidence {
		return
	}
	log.Printf("engine: %s signals BUY(%.2f) on %s: %v", e.strat.Name(), sig.Confidence, p.ID, sig.Reasons)

	release, err := adm.admit(p.ID)
	if err != nil {
		log.Printf("engine: entry %s not admitted: %v", p.ID, err)
		return
	}

	pos, err := e.orders.Buy(ctx, order.BuyInput{Product: p, Strategy: e.strat.Name(), Equity: equity})
	if err != nil {
		release()
		log.Printf("engine: entry %s: %v", p.ID, err)
		return
	}
	log.Printf("engine: opened %s on %s", pos.ID, p.ID)
}

// admission serializes the portfolio-level gate across entry workers.
type admission struct {
	mu       sync.Mutex
	risk     *risk.Manager
	snap     risk.Snapshot
	intended decimal.Decimal
}

// admit reserves a slot for the product. The returned release undoes
// the reservation when the entry fails downstream.
func (a *admission) admit(productID string) (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.risk.CanOpen(a.snap, productID, a.intended); err != nil {
		return nil, err
	}
	a.snap.OpenProducts = append(a.snap.OpenProducts, productID)
	a.snap.TotalExposure = a.snap.TotalExposure.Add(a.intended)
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, id := range a.snap.OpenProducts {
			if id == productID {
				a.snap.OpenProducts = append(a.snap.OpenProducts[:i], a.snap.OpenProducts[i+1:]...)
				break
			}
		}
		a.snap.TotalExposure = a.snap.TotalExposure.Sub(a.intended)
	}, nil
}

// selectCandidates returns up to max_products tradable quote-currency
// products ranked by trailing volume. Held products are always included
// so their signals stay fresh.
func (e *Engine) selectCandidates(ctx context.Context, held []string) ([]common.Product, error) {
	products, err := e.gw.ListProducts(ctx)
	if err != nil {
		return nil, err
	}

	heldSet := make(map[string]bool, len(held))
	for _, id := range held {
		heldSet[id] = true
	}

	tradable := products[:0]
	for _, p := range products {
		if p.Quote != e.cfg.Trading.QuoteCurrency || p.ViewOnly || p.TradingDisabled {
			continue
		}
		if p.MinQuote.GreaterThan(e.cfg.Risk.MinQuoteTrade) && !heldSet[p.ID] {
			continue
		}
		tradable = append(tradable, p)
	}
	sort.SliceStable(tradable, func(i, j int) bool {
		hi, hj := heldSet[tradable[i].ID], heldSet[tradable[j].ID]
		if hi != hj {
			return hi
		}
		return tradable[i].Volume24h.GreaterThan(tradable[j].Volume24h)
	})

	if max := e.cfg.Trading.MaxProducts; max > 0 && len(tradable) > max {
		tradable = tradable[:max]
	}
	return tradable, nil
}

// Stats is a point-in-time view for the ops API.
type Stats struct {
	StartedAt     time.Time
	Ticks         int64
	LastTickAt    time.Time
	Strategy      string
	Paper         bool
	Equity        decimal.Decimal
	OpenPositions int
	Drawdown      risk.Drawdown
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		StartedAt:     e.started,
		Ticks:         e.ticks,
		LastTickAt:    e.lastTik,
		Strategy:      e.strat.Name(),
		Paper:         e.cfg.Trading.PaperTradingMode,
		Equity:        e.lastVal.Equity,
		OpenPositions: len(e.lastVal.OpenProducts),
		Drawdown:      e.lastDD,
	}
}

// logSummary prints the realized performance of the session's trades.
func (e *Engine) logSummary() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	records, err := e.store.ListTradeRecords(ctx, 0)
	if err != nil {
		log.Printf("engine: trade summary: %v", err)
		return
	}
	if len(records) == 0 {
		log.Printf("engine: no closed trades this session")
		return
	}
	var wins int
	var net decimal.Decimal
	for _, r := range records {
		if r.NetPnL.Sign() > 0 {
			wins++
		}
		net = net.Add(r.NetPnL)
	}
	log.Printf("engine: %d trades, %d wins (%.1f%%), net pnl %s",
		len(records), wins, 100*float64(wins)/float64(len(records)), net.StringFixed(2))
}
