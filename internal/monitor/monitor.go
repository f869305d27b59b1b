// Package monitor sweeps open positions each cycle and decides, from
// fresh cost basis, the latest price, and a fresh strategy signal,
// whether a position should be exited ahead of its brackets. It never
// places orders itself; exits go through the order manager.
package monitor

import (
	"context"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"spot-trader/internal/events"
	"spot-trader/internal/order"
	"spot-trader/internal/strategy"
	"spot-trader/pkg/config"
	"spot-trader/pkg/db"
	"spot-trader/pkg/money"
)

// Exiter closes a position through the full exit path.
type Exiter interface {
	Sell(ctx context.Context, pos db.Position, reason string) (*db.TradeRecord, error)
}

// PriceSource yields the freshest known price for a product.
type PriceSource interface {
	LastPrice(ctx context.Context, productID string) (decimal.Decimal, error)
}

// Signaler produces a fresh signal for a product, through the same
// candle pipeline the entry path uses.
type Signaler interface {
	Signal(ctx context.Context, productID string) (strategy.Signal, error)
}

// Monitor evaluates open positions against the exit decision table.
type Monitor struct {
	store   *db.Store
	prices  PriceSource
	signals Signaler
	exits   Exiter
	bus     *events.Bus
	cfg     config.ExitConfig
}

func New(store *db.Store, prices PriceSource, signals Signaler, exits Exiter, bus *events.Bus, cfg config.ExitConfig) *Monitor {
	return &Monitor{store: store, prices: prices, signals: signals, exits: exits, bus: bus, cfg: cfg}
}

// Sweep evaluates every open position once. Per-position failures are
// logged and do not stop the sweep; the first one is returned.
func (m *Monitor) Sweep(ctx context.Context) error {
	positions, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, pos := range positions {
		if err := m.check(ctx, pos); err != nil {
			log.Printf("monitor: %s on %s: %v", pos.ID, pos.Product, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

type verdict int

const (
	verdictNone verdict = iota
	verdictProfitExit
	verdictProfitHold
	verdictLossExit
	verdictLossWarn
)

func (m *Monitor) check(ctx context.Context, pos db.Position) error {
	if pos.Unprotected {
		msg := fmt.Sprintf("position %s on %s has no brackets", pos.ID, pos.Product)
		log.Printf("monitor: %s", msg)
		m.bus.Publish(events.EventRiskAlert, events.RiskAlert{Kind: "unprotected", Message: msg})
	}

	// Cost basis is re-aggregated from the entry fills every cycle;
	// partial fills and fees shift it between sweeps.
	fills, err := m.store.ListPositionFills(ctx, pos.ID, db.LegEntry)
	if err != nil {
		return err
	}
	basis := db.CostBasis(fills)
	if basis.Sign() <= 0 {
		return fmt.Errorf("no entry fills recorded")
	}

	last, err := m.prices.LastPrice(ctx, pos.Product)
	if err != nil {
		return err
	}
	pnl := money.PnLPct(last, basis)

	sig, err := m.signals.Signal(ctx, pos.Product)
	if err != nil {
		return err
	}

	switch m.decide(pnl, sig) {
	case verdictProfitExit:
		log.Printf("monitor: exiting %s on %s: pnl %s%% at target with %s signal",
			pos.ID, pos.Product, pctStr(pnl), sig.Action)
		_, err := m.exits.Sell(ctx, pos, order.ReasonProfitExit)
		return err

	case verdictProfitHold:
		log.Printf("monitor: [PROFIT HOLD] %s on %s: pnl %s%%, %s(%.2f) lets the winner run",
			pos.ID, pos.Product, pctStr(pnl), sig.Action, sig.Confidence)
		return nil

	case verdictLossExit:
		log.Printf("monitor: exiting %s on %s: pnl %s%% with %s(%.2f)",
			pos.ID, pos.Product, pctStr(pnl), sig.Action, sig.Confidence)
		_, err := m.exits.Sell(ctx, pos, order.ReasonLossExit)
		return err

	case verdictLossWarn:
		log.Printf("monitor: [LOSS WARNING] %s on %s: pnl %s%%, signal %s(%.2f) not confident enough to cut",
			pos.ID, pos.Product, pctStr(pnl), sig.Action, sig.Confidence)
		return nil
	}
	return nil
}

// decide applies the signal-confirmed exit table. Brackets stay in
// force for everything between the profit and loss thresholds.
func (m *Monitor) decide(pnl decimal.Decimal, sig strategy.Signal) verdict {
	switch {
	case pnl.GreaterThanOrEqual(m.cfg.ProfitExitPct):
		if sig.Action == strategy.ActionBuy {
			return verdictProfitHold
		}
		return verdictProfitExit

	case pnl.LessThanOrEqual(m.cfg.LossExitPct):
		if sig.Action == strategy.ActionSell && sig.Confidence >= m.cfg.LossExitConfidence {
			return verdictLossExit
		}
		return verdictLossWarn
	}
	return verdictNone
}

func pctStr(p decimal.Decimal) string {
	return p.Mul(decimal.NewFromInt(100)).StringFixed(2)
}
