// Package risk gates entries on portfolio invariants: per-trade risk,
// total exposure, concurrent position count, and a drawdown circuit
// breaker that survives restarts through bot_state.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/shopspring/decimal"

	"spot-trader/pkg/config"
	"spot-trader/pkg/db"
	"spot-trader/pkg/exchanges/common"
	"spot-trader/pkg/money"
)

var (
	ErrSizeTooSmall     = errors.New("position size below product minimum")
	ErrPositionOpen     = errors.New("position already open for product")
	ErrTooManyPositions = errors.New("concurrent position cap reached")
	ErrExposureExceeded = errors.New("total exposure limit exceeded")
	ErrDrawdownHalt     = errors.New("drawdown halt active")
)

const (
	statePeakEquity   = "peak_equity"
	stateDrawdownHalt = "drawdown_halt"
)

// Snapshot is the portfolio view a decision is made against. Callers
// assemble it from the store and balances immediately before asking;
// the manager never fetches state on its own.
type Snapshot struct {
	Equity        decimal.Decimal
	OpenProducts  []string
	TotalExposure decimal.Decimal
}

// Drawdown reports peak tracking after an equity update.
type Drawdown struct {
	Peak    decimal.Decimal
	Current decimal.Decimal // 1 - equity/peak
	Halted  bool
}

// Manager makes entry admission and sizing decisions. Sizing and
// admission are pure over the snapshot; only the drawdown state is
// held across calls.
type Manager struct {
	cfg   config.RiskConfig
	store *db.Store

	mu     sync.Mutex
	peak   decimal.Decimal
	halted bool
}

// NewManager restores peak equity and the halt flag from bot_state so
// a restart cannot forget an active circuit breaker.
func NewManager(ctx context.Context, cfg config.RiskConfig, store *db.Store) (*Manager, error) {
	m := &Manager{cfg: cfg, store: store}

	peak, err := store.GetState(ctx, statePeakEquity)
	switch {
	case err == nil:
		if m.peak, err = money.Parse(peak); err != nil {
			return nil, fmt.Errorf("restore peak equity: %w", err)
		}
	case errors.Is(err, db.ErrNotFound):
	default:
		return nil, err
	}

	halt, err := store.GetState(ctx, stateDrawdownHalt)
	switch {
	case err == nil:
		m.halted = halt == "1"
	case errors.Is(err, db.ErrNotFound):
	default:
		return nil, err
	}

	log.Printf("risk: manager ready: peak=%s halted=%v max_dd=%s",
		m.peak, m.halted, cfg.MaxDrawdown)
	return m, nil
}

// NewInMemory builds a manager without persistence.
func NewInMemory(cfg config.RiskConfig) *Manager {
	return &Manager{cfg: cfg}
}

// PositionSize returns the base size for an entry: risk budget divided
// by stop distance, clamped by the per-position cap and the product's
// base increment. Sizes below the product minimums are rejected rather
// than rounded up.
func (m *Manager) PositionSize(equity, entry, stop decimal.Decimal, product common.Product) (decimal.Decimal, error) {
	if entry.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("entry price must be positive, got %s", entry)
	}
	dist := entry.Sub(stop).Abs()
	if dist.Sign() == 0 {
		return decimal.Zero, fmt.Errorf("stop equals entry %s, no risk distance", entry)
	}

	size := equity.Mul(m.cfg.RiskPerTrade).Div(dist)

	if cap := m.cfg.MaxPositionSize.Mul(equity).Div(entry); size.GreaterThan(cap) {
		size = cap
	}
	size = money.ClampToIncrement(size, product.BaseIncrement)

	if size.LessThan(product.MinBase) {
		return decimal.Zero, fmt.Errorf("%w: %s < min_base %s for %s",
			ErrSizeTooSmall, size, product.MinBase, product.ID)
	}
	if product.MinQuote.Sign() > 0 && size.Mul(entry).LessThan(product.MinQuote) {
		return decimal.Zero, fmt.Errorf("%w: %s quote value %s < min_quote %s for %s",
			ErrSizeTooSmall, size, size.Mul(entry), product.MinQuote, product.ID)
	}
	return size, nil
}

// CanOpen admits or rejects a prospective entry against the snapshot.
// The checks run in escalation order so the returned reason names the
// first violated invariant.
func (m *Manager) CanOpen(snap Snapshot, productID string, intendedQuote decimal.Decimal) error {
	m.mu.Lock()
	halted := m.halted
	m.mu.Unlock()
	if halted {
		return ErrDrawdownHalt
	}

	for _, p := range snap.OpenProducts {
		if p == productID {
			return fmt.Errorf("%w: %s", ErrPositionOpen, productID)
		}
	}
	if len(snap.OpenProducts) >= m.cfg.MaxConcurrent {
		return fmt.Errorf("%w: %d open, cap %d",
			ErrTooManyPositions, len(snap.OpenProducts), m.cfg.MaxConcurrent)
	}

	limit := m.cfg.MaxTotalExposure.Mul(snap.Equity)
	if snap.TotalExposure.Add(intendedQuote).GreaterThan(limit) {
		return fmt.Errorf("%w: %s + %s > %s",
			ErrExposureExceeded, snap.TotalExposure, intendedQuote, limit)
	}
	return nil
}

// UpdateDrawdown folds a fresh equity reading into peak tracking and
// flips the halt flag across the configured thresholds. Transitions
// persist immediately; a crash between snapshots keeps the last
// decision.
func (m *Manager) UpdateDrawdown(ctx context.Context, equity decimal.Decimal) (Drawdown, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if equity.GreaterThan(m.peak) {
		m.peak = equity
		if err := m.putState(ctx, statePeakEquity, m.peak.String()); err != nil {
			return Drawdown{}, err
		}
	}

	dd := decimal.Zero
	if m.peak.Sign() > 0 {
		dd = decimal.NewFromInt(1).Sub(equity.Div(m.peak))
	}

	switch {
	case !m.halted && dd.GreaterThanOrEqual(m.cfg.MaxDrawdown):
		m.halted = true
		log.Printf("risk: drawdown halt: equity=%s peak=%s dd=%s%%",
			equity, m.peak, dd.Mul(decimal.NewFromInt(100)).StringFixed(2))
		if err := m.putState(ctx, stateDrawdownHalt, "1"); err != nil {
			return Drawdown{}, err
		}
	case m.halted && equity.GreaterThanOrEqual(m.cfg.DrawdownRelease.Mul(m.peak)):
		m.halted = false
		log.Printf("risk: drawdown halt released: equity=%s peak=%s", equity, m.peak)
		if err := m.putState(ctx, stateDrawdownHalt, "0"); err != nil {
			return Drawdown{}, err
		}
	}

	return Drawdown{Peak: m.peak, Current: dd, Halted: m.halted}, nil
}

// Halted reports whether the drawdown circuit breaker is active.
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

func (m *Manager) putState(ctx context.Context, key, value string) error {
	if m.store == nil {
		return nil
	}
	return m.store.PutState(ctx, key, value)
}
