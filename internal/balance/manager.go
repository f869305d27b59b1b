// Package balance values the portfolio in the quote currency. Equity is
// quote cash plus every open position marked at the freshest price; the
// risk gate and the drawdown breaker both run off this number.
package balance

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"spot-trader/pkg/db"
	"spot-trader/pkg/exchanges/common"
)

// PriceSource yields the freshest known price for a product.
type PriceSource interface {
	LastPrice(ctx context.Context, productID string) (decimal.Decimal, error)
}

// Valuation is one portfolio mark.
type Valuation struct {
	CashQuote      decimal.Decimal
	PositionsValue decimal.Decimal
	Equity         decimal.Decimal
	OpenProducts   []string
	Exposure       decimal.Decimal
	Time           time.Time
}

// Manager marks the portfolio to market.
type Manager struct {
	gw       common.Gateway
	store    *db.Store
	prices   PriceSource
	quoteCcy string
}

func NewManager(gw common.Gateway, store *db.Store, prices PriceSource, quoteCurrency string) *Manager {
	return &Manager{gw: gw, store: store, prices: prices, quoteCcy: quoteCurrency}
}

// Value computes equity from exchange accounts and open positions. Held
// base balances are marked at the last price; a product whose price
// cannot be read is valued at zero and logged rather than failing the
// whole valuation.
func (m *Manager) Value(ctx context.Context) (Valuation, error) {
	accounts, err := m.gw.GetAccounts(ctx)
	if err != nil {
		return Valuation{}, err
	}
	positions, err := m.store.ListOpenPositions(ctx)
	if err != nil {
		return Valuation{}, err
	}

	held := make(map[string]db.Position, len(positions))
	products := make([]string, 0, len(positions))
	for _, p := range positions {
		held[baseOf(p.Product)] = p
		products = append(products, p.Product)
	}

	v := Valuation{OpenProducts: products, Time: time.Now().UTC()}
	for _, acct := range accounts {
		total := acct.Available.Add(acct.Hold)
		if total.Sign() == 0 {
			continue
		}
		if acct.Currency == m.quoteCcy {
			v.CashQuote = v.CashQuote.Add(total)
			continue
		}
		pos, ok := held[acct.Currency]
		if !ok {
			continue
		}
		price, err := m.prices.LastPrice(ctx, pos.Product)
		if err != nil {
			log.Printf("balance: mark %s: %v", pos.Product, err)
			continue
		}
		v.PositionsValue = v.PositionsValue.Add(total.Mul(price))
	}
	v.Equity = v.CashQuote.Add(v.PositionsValue)
	v.Exposure = v.PositionsValue
	return v, nil
}

// Snapshot persists the valuation to the equity history.
func (m *Manager) Snapshot(ctx context.Context, v Valuation) error {
	return m.store.SnapshotEquity(ctx, db.EquitySnapshot{
		Time:           v.Time,
		CashQuote:      v.CashQuote,
		PositionsValue: v.PositionsValue,
		Total:          v.Equity,
		OpenPositions:  len(v.OpenProducts),
	})
}

func baseOf(productID string) string {
	for i := 0; i < len(productID); i++ {
		if productID[i] == '-' {
			return productID[:i]
		}
	}
	return productID
}
