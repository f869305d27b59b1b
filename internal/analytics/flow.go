// Package analytics derives trade-tape and fill aggregates the entry
// gate and position monitor consume: volume-flow pressure and the
// fee-inclusive cost basis.
package analytics

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"spot-trader/pkg/db"
	"spot-trader/pkg/exchanges/common"
)

// DefaultLookback is the trade count volume flow inspects when the
// caller does not choose one.
const DefaultLookback = 100

// Pressure buckets the buy share of recent aggressor volume.
type Pressure string

const (
	PressureStrongBuy    Pressure = "strong_buy"
	PressureModerateBuy  Pressure = "moderate_buy"
	PressureNeutral      Pressure = "neutral"
	PressureModerateSell Pressure = "moderate_sell"
	PressureStrongSell   Pressure = "strong_sell"
)

// Flow summarizes the recent trade tape for one product.
type Flow struct {
	BuyVolume   decimal.Decimal
	SellVolume  decimal.Decimal
	BuyPressure float64 // buy volume share, 0..1
	Net         Pressure
}

// TradeSource is the slice of the gateway volume flow needs.
type TradeSource interface {
	GetRecentTrades(ctx context.Context, productID string, n int) ([]common.MarketTrade, error)
}

// FillSource is the slice of the store cost basis needs.
type FillSource interface {
	ListBuyFills(ctx context.Context, product string) ([]db.Fill, error)
}

// VolumeFlow classifies the last lookback trades by aggressor side.
// An empty tape reads as neutral at pressure 0.5 rather than an error;
// thin products should not fail the entry gate outright.
func VolumeFlow(ctx context.Context, src TradeSource, productID string, lookback int) (Flow, error) {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	trades, err := src.GetRecentTrades(ctx, productID, lookback)
	if err != nil {
		return Flow{}, fmt.Errorf("volume flow %s: %w", productID, err)
	}

	var buy, sell decimal.Decimal
	for _, t := range trades {
		switch t.Side {
		case common.SideBuy:
			buy = buy.Add(t.Size)
		case common.SideSell:
			sell = sell.Add(t.Size)
		}
	}

	total := buy.Add(sell)
	pressure := 0.5
	if total.Sign() > 0 {
		pressure = buy.Div(total).InexactFloat64()
	}

	return Flow{
		BuyVolume:   buy,
		SellVolume:  sell,
		BuyPressure: pressure,
		Net:         classify(pressure),
	}, nil
}

func classify(p float64) Pressure {
	switch {
	case p >= 0.60:
		return PressureStrongBuy
	case p >= 0.52:
		return PressureModerateBuy
	case p > 0.48:
		return PressureNeutral
	case p <= 0.40:
		return PressureStrongSell
	default:
		return PressureModerateSell
	}
}

// CostBasis returns the fee-inclusive average entry price over the
// product's buy fills not yet matched to a closed position. Zero when
// no such fills exist.
func CostBasis(ctx context.Context, src FillSource, product string) (decimal.Decimal, error) {
	fills, err := src.ListBuyFills(ctx, product)
	if err != nil {
		return decimal.Zero, fmt.Errorf("cost basis %s: %w", product, err)
	}
	return db.CostBasis(fills), nil
}
