package market

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trader/pkg/exchanges/common"
)

type stubGateway struct {
	common.Gateway
	bookCalls int
	bid       decimal.Decimal
	ask       decimal.Decimal
	candles   []common.Candle
}

func (s *stubGateway) GetBestBidAsk(ctx context.Context, productIDs []string) ([]common.BestBidAsk, error) {
	s.bookCalls++
	return []common.BestBidAsk{{ProductID: productIDs[0], Bid: s.bid, Ask: s.ask, Time: time.Now()}}, nil
}

func (s *stubGateway) GetCandles(ctx context.Context, productID, granularity string, start, end time.Time, limit int) ([]common.Candle, error) {
	return s.candles, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLastPriceUsesFreshTick(t *testing.T) {
	gw := &stubGateway{bid: dec("99"), ask: dec("101")}
	svc := NewPriceService(gw, nil, 30*time.Second)

	svc.HandleTicker(common.Ticker{
		ProductID: "ATOM-USD",
		Price:     dec("100.5"),
		BestBid:   dec("100.4"),
		BestAsk:   dec("100.6"),
		Time:      time.Now(),
	})

	p, err := svc.LastPrice(context.Background(), "ATOM-USD")
	require.NoError(t, err)
	assert.True(t, p.Equal(dec("100.5")))
	assert.Equal(t, 0, gw.bookCalls)
}

func TestLastPriceFallsBackWhenStale(t *testing.T) {
	gw := &stubGateway{bid: dec("99"), ask: dec("101")}
	svc := NewPriceService(gw, nil, 30*time.Second)

	svc.HandleTicker(common.Ticker{
		ProductID: "ATOM-USD",
		Price:     dec("100.5"),
		Time:      time.Now().Add(-time.Minute),
	})

	p, err := svc.LastPrice(context.Background(), "ATOM-USD")
	require.NoError(t, err)
	assert.True(t, p.Equal(dec("100")), "expected mid of 99/101, got %s", p)
	assert.Equal(t, 1, gw.bookCalls)

	// The fallback refreshed the cache; the next read is served from it.
	_, err = svc.LastPrice(context.Background(), "ATOM-USD")
	require.NoError(t, err)
	assert.Equal(t, 1, gw.bookCalls)
}

func TestTopOfBookMissingProductHitsREST(t *testing.T) {
	gw := &stubGateway{bid: dec("10"), ask: dec("10.1")}
	svc := NewPriceService(gw, nil, 30*time.Second)

	bid, ask, err := svc.TopOfBook(context.Background(), "OSMO-USD")
	require.NoError(t, err)
	assert.True(t, bid.Equal(dec("10")))
	assert.True(t, ask.Equal(dec("10.1")))
	assert.Equal(t, 1, gw.bookCalls)
}

func TestHistoryDropsFormingBar(t *testing.T) {
	now := time.Now().Truncate(time.Hour)
	gw := &stubGateway{candles: []common.Candle{
		{StartTime: now.Add(-3 * time.Hour), Close: dec("1")},
		{StartTime: now.Add(-2 * time.Hour), Close: dec("2")},
		{StartTime: now.Add(-1 * time.Hour), Close: dec("3")},
		{StartTime: now, Close: dec("4")},
	}}
	svc := NewPriceService(gw, nil, 30*time.Second)

	candles, err := svc.History(context.Background(), "ATOM-USD", "ONE_HOUR", 3)
	require.NoError(t, err)
	require.Len(t, candles, 3)
	assert.True(t, candles[2].Close.Equal(dec("3")))
}

func TestGranularityDuration(t *testing.T) {
	d, err := GranularityDuration("FIVE_MINUTE")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)

	_, err = GranularityDuration("NINE_MINUTE")
	require.Error(t, err)
}
