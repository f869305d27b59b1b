package paper

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trader/pkg/exchanges/common"
)

type stubMarket struct {
	bid decimal.Decimal
	ask decimal.Decimal
}

func (s *stubMarket) GetAccounts(ctx context.Context) ([]common.Balance, error) { return nil, nil }
func (s *stubMarket) ListProducts(ctx context.Context) ([]common.Product, error) {
	return nil, nil
}
func (s *stubMarket) GetCandles(ctx context.Context, productID, granularity string, start, end time.Time, limit int) ([]common.Candle, error) {
	return nil, nil
}
func (s *stubMarket) GetBestBidAsk(ctx context.Context, productIDs []string) ([]common.BestBidAsk, error) {
	out := make([]common.BestBidAsk, 0, len(productIDs))
	for _, id := range productIDs {
		out = append(out, common.BestBidAsk{ProductID: id, Bid: s.bid, Ask: s.ask, Time: time.Now()})
	}
	return out, nil
}
func (s *stubMarket) GetRecentTrades(ctx context.Context, productID string, n int) ([]common.MarketTrade, error) {
	return nil, nil
}
func (s *stubMarket) PreviewOrder(ctx context.Context, req common.OrderRequest) (*common.OrderPreview, error) {
	return &common.OrderPreview{}, nil
}
func (s *stubMarket) PlaceOrder(ctx context.Context, req common.OrderRequest) (*common.OrderResult, error) {
	panic("paper gateway must not forward orders")
}
func (s *stubMarket) CancelOrder(ctx context.Context, ref common.OrderRef) error {
	panic("paper gateway must not forward cancels")
}
func (s *stubMarket) GetOrder(ctx context.Context, exchangeID string) (*common.OrderState, error) {
	return nil, common.NewAPIError(common.KindNotFound, "stub", "not found")
}
func (s *stubMarket) GetFills(ctx context.Context, q common.FillQuery) ([]common.Fill, error) {
	return nil, nil
}
func (s *stubMarket) GetTransactionSummary(ctx context.Context) (*common.TransactionSummary, error) {
	return &common.TransactionSummary{}, nil
}
func (s *stubMarket) CheckPermissions(ctx context.Context) error { return nil }
func (s *stubMarket) CreateConvertQuote(ctx context.Context, from, to string, amount decimal.Decimal) (*common.ConvertQuote, error) {
	return nil, nil
}
func (s *stubMarket) CommitConvertTrade(ctx context.Context, quoteID string) (*common.ConvertQuote, error) {
	return nil, nil
}

func newTestGateway() *Gateway {
	opts := DefaultOptions()
	opts.FillDelay = 5 * time.Millisecond
	market := &stubMarket{
		bid: decimal.RequireFromString("99.9"),
		ask: decimal.RequireFromString("100.1"),
	}
	return New(market, opts)
}

func TestLimitOrderFillsAndMovesBalances(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()

	res, err := g.PlaceOrder(ctx, common.OrderRequest{
		ClientID:   "c-1",
		ProductID:  "ATOM-USD",
		Side:       common.SideBuy,
		Kind:       common.KindLimitGTCPostOnly,
		BaseSize:   decimal.RequireFromString("10"),
		LimitPrice: decimal.RequireFromString("100"),
	})
	require.NoError(t, err)
	assert.Equal(t, common.StatusOpen, res.Status)

	require.Eventually(t, func() bool {
		st, err := g.GetOrder(ctx, res.ExchangeID)
		return err == nil && st.Status == common.StatusFilled
	}, time.Second, 2*time.Millisecond)

	balances, err := g.GetAccounts(ctx)
	require.NoError(t, err)
	byCur := map[string]decimal.Decimal{}
	for _, b := range balances {
		byCur[b.Currency] = b.Available
	}
	// 10000 - 1000 notional - 6 fee
	assert.True(t, byCur["USD"].Equal(decimal.RequireFromString("8994")), "got %s", byCur["USD"])
	assert.True(t, byCur["ATOM"].Equal(decimal.RequireFromString("10")))

	fills, err := g.GetFills(ctx, common.FillQuery{ExchangeID: res.ExchangeID})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, common.LiquidityMaker, fills[0].Liquidity)
}

func TestMarketOrderFillsAtTopOfBook(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()

	res, err := g.PlaceOrder(ctx, common.OrderRequest{
		ClientID:  "c-2",
		ProductID: "ATOM-USD",
		Side:      common.SideSell,
		Kind:      common.KindMarket,
		BaseSize:  decimal.RequireFromString("2"),
	})
	require.NoError(t, err)

	st, err := g.GetOrder(ctx, res.ExchangeID)
	require.NoError(t, err)
	assert.Equal(t, common.StatusFilled, st.Status)
	assert.True(t, st.AvgPrice.Equal(decimal.RequireFromString("99.9")))
}

func TestPlaceOrderIsIdempotentByClientID(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()

	req := common.OrderRequest{
		ClientID:   "c-3",
		ProductID:  "ATOM-USD",
		Side:       common.SideBuy,
		Kind:       common.KindStopLimit,
		BaseSize:   decimal.RequireFromString("1"),
		LimitPrice: decimal.RequireFromString("90"),
		StopPrice:  decimal.RequireFromString("91"),
	}
	first, err := g.PlaceOrder(ctx, req)
	require.NoError(t, err)
	second, err := g.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ExchangeID, second.ExchangeID)
}

func TestCancelRestingOrder(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()

	res, err := g.PlaceOrder(ctx, common.OrderRequest{
		ClientID:   "c-4",
		ProductID:  "ATOM-USD",
		Side:       common.SideSell,
		Kind:       common.KindBracket,
		BaseSize:   decimal.RequireFromString("1"),
		LimitPrice: decimal.RequireFromString("110"),
		StopPrice:  decimal.RequireFromString("95"),
	})
	require.NoError(t, err)

	require.NoError(t, g.CancelOrder(ctx, common.OrderRef{ClientID: "c-4"}))
	st, err := g.GetOrder(ctx, res.ExchangeID)
	require.NoError(t, err)
	assert.Equal(t, common.StatusCancelled, st.Status)

	err = g.CancelOrder(ctx, common.OrderRef{ExchangeID: res.ExchangeID})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindInvalidRequest))
}

func TestOrderUpdatesFlowToStreamHandler(t *testing.T) {
	g := newTestGateway()
	ctx := context.Background()

	_, err := g.PlaceOrder(ctx, common.OrderRequest{
		ClientID:  "c-5",
		ProductID: "ATOM-USD",
		Side:      common.SideBuy,
		Kind:      common.KindMarket,
		BaseSize:  decimal.RequireFromString("1"),
	})
	require.NoError(t, err)

	select {
	case u := <-g.Updates():
		assert.Equal(t, "c-5", u.ClientID)
		assert.Equal(t, common.StatusFilled, u.Status)
	case <-time.After(time.Second):
		t.Fatal("no order update emitted")
	}
}
