package convert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trader/pkg/exchanges/common"
	"spot-trader/pkg/money"
)

type stubGateway struct {
	common.Gateway
	balances  []common.Balance
	quoteErr  map[string]error
	committed []string
}

func (g *stubGateway) GetAccounts(context.Context) ([]common.Balance, error) {
	return g.balances, nil
}

func (g *stubGateway) CreateConvertQuote(_ context.Context, from, to string, amount decimal.Decimal) (*common.ConvertQuote, error) {
	if err := g.quoteErr[from]; err != nil {
		return nil, err
	}
	return &common.ConvertQuote{
		QuoteID:      "q-" + from,
		FromCurrency: from,
		ToCurrency:   to,
		FromAmount:   amount,
		ToAmount:     amount.Mul(money.MustParse("2")),
		ExpiresAt:    time.Now().Add(time.Minute),
	}, nil
}

func (g *stubGateway) CommitConvertTrade(_ context.Context, quoteID string) (*common.ConvertQuote, error) {
	g.committed = append(g.committed, quoteID)
	return &common.ConvertQuote{QuoteID: quoteID, ToAmount: money.MustParse("42")}, nil
}

type stubPrices map[string]string

func (p stubPrices) LastPrice(_ context.Context, productID string) (decimal.Decimal, error) {
	s, ok := p[productID]
	if !ok {
		return decimal.Zero, errors.New("no price")
	}
	return money.MustParse(s), nil
}

func bal(cur, avail string) common.Balance {
	return common.Balance{Currency: cur, Available: money.MustParse(avail)}
}

func TestPlanSkipsStablesTargetAndDust(t *testing.T) {
	gw := &stubGateway{balances: []common.Balance{
		bal("USD", "500"),
		bal("USDC", "120"),
		bal("BTC", "0.5"),
		bal("ATOM", "100"),
		bal("DOGE", "10"), // worth 1, below floor
		bal("ETH", "0"),
	}}
	prices := stubPrices{
		"BTC-USD":  "40000",
		"ATOM-USD": "7",
		"DOGE-USD": "0.1",
	}
	c := New(gw, prices, "USD", money.MustParse("10"))

	plan, err := c.Plan(context.Background(), "BTC", nil)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "ATOM", plan[0].Currency)
	assert.Equal(t, "700", plan[0].Value.String())
}

func TestPlanHonorsSourceFilterAndSortsByValue(t *testing.T) {
	gw := &stubGateway{balances: []common.Balance{
		bal("ATOM", "100"),
		bal("SOL", "10"),
		bal("NEAR", "50"),
	}}
	prices := stubPrices{
		"ATOM-USD": "7",
		"SOL-USD":  "150",
		"NEAR-USD": "4",
	}
	c := New(gw, prices, "USD", money.MustParse("10"))

	plan, err := c.Plan(context.Background(), "BTC", []string{"SOL", "NEAR"})
	require.NoError(t, err)
	require.Len(t, plan, 2)
	assert.Equal(t, "SOL", plan[0].Currency)
	assert.Equal(t, "NEAR", plan[1].Currency)
}

func TestPlanSkipsUnpricedHoldings(t *testing.T) {
	gw := &stubGateway{balances: []common.Balance{
		bal("ATOM", "100"),
		bal("XYZ", "1000"),
	}}
	c := New(gw, stubPrices{"ATOM-USD": "7"}, "USD", money.MustParse("10"))

	plan, err := c.Plan(context.Background(), "BTC", nil)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "ATOM", plan[0].Currency)
}

func TestExecuteCommitsQuotesAndReportsFailures(t *testing.T) {
	gw := &stubGateway{quoteErr: map[string]error{"SOL": errors.New("listing suspended")}}
	c := New(gw, stubPrices{}, "USD", money.MustParse("10"))

	plan := []Holding{
		{Currency: "ATOM", Amount: money.MustParse("100"), Value: money.MustParse("700")},
		{Currency: "SOL", Amount: money.MustParse("10"), Value: money.MustParse("1500")},
	}
	results := c.Execute(context.Background(), "BTC", plan)
	require.Len(t, results, 2)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, "q-ATOM", results[0].QuoteID)
	assert.Equal(t, "42", results[0].Received.String())

	require.Error(t, results[1].Err)
	assert.Equal(t, []string{"q-ATOM"}, gw.committed)
}
