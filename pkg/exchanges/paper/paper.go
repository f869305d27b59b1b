package paper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spot-trader/pkg/exchanges/common"
)

// Options tunes the simulation.
type Options struct {
	InitialBalance decimal.Decimal
	QuoteCurrency  string
	FeeRate        decimal.Decimal // fraction, e.g. 0.006
	FillDelay      time.Duration   // how long a resting limit order waits before filling
}

// DefaultOptions funds the paper account with 10000 quote units and charges
// a flat 60 bps fee on every fill.
func DefaultOptions() Options {
	return Options{
		InitialBalance: decimal.NewFromInt(10000),
		QuoteCurrency:  "USD",
		FeeRate:        decimal.RequireFromString("0.006"),
		FillDelay:      500 * time.Millisecond,
	}
}

type simOrder struct {
	req     common.OrderRequest
	state   common.OrderState
	created time.Time
}

// Gateway simulates the order plane against live market data. Market-data
// reads delegate to the wrapped real gateway; balances, fee tier, orders
// and fills are simulated, and mutations never leave the process. Callers hold a common.Gateway and cannot tell the difference,
// which keeps simulation a single switch at construction time.
type Gateway struct {
	real common.Gateway
	opts Options

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	orders   map[string]*simOrder // keyed by exchange id
	byClient map[string]string    // client id -> exchange id
	fills    []common.Fill
	updates  chan common.OrderUpdate
}

// New wraps a real gateway in a simulated order plane.
func New(real common.Gateway, opts Options) *Gateway {
	if opts.QuoteCurrency == "" {
		opts.QuoteCurrency = "USD"
	}
	return &Gateway{
		real: real,
		opts: opts,
		balances: map[string]decimal.Decimal{
			opts.QuoteCurrency: opts.InitialBalance,
		},
		orders:   make(map[string]*simOrder),
		byClient: make(map[string]string),
		updates:  make(chan common.OrderUpdate, 256),
	}
}

// ----------------------------------------
// Read plane: market data delegates; fee tier and permissions are simulated.
// ----------------------------------------

func (g *Gateway) ListProducts(ctx context.Context) ([]common.Product, error) {
	return g.real.ListProducts(ctx)
}

func (g *Gateway) GetCandles(ctx context.Context, productID, granularity string, start, end time.Time, limit int) ([]common.Candle, error) {
	return g.real.GetCandles(ctx, productID, granularity, start, end, limit)
}

func (g *Gateway) GetBestBidAsk(ctx context.Context, productIDs []string) ([]common.BestBidAsk, error) {
	return g.real.GetBestBidAsk(ctx, productIDs)
}

func (g *Gateway) GetRecentTrades(ctx context.Context, productID string, n int) ([]common.MarketTrade, error) {
	return g.real.GetRecentTrades(ctx, productID, n)
}

func (g *Gateway) GetTransactionSummary(ctx context.Context) (*common.TransactionSummary, error) {
	return &common.TransactionSummary{
		FeeTier:      "simulated",
		MakerFeeRate: g.opts.FeeRate,
		TakerFeeRate: g.opts.FeeRate,
	}, nil
}

// CheckPermissions always succeeds: the simulation needs no API key scope.
func (g *Gateway) CheckPermissions(ctx context.Context) error { return nil }

// ----------------------------------------
// Account plane: simulated balances.
// ----------------------------------------

func (g *Gateway) GetAccounts(ctx context.Context) ([]common.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]common.Balance, 0, len(g.balances))
	for cur, avail := range g.balances {
		out = append(out, common.Balance{Currency: cur, Available: avail})
	}
	return out, nil
}

// ----------------------------------------
// Order plane: simulation.
// ----------------------------------------

func (g *Gateway) PreviewOrder(ctx context.Context, req common.OrderRequest) (*common.OrderPreview, error) {
	price := req.LimitPrice
	if price.IsZero() {
		p, err := g.markPrice(ctx, req.ProductID, req.Side)
		if err != nil {
			return nil, err
		}
		price = p
	}
	return &common.OrderPreview{
		QuoteValue:  price.Mul(req.BaseSize),
		FeePct:      g.opts.FeeRate,
		SlippagePct: decimal.Zero,
	}, nil
}

func (g *Gateway) PlaceOrder(ctx context.Context, req common.OrderRequest) (*common.OrderResult, error) {
	if req.ClientID == "" {
		return nil, common.NewAPIError(common.KindInvalidRequest, "paper.place_order", "missing client id")
	}

	g.mu.Lock()
	if id, ok := g.byClient[req.ClientID]; ok {
		o := g.orders[id]
		g.mu.Unlock()
		return &common.OrderResult{ExchangeID: id, ClientID: req.ClientID, Status: o.state.Status}, nil
	}

	exchangeID := uuid.NewString()
	o := &simOrder{
		req: req,
		state: common.OrderState{
			ExchangeID: exchangeID,
			ClientID:   req.ClientID,
			ProductID:  req.ProductID,
			Status:     common.StatusOpen,
		},
		created: time.Now(),
	}
	g.orders[exchangeID] = o
	g.byClient[req.ClientID] = exchangeID
	g.mu.Unlock()

	switch req.Kind {
	case common.KindMarket:
		price, err := g.markPrice(ctx, req.ProductID, req.Side)
		if err != nil {
			return nil, err
		}
		g.fill(exchangeID, price)
	case common.KindLimitGTCPostOnly:
		go g.fillAfterDelay(exchangeID, req.LimitPrice)
	default:
		// stop-limit and bracket orders rest until cancelled; exits in
		// simulation go through the market path.
	}

	return &common.OrderResult{ExchangeID: exchangeID, ClientID: req.ClientID, Status: common.StatusOpen}, nil
}

func (g *Gateway) fillAfterDelay(exchangeID string, price decimal.Decimal) {
	time.Sleep(g.opts.FillDelay)
	g.fill(exchangeID, price)
}

func (g *Gateway) fill(exchangeID string, price decimal.Decimal) {
	g.mu.Lock()
	o, ok := g.orders[exchangeID]
	if !ok || o.state.Status.Terminal() {
		g.mu.Unlock()
		return
	}

	size := o.req.BaseSize
	notional := price.Mul(size)
	fee := notional.Mul(g.opts.FeeRate)

	quote := g.opts.QuoteCurrency
	if o.req.Side == common.SideBuy {
		g.balances[quote] = g.balances[quote].Sub(notional).Sub(fee)
		base := baseCurrency(o.req.ProductID)
		g.balances[base] = g.balances[base].Add(size)
	} else {
		g.balances[quote] = g.balances[quote].Add(notional).Sub(fee)
		base := baseCurrency(o.req.ProductID)
		g.balances[base] = g.balances[base].Sub(size)
	}

	o.state.Status = common.StatusFilled
	o.state.FilledSize = size
	o.state.AvgPrice = price

	f := common.Fill{
		FillID:     uuid.NewString(),
		ExchangeID: exchangeID,
		ClientID:   o.req.ClientID,
		ProductID:  o.req.ProductID,
		Side:       o.req.Side,
		Price:      price,
		Size:       size,
		Fee:        fee,
		Liquidity:  liquidityFor(o.req.Kind),
		Time:       time.Now(),
	}
	g.fills = append(g.fills, f)

	update := common.OrderUpdate{
		ExchangeID:           exchangeID,
		ClientID:             o.req.ClientID,
		ProductID:            o.req.ProductID,
		Status:               common.StatusFilled,
		CumulativeFilledSize: size,
		AvgPrice:             price,
		Time:                 f.Time,
	}
	g.mu.Unlock()

	select {
	case g.updates <- update:
	default:
		log.Printf("paper: order update queue full, dropping %s", exchangeID)
	}
}

func (g *Gateway) CancelOrder(ctx context.Context, ref common.OrderRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	exchangeID := ref.ExchangeID
	if exchangeID == "" {
		id, ok := g.byClient[ref.ClientID]
		if !ok {
			return common.NewAPIError(common.KindNotFound, "paper.cancel_order", "unknown order")
		}
		exchangeID = id
	}
	o, ok := g.orders[exchangeID]
	if !ok {
		return common.NewAPIError(common.KindNotFound, "paper.cancel_order", "unknown order")
	}
	if o.state.Status.Terminal() {
		return common.NewAPIError(common.KindInvalidRequest, "paper.cancel_order",
			fmt.Sprintf("order already %s", o.state.Status))
	}
	o.state.Status = common.StatusCancelled
	return nil
}

func (g *Gateway) GetOrder(ctx context.Context, exchangeID string) (*common.OrderState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[exchangeID]
	if !ok {
		return nil, common.NewAPIError(common.KindNotFound, "paper.get_order", "unknown order")
	}
	st := o.state
	return &st, nil
}

func (g *Gateway) GetFills(ctx context.Context, q common.FillQuery) ([]common.Fill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []common.Fill
	for _, f := range g.fills {
		if q.ExchangeID != "" && f.ExchangeID != q.ExchangeID {
			continue
		}
		if q.ProductID != "" && f.ProductID != q.ProductID {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// ----------------------------------------
// Convert plane: simulated at mid price.
// ----------------------------------------

func (g *Gateway) CreateConvertQuote(ctx context.Context, from, to string, amount decimal.Decimal) (*common.ConvertQuote, error) {
	g.mu.Lock()
	avail := g.balances[from]
	g.mu.Unlock()
	if avail.LessThan(amount) {
		return nil, common.NewAPIError(common.KindInvalidRequest, "paper.convert_quote",
			fmt.Sprintf("insufficient %s balance", from))
	}
	return &common.ConvertQuote{
		QuoteID:      uuid.NewString(),
		FromCurrency: from,
		ToCurrency:   to,
		FromAmount:   amount,
		ToAmount:     amount,
		ExpiresAt:    time.Now().Add(10 * time.Minute),
	}, nil
}

func (g *Gateway) CommitConvertTrade(ctx context.Context, quoteID string) (*common.ConvertQuote, error) {
	return nil, common.NewAPIError(common.KindInvalidRequest, "paper.convert_commit",
		"conversions are not executed in simulation")
}

// Updates exposes the synthetic user-channel events for the paper stream.
func (g *Gateway) Updates() <-chan common.OrderUpdate { return g.updates }

func (g *Gateway) markPrice(ctx context.Context, productID string, side common.Side) (decimal.Decimal, error) {
	books, err := g.real.GetBestBidAsk(ctx, []string{productID})
	if err != nil {
		return decimal.Zero, err
	}
	if len(books) == 0 {
		return decimal.Zero, common.NewAPIError(common.KindNotFound, "paper.mark_price", "no book for "+productID)
	}
	if side == common.SideBuy {
		return books[0].Ask, nil
	}
	return books[0].Bid, nil
}

func baseCurrency(productID string) string {
	for i := 0; i < len(productID); i++ {
		if productID[i] == '-' {
			return productID[:i]
		}
	}
	return productID
}

func liquidityFor(kind common.OrderKind) string {
	if kind == common.KindLimitGTCPostOnly {
		return common.LiquidityMaker
	}
	return common.LiquidityTaker
}

var _ common.Gateway = (*Gateway)(nil)
