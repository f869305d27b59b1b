package order

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spot-trader/internal/events"
	"spot-trader/internal/risk"
	"spot-trader/pkg/config"
	"spot-trader/pkg/db"
	"spot-trader/pkg/exchanges/common"
	"spot-trader/pkg/money"
)

func dec(s string) decimal.Decimal { return money.MustParse(s) }

// fakeGateway scripts the exchange. Orders placed on it rest OPEN
// unless onPlace advances them; tests mutate states directly to
// simulate exchange-side transitions.
type fakeGateway struct {
	common.Gateway

	mu        sync.Mutex
	bid, ask  decimal.Decimal
	pressure  []common.MarketTrade
	preview   common.OrderPreview
	placed    []common.OrderRequest
	states    map[string]*common.OrderState // by exchange id
	byClient  map[string]string             // client id -> exchange id
	fills     map[string][]common.Fill      // by exchange id
	seq       int
	feeTier   *common.TransactionSummary
	onPlace   func(g *fakeGateway, req common.OrderRequest, exchangeID string)
	placeErr  func(req common.OrderRequest) error
	cancelErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		bid:      dec("9.99"),
		ask:      dec("10.00"),
		pressure: tape("60", "40"),
		preview:  common.OrderPreview{FeePct: dec("0.004"), SlippagePct: dec("0.001")},
		states:   make(map[string]*common.OrderState),
		byClient: make(map[string]string),
		fills:    make(map[string][]common.Fill),
	}
}

func tape(buy, sell string) []common.MarketTrade {
	return []common.MarketTrade{
		{Side: common.SideBuy, Size: dec(buy), Price: dec("10")},
		{Side: common.SideSell, Size: dec(sell), Price: dec("10")},
	}
}

func (g *fakeGateway) GetBestBidAsk(context.Context, []string) ([]common.BestBidAsk, error) {
	return []common.BestBidAsk{{ProductID: "ATOM-USD", Bid: g.bid, Ask: g.ask, Time: time.Now()}}, nil
}

func (g *fakeGateway) GetRecentTrades(context.Context, string, int) ([]common.MarketTrade, error) {
	return g.pressure, nil
}

func (g *fakeGateway) PreviewOrder(context.Context, common.OrderRequest) (*common.OrderPreview, error) {
	p := g.preview
	return &p, nil
}

func (g *fakeGateway) ListProducts(context.Context) ([]common.Product, error) {
	return []common.Product{atomProduct()}, nil
}

func (g *fakeGateway) PlaceOrder(_ context.Context, req common.OrderRequest) (*common.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.placeErr != nil {
		if err := g.placeErr(req); err != nil {
			return nil, err
		}
	}
	g.seq++
	exchID := fmt.Sprintf("ex-%d", g.seq)
	g.placed = append(g.placed, req)
	g.byClient[req.ClientID] = exchID
	g.states[exchID] = &common.OrderState{
		ExchangeID: exchID,
		ClientID:   req.ClientID,
		ProductID:  req.ProductID,
		Status:     common.StatusOpen,
	}
	if g.onPlace != nil {
		g.onPlace(g, req, exchID)
	}
	return &common.OrderResult{ExchangeID: exchID, ClientID: req.ClientID, Status: common.StatusOpen}, nil
}

func (g *fakeGateway) CancelOrder(_ context.Context, ref common.OrderRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	exchID := ref.ExchangeID
	if exchID == "" {
		exchID = g.byClient[ref.ClientID]
	}
	st, ok := g.states[exchID]
	if !ok {
		return common.NewAPIError(common.KindNotFound, "cancel", "unknown order")
	}
	if !st.Status.Terminal() {
		st.Status = common.StatusCancelled
	}
	return nil
}

func (g *fakeGateway) GetOrder(_ context.Context, exchangeID string) (*common.OrderState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[exchangeID]
	if !ok {
		return nil, common.NewAPIError(common.KindNotFound, "get order", "unknown order")
	}
	cp := *st
	return &cp, nil
}

func (g *fakeGateway) GetTransactionSummary(context.Context) (*common.TransactionSummary, error) {
	if g.feeTier != nil {
		return g.feeTier, nil
	}
	return &common.TransactionSummary{
		FeeTier:      "Advanced 1",
		MakerFeeRate: dec("0.006"),
		TakerFeeRate: dec("0.008"),
	}, nil
}

func (g *fakeGateway) GetFills(_ context.Context, q common.FillQuery) ([]common.Fill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fills[q.ExchangeID], nil
}

// fillNow marks an exchange order filled and synthesizes one fill.
func (g *fakeGateway) fillNow(exchID string, price, size decimal.Decimal) {
	st := g.states[exchID]
	st.Status = common.StatusFilled
	st.FilledSize = size
	st.AvgPrice = price
	g.fills[exchID] = append(g.fills[exchID], common.Fill{
		FillID:     uuid.NewString(),
		ExchangeID: exchID,
		ClientID:   st.ClientID,
		ProductID:  st.ProductID,
		Side:       common.SideBuy,
		Price:      price,
		Size:       size,
		Fee:        dec("0.10"),
		Liquidity:  common.LiquidityMaker,
		Time:       time.Now(),
	})
}

func atomProduct() common.Product {
	return common.Product{
		ID:             "ATOM-USD",
		Base:           "ATOM",
		Quote:          "USD",
		BaseIncrement:  money.MustParse("0.01"),
		QuoteIncrement: money.MustParse("0.01"),
		MinBase:        money.MustParse("0.01"),
		MinQuote:       money.MustParse("1"),
	}
}

func testConfig() Config {
	return Config{
		FillTimeout:          40 * time.Millisecond,
		SellFillTimeout:      40 * time.Millisecond,
		PollInterval:         5 * time.Millisecond,
		CancelVerifyDeadline: 30 * time.Millisecond,
		CancelVerifyAttempts: 3,
		BracketRetries:       2,
		OrderMaxAge:          300 * time.Second,
		MinFillFraction:      decimal.NewFromInt(1),
		MaxSpreadPct:         dec("0.005"),
		MinBuyPressure:       0.45,
		MaxFeePct:            dec("0.01"),
		MaxSlippagePct:       dec("0.005"),
		StopLossPct:          dec("0.015"),
		TakeProfitPct:        dec("0.03"),
	}
}

func newTestManager(t *testing.T, gw common.Gateway) (*Manager, *db.Store, *events.Bus) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "trader.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	store := db.NewStore(database)
	bus := events.NewBus()
	m := NewManager(gw, store, bus, risk.NewInMemory(config.Default().Risk), testConfig())
	return m, store, bus
}

func buyInput() BuyInput {
	return BuyInput{Product: atomProduct(), Strategy: "momentum", Equity: dec("10000")}
}

func TestBuyRejectsWideSpread(t *testing.T) {
	gw := newFakeGateway()
	gw.bid = dec("9.50") // spread ~5%
	m, _, _ := newTestManager(t, gw)

	_, err := m.Buy(context.Background(), buyInput())
	require.ErrorIs(t, err, ErrSpreadTooWide)
	assert.Empty(t, gw.placed)
}

func TestBuyRejectsWeakPressure(t *testing.T) {
	gw := newFakeGateway()
	gw.pressure = tape("30", "70")
	m, _, _ := newTestManager(t, gw)

	_, err := m.Buy(context.Background(), buyInput())
	require.ErrorIs(t, err, ErrWeakPressure)
}

func TestBuyRejectsCostlyPreview(t *testing.T) {
	gw := newFakeGateway()
	gw.preview.SlippagePct = dec("0.02")
	m, _, _ := newTestManager(t, gw)

	_, err := m.Buy(context.Background(), buyInput())
	require.ErrorIs(t, err, ErrCostlyPreview)
	assert.Empty(t, gw.placed)
}

func TestBuyRejectsHighFeeTier(t *testing.T) {
	gw := newFakeGateway()
	gw.feeTier = &common.TransactionSummary{
		FeeTier:      "Intro",
		MakerFeeRate: dec("0.012"),
		TakerFeeRate: dec("0.014"),
	}
	m, _, _ := newTestManager(t, gw)

	_, err := m.Buy(context.Background(), buyInput())
	require.ErrorIs(t, err, ErrCostlyPreview)
	assert.Empty(t, gw.placed)
}

func TestBuyPersistsOrderBeforeSend(t *testing.T) {
	gw := newFakeGateway()
	m, store, _ := newTestManager(t, gw)

	gw.onPlace = func(g *fakeGateway, req common.OrderRequest, exchID string) {
		if req.Kind != common.KindLimitGTCPostOnly || req.Side != common.SideBuy {
			return
		}
		row, err := store.GetOrder(context.Background(), req.ClientID)
		require.NoError(t, err, "order must exist in store before the exchange sees it")
		assert.Equal(t, db.StatusSubmitted, row.Status)
		g.fillNow(exchID, req.LimitPrice, req.BaseSize)
	}

	_, err := m.Buy(context.Background(), buyInput())
	require.NoError(t, err)
}

func TestBuyOpensPositionAndInstallsBrackets(t *testing.T) {
	gw := newFakeGateway()
	m, store, _ := newTestManager(t, gw)

	gw.onPlace = func(g *fakeGateway, req common.OrderRequest, exchID string) {
		if req.Side == common.SideBuy {
			g.fillNow(exchID, req.LimitPrice, req.BaseSize)
		}
	}

	pos, err := m.Buy(context.Background(), buyInput())
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.False(t, pos.Unprotected)
	assert.NotEmpty(t, pos.StopOrderID)
	assert.NotEmpty(t, pos.TakeProfitOrderID)

	// Entry plus two bracket sells.
	require.Len(t, gw.placed, 3)
	assert.Equal(t, common.KindLimitGTCPostOnly, gw.placed[0].Kind)
	// Entry rests one tick inside the 10.00 ask.
	assert.True(t, gw.placed[0].LimitPrice.Equal(dec("9.99")), "got %s", gw.placed[0].LimitPrice)
	assert.Equal(t, common.KindStopLimit, gw.placed[1].Kind)
	assert.Equal(t, common.SideSell, gw.placed[1].Side)
	assert.Equal(t, common.SideSell, gw.placed[2].Side)
	// Stop below entry, take-profit above.
	assert.True(t, gw.placed[1].StopPrice.LessThan(dec("9.99")))
	assert.True(t, gw.placed[2].LimitPrice.GreaterThan(dec("9.99")))

	stored, err := store.GetOpenPosition(context.Background(), "ATOM-USD")
	require.NoError(t, err)
	assert.Equal(t, pos.ID, stored.ID)
	assert.Equal(t, "momentum", stored.Strategy)

	entry, err := store.GetOrder(context.Background(), gw.placed[0].ClientID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFilled, entry.Status)

	fills, err := store.ListPositionFills(context.Background(), pos.ID, db.LegEntry)
	require.NoError(t, err)
	require.Len(t, fills, 1)
}

func TestBuyTimeoutCancelsOrder(t *testing.T) {
	gw := newFakeGateway()
	m, store, _ := newTestManager(t, gw)

	_, err := m.Buy(context.Background(), buyInput())
	require.ErrorIs(t, err, ErrFillTimeout)

	row, err := store.GetOrder(context.Background(), gw.placed[0].ClientID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, row.Status)

	_, err = store.GetOpenPosition(context.Background(), "ATOM-USD")
	require.ErrorIs(t, err, db.ErrNotFound)
}

func TestBuyUnverifiedCancelLeavesCancellingForReconciler(t *testing.T) {
	gw := newFakeGateway()
	gw.cancelErr = common.NewAPIError(common.KindTransient, "cancel", "exchange degraded")
	m, store, bus := newTestManager(t, gw)

	alerts, unsub := bus.Subscribe(events.EventRiskAlert, 4)
	defer unsub()

	_, err := m.Buy(context.Background(), buyInput())
	require.ErrorIs(t, err, ErrCancelUnproven)

	clientID := gw.placed[0].ClientID
	row, err := store.GetOrder(context.Background(), clientID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCancelling, row.Status)

	select {
	case msg := <-alerts:
		assert.Equal(t, "critical", msg.(events.RiskAlert).Kind)
	default:
		t.Fatal("expected a critical alert")
	}

	// The exchange recovers; the next sweep finishes the cancellation.
	gw.cancelErr = nil
	require.NoError(t, m.Reconcile(context.Background()))
	row, err = store.GetOrder(context.Background(), clientID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, row.Status)
}

func TestBuyBracketFailureMarksUnprotected(t *testing.T) {
	gw := newFakeGateway()
	m, store, bus := newTestManager(t, gw)

	alerts, unsub := bus.Subscribe(events.EventRiskAlert, 4)
	defer unsub()

	gw.onPlace = func(g *fakeGateway, req common.OrderRequest, exchID string) {
		if req.Side == common.SideBuy {
			g.fillNow(exchID, req.LimitPrice, req.BaseSize)
		}
	}
	gw.placeErr = func(req common.OrderRequest) error {
		if req.Side == common.SideSell {
			return common.NewAPIError(common.KindInvalidRequest, "place", "brackets rejected")
		}
		return nil
	}

	pos, err := m.Buy(context.Background(), buyInput())
	require.NoError(t, err)
	assert.True(t, pos.Unprotected)

	stored, err := store.GetOpenPosition(context.Background(), "ATOM-USD")
	require.NoError(t, err)
	assert.True(t, stored.Unprotected)

	select {
	case msg := <-alerts:
		assert.Contains(t, msg.(events.RiskAlert).Message, "unprotected")
	default:
		t.Fatal("expected a critical alert")
	}
}

// seedPosition opens a protected position directly through the manager.
func seedPosition(t *testing.T, m *Manager, gw *fakeGateway, store *db.Store) db.Position {
	t.Helper()
	gw.onPlace = func(g *fakeGateway, req common.OrderRequest, exchID string) {
		if req.Side == common.SideBuy {
			g.fillNow(exchID, req.LimitPrice, req.BaseSize)
		}
	}
	_, err := m.Buy(context.Background(), buyInput())
	require.NoError(t, err)
	gw.onPlace = nil
	stored, err := store.GetOpenPosition(context.Background(), "ATOM-USD")
	require.NoError(t, err)
	return *stored
}

func TestSellCancelsBracketsAndClosesPosition(t *testing.T) {
	gw := newFakeGateway()
	m, store, _ := newTestManager(t, gw)
	pos := seedPosition(t, m, gw, store)

	// Market sells fill immediately at the bid.
	gw.onPlace = func(g *fakeGateway, req common.OrderRequest, exchID string) {
		if req.Kind == common.KindMarket {
			st := g.states[exchID]
			st.Status = common.StatusFilled
			st.FilledSize = req.BaseSize
			st.AvgPrice = g.bid
			g.fills[exchID] = append(g.fills[exchID], common.Fill{
				FillID:     uuid.NewString(),
				ExchangeID: exchID,
				ClientID:   req.ClientID,
				ProductID:  req.ProductID,
				Side:       common.SideSell,
				Price:      g.bid,
				Size:       req.BaseSize,
				Fee:        dec("0.20"),
				Liquidity:  common.LiquidityTaker,
				Time:       time.Now(),
			})
		}
	}

	rec, err := m.Sell(context.Background(), pos, ReasonProfitExit)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, ReasonProfitExit, rec.ExitReason)

	_, err = store.GetOpenPosition(context.Background(), "ATOM-USD")
	require.ErrorIs(t, err, db.ErrNotFound)

	// Both brackets ended terminal on the exchange.
	for _, id := range []string{pos.StopOrderID, pos.TakeProfitOrderID} {
		row, err := store.GetOrder(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, db.IsTerminalStatus(row.Status), "bracket %s left %s", id, row.Status)
	}
}

func TestSellDefersToAlreadyFilledStop(t *testing.T) {
	gw := newFakeGateway()
	m, store, _ := newTestManager(t, gw)
	pos := seedPosition(t, m, gw, store)

	// The stop filled on the exchange before the sell decision landed.
	stopRow, err := store.GetOrder(context.Background(), pos.StopOrderID)
	require.NoError(t, err)
	gw.mu.Lock()
	st := gw.states[stopRow.ExchangeID]
	st.Status = common.StatusFilled
	st.FilledSize = stopRow.RequestedSize
	st.AvgPrice = stopRow.LimitPrice
	gw.fills[stopRow.ExchangeID] = []common.Fill{{
		FillID:     uuid.NewString(),
		ExchangeID: stopRow.ExchangeID,
		ClientID:   stopRow.ClientID,
		ProductID:  "ATOM-USD",
		Side:       common.SideSell,
		Price:      stopRow.LimitPrice,
		Size:       stopRow.RequestedSize,
		Fee:        dec("0.20"),
		Liquidity:  common.LiquidityTaker,
		Time:       time.Now(),
	}}
	gw.mu.Unlock()

	marketSells := 0
	gw.onPlace = func(g *fakeGateway, req common.OrderRequest, exchID string) {
		if req.Kind == common.KindMarket {
			marketSells++
		}
	}

	_, err = m.Sell(context.Background(), pos, ReasonLossExit)
	require.NoError(t, err)
	assert.Zero(t, marketSells, "no duplicate sell when the stop already filled")

	_, err = store.GetOpenPosition(context.Background(), "ATOM-USD")
	require.ErrorIs(t, err, db.ErrNotFound)

	recs, err := store.ListTradeRecords(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ReasonStopTriggered, recs[0].ExitReason)
}

func TestReconcilerAdoptsEntryFillAfterRestart(t *testing.T) {
	gw := newFakeGateway()
	m, store, _ := newTestManager(t, gw)
	ctx := context.Background()

	// An entry was acked, then the process died; the exchange filled it.
	req := common.OrderRequest{
		ClientID:   uuid.NewString(),
		ProductID:  "ATOM-USD",
		Side:       common.SideBuy,
		Kind:       common.KindLimitGTCPostOnly,
		BaseSize:   dec("50"),
		LimitPrice: dec("9.99"),
	}
	res, err := gw.PlaceOrder(ctx, req)
	require.NoError(t, err)
	require.NoError(t, store.UpsertOrder(ctx, db.Order{
		ClientID:       req.ClientID,
		ExchangeID:     res.ExchangeID,
		Product:        "ATOM-USD",
		Side:           db.SideBuy,
		Kind:           db.KindLimitGTCPostOnly,
		RequestedPrice: dec("9.99"),
		RequestedSize:  dec("50"),
		LimitPrice:     dec("9.99"),
		Status:         db.StatusOpen,
		Reason:         "breakout",
		SubmittedAt:    time.Now().UTC(),
	}))
	gw.mu.Lock()
	gw.fillNow(res.ExchangeID, dec("9.99"), dec("50"))
	gw.mu.Unlock()

	require.NoError(t, m.Reconcile(ctx))

	pos, err := store.GetOpenPosition(ctx, "ATOM-USD")
	require.NoError(t, err)
	assert.Equal(t, "breakout", pos.Strategy)
	assert.NotEmpty(t, pos.StopOrderID)
	assert.NotEmpty(t, pos.TakeProfitOrderID)

	row, err := store.GetOrder(ctx, req.ClientID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFilled, row.Status)
}

func TestReconcilerCancelsAgedOrders(t *testing.T) {
	gw := newFakeGateway()
	m, store, _ := newTestManager(t, gw)
	ctx := context.Background()

	req := common.OrderRequest{
		ClientID:   uuid.NewString(),
		ProductID:  "ATOM-USD",
		Side:       common.SideBuy,
		Kind:       common.KindLimitGTCPostOnly,
		BaseSize:   dec("50"),
		LimitPrice: dec("9.99"),
	}
	res, err := gw.PlaceOrder(ctx, req)
	require.NoError(t, err)
	require.NoError(t, store.UpsertOrder(ctx, db.Order{
		ClientID:      req.ClientID,
		ExchangeID:    res.ExchangeID,
		Product:       "ATOM-USD",
		Side:          db.SideBuy,
		Kind:          db.KindLimitGTCPostOnly,
		RequestedSize: dec("50"),
		Status:        db.StatusOpen,
		SubmittedAt:   time.Now().UTC().Add(-10 * time.Minute),
	}))

	require.NoError(t, m.Reconcile(ctx))

	row, err := store.GetOrder(ctx, req.ClientID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCancelled, row.Status)
}

func TestReconcilerIsIdempotent(t *testing.T) {
	gw := newFakeGateway()
	m, store, _ := newTestManager(t, gw)
	pos := seedPosition(t, m, gw, store)
	ctx := context.Background()

	snapshot := func() map[string]string {
		orders, err := store.ListOpenOrders(ctx)
		require.NoError(t, err)
		out := make(map[string]string, len(orders))
		for _, o := range orders {
			out[o.ClientID] = o.Status
		}
		p, err := store.GetOpenPosition(ctx, pos.Product)
		require.NoError(t, err)
		out["position"] = p.Status
		return out
	}

	require.NoError(t, m.Reconcile(ctx))
	first := snapshot()
	require.NoError(t, m.Reconcile(ctx))
	assert.Equal(t, first, snapshot())
}

func TestUserEventFastPathClosesOnStopFill(t *testing.T) {
	gw := newFakeGateway()
	m, store, _ := newTestManager(t, gw)
	pos := seedPosition(t, m, gw, store)
	ctx := context.Background()

	stopRow, err := store.GetOrder(ctx, pos.StopOrderID)
	require.NoError(t, err)
	gw.mu.Lock()
	st := gw.states[stopRow.ExchangeID]
	st.Status = common.StatusFilled
	st.FilledSize = stopRow.RequestedSize
	st.AvgPrice = stopRow.LimitPrice
	gw.fills[stopRow.ExchangeID] = []common.Fill{{
		FillID:     uuid.NewString(),
		ExchangeID: stopRow.ExchangeID,
		ClientID:   stopRow.ClientID,
		ProductID:  "ATOM-USD",
		Side:       common.SideSell,
		Price:      stopRow.LimitPrice,
		Size:       stopRow.RequestedSize,
		Fee:        dec("0.20"),
		Liquidity:  common.LiquidityTaker,
		Time:       time.Now(),
	}}
	gw.mu.Unlock()

	m.HandleOrderUpdate(ctx, common.OrderUpdate{
		ExchangeID:           stopRow.ExchangeID,
		ClientID:             stopRow.ClientID,
		ProductID:            "ATOM-USD",
		Status:               common.StatusFilled,
		CumulativeFilledSize: stopRow.RequestedSize,
		AvgPrice:             stopRow.LimitPrice,
		Time:                 time.Now(),
	})

	_, err = store.GetOpenPosition(ctx, "ATOM-USD")
	require.ErrorIs(t, err, db.ErrNotFound)

	recs, err := store.ListTradeRecords(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ReasonStopTriggered, recs[0].ExitReason)
}
