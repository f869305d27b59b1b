// Package order owns the order lifecycle: entry placement with
// maker-rebate semantics, fill tracking, bracket installation, exits,
// and the reconciliation path that prevents ghost orders. Every order
// is written to the store before the exchange sees it.
package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spot-trader/internal/analytics"
	"spot-trader/internal/events"
	"spot-trader/internal/risk"
	"spot-trader/pkg/config"
	"spot-trader/pkg/db"
	"spot-trader/pkg/exchanges/common"
	"spot-trader/pkg/money"
)

// Exit reasons recorded on closed positions.
const (
	ReasonProfitExit    = "signal_profit_exit"
	ReasonLossExit      = "signal_loss_exit"
	ReasonStopTriggered = "stop_triggered"
	ReasonTPTriggered   = "tp_triggered"
	ReasonManual        = "manual"
)

var (
	ErrSpreadTooWide  = errors.New("spread above limit")
	ErrWeakPressure   = errors.New("buy pressure below minimum")
	ErrCostlyPreview  = errors.New("preview fee or slippage above limit")
	ErrFillTimeout    = errors.New("order not filled within timeout")
	ErrCancelUnproven = errors.New("cancellation could not be verified")
)

// Config bounds the lifecycle timings and pre-trade gates. Durations
// are fields rather than constants so tests can shrink them.
type Config struct {
	FillTimeout          time.Duration
	SellFillTimeout      time.Duration
	PollInterval         time.Duration
	CancelVerifyDeadline time.Duration
	CancelVerifyAttempts int
	BracketRetries       int
	OrderMaxAge          time.Duration
	MinFillFraction      decimal.Decimal
	MaxSpreadPct         decimal.Decimal
	MinBuyPressure       float64
	MaxFeePct            decimal.Decimal
	MaxSlippagePct       decimal.Decimal
	StopLossPct          decimal.Decimal
	TakeProfitPct        decimal.Decimal
}

// FromConfig maps the application configuration onto lifecycle bounds.
func FromConfig(c *config.Config) Config {
	return Config{
		FillTimeout:          time.Duration(c.Trading.FillTimeoutSeconds) * time.Second,
		SellFillTimeout:      10 * time.Second,
		PollInterval:         time.Second,
		CancelVerifyDeadline: 10 * time.Second,
		CancelVerifyAttempts: 3,
		BracketRetries:       3,
		OrderMaxAge:          time.Duration(c.Trading.OrderMaxAgeSeconds) * time.Second,
		MinFillFraction:      c.Trading.MinFillFraction,
		MaxSpreadPct:         c.Risk.MaxSpreadPct,
		MinBuyPressure:       c.Risk.MinBuyPressure,
		MaxFeePct:            c.Risk.MaxFeePct,
		MaxSlippagePct:       c.Risk.MaxSlippagePct,
		StopLossPct:          c.Risk.DefaultStopLoss,
		TakeProfitPct:        c.Risk.DefaultTakeProfit,
	}
}

// Manager runs the order lifecycle over one gateway and one store.
// All mutation for a product happens under that product's lock; the
// reconciler and the buy/sell paths never interleave on the same
// product.
type Manager struct {
	gw    common.Gateway
	store *db.Store
	bus   *events.Bus
	risk  *risk.Manager
	cfg   Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(gw common.Gateway, store *db.Store, bus *events.Bus, riskMgr *risk.Manager, cfg Config) *Manager {
	return &Manager{
		gw:    gw,
		store: store,
		bus:   bus,
		risk:  riskMgr,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) productLock(productID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[productID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[productID] = l
	}
	return l
}

// BuyInput is one admitted entry intent. The caller has already passed
// the portfolio-level risk gate; Buy applies the market-level gates.
type BuyInput struct {
	Product  common.Product
	Strategy string
	Equity   decimal.Decimal
}

// Buy runs the entry path: pre-trade gate, sizing, write-before-send
// submit, fill wait, and bracket installation. A nil position with a
// nil error never happens; gate rejections return typed errors.
func (m *Manager) Buy(ctx context.Context, in BuyInput) (*db.Position, error) {
	l := m.productLock(in.Product.ID)
	l.Lock()
	defer l.Unlock()

	book, err := m.topOfBook(ctx, in.Product.ID)
	if err != nil {
		return nil, err
	}
	if spread := money.SpreadPct(book.Bid, book.Ask); spread.GreaterThan(m.cfg.MaxSpreadPct) {
		return nil, fmt.Errorf("%w: %s > %s on %s",
			ErrSpreadTooWide, spread, m.cfg.MaxSpreadPct, in.Product.ID)
	}

	flow, err := analytics.VolumeFlow(ctx, m.gw, in.Product.ID, analytics.DefaultLookback)
	if err != nil {
		return nil, err
	}
	if flow.BuyPressure < m.cfg.MinBuyPressure {
		return nil, fmt.Errorf("%w: %.2f < %.2f on %s",
			ErrWeakPressure, flow.BuyPressure, m.cfg.MinBuyPressure, in.Product.ID)
	}

	// Fee-tier ceiling. A summary lookup failure does not block the
	// entry; the per-order preview below still bounds cost.
	if summary, err := m.gw.GetTransactionSummary(ctx); err != nil {
		log.Printf("order: fee tier lookup for %s: %v", in.Product.ID, err)
	} else if summary.MakerFeeRate.GreaterThan(m.cfg.MaxFeePct) {
		return nil, fmt.Errorf("%w: tier %s maker rate %s > %s",
			ErrCostlyPreview, summary.FeeTier, summary.MakerFeeRate, m.cfg.MaxFeePct)
	}

	// Rest one tick inside the ask so the order earns maker rebate
	// instead of crossing.
	entry := money.ClampToIncrement(book.Ask.Sub(in.Product.QuoteIncrement), in.Product.QuoteIncrement)
	if entry.Sign() <= 0 {
		return nil, fmt.Errorf("entry price %s not positive for %s", entry, in.Product.ID)
	}
	one := decimal.NewFromInt(1)
	stop := money.ClampToIncrement(entry.Mul(one.Sub(m.cfg.StopLossPct)), in.Product.QuoteIncrement)
	takeProfit := money.ClampToIncrement(entry.Mul(one.Add(m.cfg.TakeProfitPct)), in.Product.QuoteIncrement)

	size, err := m.risk.PositionSize(in.Equity, entry, stop, in.Product)
	if err != nil {
		return nil, err
	}

	req := common.OrderRequest{
		ClientID:   uuid.NewString(),
		ProductID:  in.Product.ID,
		Side:       common.SideBuy,
		Kind:       common.KindLimitGTCPostOnly,
		BaseSize:   size,
		LimitPrice: entry,
	}
	preview, err := m.gw.PreviewOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	if preview.FeePct.GreaterThan(m.cfg.MaxFeePct) || preview.SlippagePct.GreaterThan(m.cfg.MaxSlippagePct) {
		return nil, fmt.Errorf("%w: fee %s slippage %s on %s",
			ErrCostlyPreview, preview.FeePct, preview.SlippagePct, in.Product.ID)
	}

	// Reason carries the strategy tag on live entries so a restarted
	// reconciler can still attribute an adopted position; rejections
	// overwrite it with the failure cause.
	row := db.Order{
		ClientID:       req.ClientID,
		Product:        in.Product.ID,
		Side:           db.SideBuy,
		Kind:           db.KindLimitGTCPostOnly,
		RequestedPrice: entry,
		RequestedSize:  size,
		LimitPrice:     entry,
		Status:         db.StatusSubmitted,
		Reason:         in.Strategy,
		SubmittedAt:    time.Now().UTC(),
	}
	if err := m.store.UpsertOrder(ctx, row); err != nil {
		return nil, err
	}

	res, err := m.gw.PlaceOrder(ctx, req)
	if err != nil {
		row.Status = db.StatusRejected
		row.Reason = err.Error()
		if perr := m.store.UpsertOrder(ctx, row); perr != nil {
			log.Printf("order: persist rejection for %s: %v", row.ClientID, perr)
		}
		return nil, fmt.Errorf("place entry for %s: %w", in.Product.ID, err)
	}
	row.ExchangeID = res.ExchangeID
	row.Status = db.StatusOpen
	if err := m.store.UpsertOrder(ctx, row); err != nil {
		return nil, err
	}
	m.publishOrder(events.EventOrderUpdate, row)
	log.Printf("order: entry %s %s size=%s @ %s (exchange %s)",
		in.Product.ID, row.ClientID, size, entry, res.ExchangeID)

	state, err := m.waitForFill(ctx, row, size, m.cfg.FillTimeout)
	if err != nil {
		if !errors.Is(err, ErrFillTimeout) {
			return nil, err
		}
		state, err = m.cancelAndVerify(ctx, row)
		if err != nil {
			return nil, err
		}
		if state == nil || state.Status != common.StatusFilled {
			return nil, ErrFillTimeout
		}
		// Cancel raced the fill; the exchange filled first.
	}

	// An accepted partial still rests on the book; cancel the remainder
	// so the position and its brackets cover exactly what filled.
	if state.Status == common.StatusPartial {
		state, err = m.cancelAndVerify(ctx, row)
		if err != nil {
			return nil, err
		}
	}

	fillIDs, err := m.persistFills(ctx, row, state)
	if err != nil {
		return nil, err
	}

	pos := db.Position{
		ID:       uuid.NewString(),
		Product:  in.Product.ID,
		Strategy: in.Strategy,
		OpenedAt: time.Now().UTC(),
	}
	if err := m.store.OpenPosition(ctx, pos, fillIDs); err != nil {
		return nil, err
	}
	m.bus.Publish(events.EventPositionOpened, events.PositionEvent{
		PositionID: pos.ID, ProductID: pos.Product, Strategy: pos.Strategy,
	})

	m.installBrackets(ctx, &pos, state.FilledSize, stop, takeProfit, in.Product)
	return &pos, nil
}

// waitForFill polls the exchange until the order fills, a meaningful
// partial fill accrues, or the timeout lapses.
func (m *Manager) waitForFill(ctx context.Context, row db.Order, size decimal.Decimal, timeout time.Duration) (*common.OrderState, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		st, err := m.gw.GetOrder(ctx, row.ExchangeID)
		if err == nil {
			switch st.Status {
			case common.StatusFilled:
				return st, nil
			case common.StatusPartial:
				if size.Sign() > 0 && st.FilledSize.Div(size).GreaterThanOrEqual(m.cfg.MinFillFraction) {
					return st, nil
				}
			case common.StatusCancelled, common.StatusExpired, common.StatusRejected:
				row.Status = dbStatus(st.Status)
				if perr := m.store.UpsertOrder(ctx, row); perr != nil {
					return nil, perr
				}
				return nil, fmt.Errorf("entry %s ended %s before filling", row.ClientID, st.Status)
			}
		} else {
			log.Printf("order: poll %s: %v", row.ClientID, err)
		}

		if time.Now().After(deadline) {
			return nil, ErrFillTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// cancelAndVerify cancels an order and re-reads until the exchange
// confirms a terminal state. When verification fails the order is left
// in cancelling for the reconciler and a critical alert fires. The
// returned state is non-nil when a terminal status was observed, so
// callers can detect a cancel that lost the race to a fill.
func (m *Manager) cancelAndVerify(ctx context.Context, row db.Order) (*common.OrderState, error) {
	ref := common.OrderRef{ClientID: row.ClientID, ExchangeID: row.ExchangeID}
	if err := m.gw.CancelOrder(ctx, ref); err != nil {
		log.Printf("order: cancel %s: %v", row.ClientID, err)
	}

	deadline := time.Now().Add(m.cfg.CancelVerifyDeadline)
	for attempt := 1; attempt <= m.cfg.CancelVerifyAttempts; attempt++ {
		st, err := m.gw.GetOrder(ctx, row.ExchangeID)
		if err == nil && st.Status.Terminal() {
			row.Status = dbStatus(st.Status)
			row.FilledSize = st.FilledSize
			row.AvgPrice = st.AvgPrice
			if perr := m.store.UpsertOrder(ctx, row); perr != nil {
				return nil, perr
			}
			m.publishOrder(events.EventOrderUpdate, row)
			return st, nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
	}

	row.Status = db.StatusCancelling
	if perr := m.store.UpsertOrder(ctx, row); perr != nil {
		return nil, perr
	}
	m.critical(fmt.Sprintf("cancellation unverified for order %s on %s", row.ClientID, row.Product))
	return nil, fmt.Errorf("%w: %s", ErrCancelUnproven, row.ClientID)
}

// persistFills records the exchange's fills for the order in ascending
// (time, fill_id) order and marks the order row with its final fill
// state. Returns the recorded fill ids.
func (m *Manager) persistFills(ctx context.Context, row db.Order, st *common.OrderState) ([]string, error) {
	fills, err := m.gw.GetFills(ctx, common.FillQuery{ExchangeID: row.ExchangeID})
	if err != nil {
		return nil, err
	}
	sort.Slice(fills, func(i, j int) bool {
		if !fills[i].Time.Equal(fills[j].Time) {
			return fills[i].Time.Before(fills[j].Time)
		}
		return fills[i].FillID < fills[j].FillID
	})

	ids := make([]string, 0, len(fills))
	for _, f := range fills {
		rec := db.Fill{
			FillID:    f.FillID,
			OrderID:   row.ClientID,
			Product:   f.ProductID,
			Side:      string(f.Side),
			Price:     f.Price,
			Size:      f.Size,
			Fee:       f.Fee,
			Liquidity: f.Liquidity,
			Time:      f.Time,
		}
		if err := m.store.RecordFill(ctx, rec); err != nil {
			return nil, err
		}
		ids = append(ids, f.FillID)
	}

	row.Status = dbStatus(st.Status)
	row.FilledSize = st.FilledSize
	row.AvgPrice = st.AvgPrice
	if err := m.store.UpsertOrder(ctx, row); err != nil {
		return nil, err
	}
	m.publishOrder(events.EventOrderFilled, row)

	// Post-only entries should fill as maker. A low share here means
	// the resting price is getting crossed before the order lands.
	if row.Side == db.SideBuy && len(fills) > 0 {
		var total, maker decimal.Decimal
		for _, f := range fills {
			total = total.Add(f.Size)
			if f.Liquidity == common.LiquidityMaker {
				maker = maker.Add(f.Size)
			}
		}
		if total.IsPositive() {
			share := maker.Div(total).Mul(decimal.NewFromInt(100))
			log.Printf("order: entry %s filled, maker share %s%%",
				row.ClientID, share.Round(1))
		}
	}
	return ids, nil
}

// installBrackets places the stop-limit and take-profit sells for a
// just-opened position. Placement failures retry with backoff; a
// position left without both brackets is flagged unprotected and
// escalated rather than abandoned.
func (m *Manager) installBrackets(ctx context.Context, pos *db.Position, size, stop, takeProfit decimal.Decimal, product common.Product) {
	stopID, stopErr := m.placeBracket(ctx, pos.ID, product, common.OrderRequest{
		ClientID:   uuid.NewString(),
		ProductID:  product.ID,
		Side:       common.SideSell,
		Kind:       common.KindStopLimit,
		BaseSize:   size,
		LimitPrice: stop,
		StopPrice:  stop,
	})
	tpID, tpErr := m.placeBracket(ctx, pos.ID, product, common.OrderRequest{
		ClientID:   uuid.NewString(),
		ProductID:  product.ID,
		Side:       common.SideSell,
		Kind:       common.KindLimitGTCPostOnly,
		BaseSize:   size,
		LimitPrice: takeProfit,
	})

	unprotected := stopErr != nil || tpErr != nil
	pos.StopOrderID = stopID
	pos.TakeProfitOrderID = tpID
	pos.Unprotected = unprotected
	if err := m.store.UpdatePositionBrackets(ctx, pos.ID, stopID, tpID, unprotected); err != nil {
		log.Printf("order: persist brackets for %s: %v", pos.ID, err)
	}
	if unprotected {
		m.critical(fmt.Sprintf("position %s on %s is unprotected: stop=%v tp=%v",
			pos.ID, pos.Product, stopErr, tpErr))
	}
}

func (m *Manager) placeBracket(ctx context.Context, positionID string, product common.Product, req common.OrderRequest) (string, error) {
	kind := db.KindStopLimit
	if req.Kind == common.KindLimitGTCPostOnly {
		kind = db.KindLimitGTCPostOnly
	}
	row := db.Order{
		ClientID:         req.ClientID,
		Product:          product.ID,
		Side:             db.SideSell,
		Kind:             kind,
		RequestedPrice:   req.LimitPrice,
		RequestedSize:    req.BaseSize,
		StopPrice:        req.StopPrice,
		LimitPrice:       req.LimitPrice,
		Status:           db.StatusSubmitted,
		ParentPositionID: positionID,
		SubmittedAt:      time.Now().UTC(),
	}
	if err := m.store.UpsertOrder(ctx, row); err != nil {
		return "", err
	}

	var res *common.OrderResult
	err := common.WithRetry(ctx, "place bracket", common.RetryPolicy{
		MaxAttempts: m.cfg.BracketRetries,
		BaseDelay:   m.cfg.PollInterval / 4,
		MaxDelay:    m.cfg.PollInterval * 4,
		Budget:      m.cfg.CancelVerifyDeadline,
	}, func() error {
		var perr error
		res, perr = m.gw.PlaceOrder(ctx, req)
		return perr
	})
	if err != nil {
		row.Status = db.StatusRejected
		row.Reason = err.Error()
		if perr := m.store.UpsertOrder(ctx, row); perr != nil {
			log.Printf("order: persist bracket rejection %s: %v", row.ClientID, perr)
		}
		return "", err
	}

	row.ExchangeID = res.ExchangeID
	row.Status = db.StatusOpen
	if err := m.store.UpsertOrder(ctx, row); err != nil {
		return "", err
	}
	m.publishOrder(events.EventOrderUpdate, row)
	return row.ClientID, nil
}

func (m *Manager) topOfBook(ctx context.Context, productID string) (*common.BestBidAsk, error) {
	books, err := m.gw.GetBestBidAsk(ctx, []string{productID})
	if err != nil {
		return nil, err
	}
	for i := range books {
		if books[i].ProductID == productID {
			return &books[i], nil
		}
	}
	return nil, fmt.Errorf("no book for %s", productID)
}

func (m *Manager) publishOrder(topic events.Event, row db.Order) {
	m.bus.Publish(topic, events.OrderEvent{
		ClientID:   row.ClientID,
		ExchangeID: row.ExchangeID,
		ProductID:  row.Product,
		Status:     row.Status,
		FilledSize: row.FilledSize,
		AvgPrice:   row.AvgPrice,
	})
}

func (m *Manager) critical(msg string) {
	log.Printf("order: CRITICAL: %s", msg)
	m.bus.Publish(events.EventRiskAlert, events.RiskAlert{Kind: "critical", Message: msg})
}

// dbStatus maps the gateway's normalized status onto the store's
// vocabulary.
func dbStatus(s common.OrderStatus) string {
	switch s {
	case common.StatusPending, common.StatusOpen:
		return db.StatusOpen
	case common.StatusPartial:
		return db.StatusPartiallyFilled
	case common.StatusFilled:
		return db.StatusFilled
	case common.StatusCancelled:
		return db.StatusCancelled
	case common.StatusExpired:
		return db.StatusExpired
	case common.StatusRejected:
		return db.StatusRejected
	}
	return db.StatusOpen
}
