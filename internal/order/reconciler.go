package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spot-trader/internal/events"
	"spot-trader/pkg/db"
	"spot-trader/pkg/exchanges/common"
	"spot-trader/pkg/money"
)

// Reconcile sweeps every non-terminal order in the store against the
// exchange. Aged orders still resting are cancelled; everything else
// converges on the exchange's view. Running the sweep twice against an
// unchanged exchange is a no-op.
func (m *Manager) Reconcile(ctx context.Context) error {
	orders, err := m.store.ListOpenOrders(ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for _, o := range orders {
		if err := m.reconcileOrder(ctx, o); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) reconcileOrder(ctx context.Context, o db.Order) error {
	l := m.productLock(o.Product)
	l.Lock()
	defer l.Unlock()

	// Re-read under the lock; the buy or sell path may have advanced
	// this order since the sweep listed it.
	cur, err := m.store.GetOrder(ctx, o.ClientID)
	if err != nil {
		return err
	}
	if db.IsTerminalStatus(cur.Status) {
		return nil
	}
	o = *cur

	if o.Status == db.StatusCancelling {
		_, err := m.cancelAndVerify(ctx, o)
		return err
	}

	aged := time.Since(o.SubmittedAt) > m.cfg.OrderMaxAge
	resting := o.Status == db.StatusSubmitted || o.Status == db.StatusOpen
	if aged && resting {
		log.Printf("order: reconciler cancelling aged order %s on %s (age %s)",
			o.ClientID, o.Product, time.Since(o.SubmittedAt).Round(time.Second))
		_, err := m.cancelAndVerify(ctx, o)
		return err
	}

	if o.ExchangeID == "" {
		// Submitted but never acked: the crash happened between the
		// store write and the exchange call. Nothing can rest on the
		// exchange under this client id, so age it out.
		if aged {
			o.Status = db.StatusCancelled
			o.Reason = "never acked by exchange"
			return m.store.UpsertOrder(ctx, o)
		}
		return nil
	}

	st, err := m.gw.GetOrder(ctx, o.ExchangeID)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Kind == common.KindNotFound {
			o.Status = db.StatusCancelled
			o.Reason = "unknown to exchange"
			return m.store.UpsertOrder(ctx, o)
		}
		return err
	}
	return m.applyState(ctx, o, st)
}

// HandleOrderUpdate is the user-channel fast path. Polling remains the
// backstop; this only accelerates convergence.
func (m *Manager) HandleOrderUpdate(ctx context.Context, u common.OrderUpdate) {
	var row *db.Order
	var err error
	if u.ClientID != "" {
		row, err = m.store.GetOrder(ctx, u.ClientID)
	}
	if (row == nil || errors.Is(err, db.ErrNotFound)) && u.ExchangeID != "" {
		row, err = m.store.GetOrderByExchangeID(ctx, u.ExchangeID)
	}
	if err != nil || row == nil {
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			log.Printf("order: user event lookup: %v", err)
		}
		return
	}

	l := m.productLock(row.Product)
	l.Lock()
	defer l.Unlock()

	cur, err := m.store.GetOrder(ctx, row.ClientID)
	if err != nil || db.IsTerminalStatus(cur.Status) {
		return
	}
	st := &common.OrderState{
		ExchangeID: u.ExchangeID,
		ClientID:   u.ClientID,
		ProductID:  u.ProductID,
		Status:     u.Status,
		FilledSize: u.CumulativeFilledSize,
		AvgPrice:   u.AvgPrice,
	}
	if err := m.applyState(ctx, *cur, st); err != nil {
		log.Printf("order: user event apply %s: %v", cur.ClientID, err)
	}
}

// applyState converges one stored order on the exchange's view of it.
// Caller holds the product lock.
func (m *Manager) applyState(ctx context.Context, o db.Order, st *common.OrderState) error {
	switch st.Status {
	case common.StatusFilled:
		return m.adoptFill(ctx, o, st)

	case common.StatusCancelled, common.StatusExpired, common.StatusRejected:
		o.Status = dbStatus(st.Status)
		if err := m.store.UpsertOrder(ctx, o); err != nil {
			return err
		}
		m.publishOrder(events.EventOrderUpdate, o)
		return nil

	case common.StatusPartial:
		o.Status = db.StatusPartiallyFilled
		o.FilledSize = st.FilledSize
		o.AvgPrice = st.AvgPrice
		return m.store.UpsertOrder(ctx, o)

	default:
		// Still resting; refresh keeps the row's updated_at moving so
		// age is measured against live observations.
		return m.store.UpsertOrder(ctx, o)
	}
}

// adoptFill lands a fill discovered through reconciliation: entry
// orders open their position and brackets, bracket and exit orders
// close theirs.
func (m *Manager) adoptFill(ctx context.Context, o db.Order, st *common.OrderState) error {
	if _, err := m.persistFills(ctx, o, st); err != nil {
		return err
	}
	o.Status = db.StatusFilled
	o.FilledSize = st.FilledSize
	o.AvgPrice = st.AvgPrice

	if o.Side == db.SideBuy && o.ParentPositionID == "" {
		return m.adoptEntry(ctx, o, st)
	}
	if o.ParentPositionID != "" {
		_, err := m.closeFromBracket(ctx, o)
		return err
	}
	return nil
}

// adoptEntry opens the position an entry fill implies, unless one
// already exists for the product.
func (m *Manager) adoptEntry(ctx context.Context, o db.Order, st *common.OrderState) error {
	_, err := m.store.GetOpenPosition(ctx, o.Product)
	if err == nil {
		return nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	fills, err := m.store.ListFills(ctx, o.ClientID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(fills))
	for _, f := range fills {
		ids = append(ids, f.FillID)
	}

	pos := db.Position{
		ID:       uuid.NewString(),
		Product:  o.Product,
		Strategy: o.Reason,
		OpenedAt: time.Now().UTC(),
	}
	if err := m.store.OpenPosition(ctx, pos, ids); err != nil {
		return err
	}
	m.bus.Publish(events.EventPositionOpened, events.PositionEvent{
		PositionID: pos.ID, ProductID: pos.Product, Strategy: pos.Strategy,
	})
	log.Printf("order: reconciler adopted entry %s, opened position %s on %s",
		o.ClientID, pos.ID, o.Product)

	product, err := m.lookupProduct(ctx, o.Product)
	if err != nil {
		m.critical(fmt.Sprintf("adopted position %s on %s has no product metadata: %v", pos.ID, o.Product, err))
		return nil
	}
	one := decimal.NewFromInt(1)
	stop := money.ClampToIncrement(o.RequestedPrice.Mul(one.Sub(m.cfg.StopLossPct)), product.QuoteIncrement)
	takeProfit := money.ClampToIncrement(o.RequestedPrice.Mul(one.Add(m.cfg.TakeProfitPct)), product.QuoteIncrement)
	m.installBrackets(ctx, &pos, st.FilledSize, stop, takeProfit, product)
	return nil
}

// closeFromBracket closes the parent position of a filled bracket or
// exit order, cancelling the surviving sibling first.
func (m *Manager) closeFromBracket(ctx context.Context, o db.Order) (*db.TradeRecord, error) {
	pos, err := m.store.GetOpenPosition(ctx, o.Product)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil // already closed
		}
		return nil, err
	}
	if pos.ID != o.ParentPositionID {
		return nil, nil
	}

	reason := o.Reason
	switch o.ClientID {
	case pos.StopOrderID:
		reason = ReasonStopTriggered
	case pos.TakeProfitOrderID:
		reason = ReasonTPTriggered
	}

	for _, sibling := range []string{pos.StopOrderID, pos.TakeProfitOrderID} {
		if sibling == "" || sibling == o.ClientID {
			continue
		}
		row, err := m.store.GetOrder(ctx, sibling)
		if err != nil || db.IsTerminalStatus(row.Status) {
			continue
		}
		if _, err := m.cancelAndVerify(ctx, *row); err != nil {
			log.Printf("order: sibling bracket %s: %v", sibling, err)
		}
	}

	fills, err := m.store.ListFills(ctx, o.ClientID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(fills))
	for _, f := range fills {
		ids = append(ids, f.FillID)
	}

	rec, err := m.store.ClosePosition(ctx, pos.ID, ids, reason)
	if err != nil {
		return nil, err
	}
	m.bus.Publish(events.EventPositionClosed, events.PositionEvent{
		PositionID: pos.ID, ProductID: pos.Product, Strategy: pos.Strategy, Reason: reason,
	})
	log.Printf("order: closed %s on %s via %s", pos.ID, pos.Product, reason)
	return rec, nil
}

func (m *Manager) lookupProduct(ctx context.Context, productID string) (common.Product, error) {
	products, err := m.gw.ListProducts(ctx)
	if err != nil {
		return common.Product{}, err
	}
	for _, p := range products {
		if p.ID == productID {
			return p, nil
		}
	}
	return common.Product{}, fmt.Errorf("product %s not listed", productID)
}
