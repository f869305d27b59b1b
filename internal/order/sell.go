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
)

// Sell exits a position: brackets are cancelled first, then the full
// size is sold at market and the position closed with the reason. If a
// bracket already filled while the decision was being made, the exit
// defers to that fill instead of selling twice.
func (m *Manager) Sell(ctx context.Context, pos db.Position, reason string) (*db.TradeRecord, error) {
	l := m.productLock(pos.Product)
	l.Lock()
	defer l.Unlock()

	for _, id := range []string{pos.StopOrderID, pos.TakeProfitOrderID} {
		if id == "" {
			continue
		}
		row, err := m.store.GetOrder(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if row.Status == db.StatusFilled {
			return m.closeFromBracket(ctx, *row)
		}
		if db.IsTerminalStatus(row.Status) {
			continue
		}

		cancelErr := common.WithRetry(ctx, "cancel bracket", common.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   m.cfg.PollInterval / 4,
			MaxDelay:    m.cfg.PollInterval * 4,
			Budget:      m.cfg.CancelVerifyDeadline,
		}, func() error {
			return m.gw.CancelOrder(ctx, common.OrderRef{ClientID: row.ClientID, ExchangeID: row.ExchangeID})
		})

		st, gerr := m.gw.GetOrder(ctx, row.ExchangeID)
		if gerr == nil && st.Status == common.StatusFilled {
			// The bracket beat the cancel.
			if _, err := m.persistFills(ctx, *row, st); err != nil {
				return nil, err
			}
			row.Status = db.StatusFilled
			return m.closeFromBracket(ctx, *row)
		}
		if gerr == nil && st.Status.Terminal() {
			row.Status = dbStatus(st.Status)
			if err := m.store.UpsertOrder(ctx, *row); err != nil {
				return nil, err
			}
			continue
		}
		if cancelErr != nil {
			row.Status = db.StatusCancelling
			if err := m.store.UpsertOrder(ctx, *row); err != nil {
				return nil, err
			}
			m.critical(fmt.Sprintf("bracket %s on %s uncancelled before exit", row.ClientID, pos.Product))
			return nil, fmt.Errorf("%w: bracket %s", ErrCancelUnproven, row.ClientID)
		}
		row.Status = db.StatusCancelled
		if err := m.store.UpsertOrder(ctx, *row); err != nil {
			return nil, err
		}
	}

	size, err := m.positionSize(ctx, pos.ID)
	if err != nil {
		return nil, err
	}
	if size.Sign() <= 0 {
		return nil, fmt.Errorf("position %s has no entry size", pos.ID)
	}

	req := common.OrderRequest{
		ClientID:  uuid.NewString(),
		ProductID: pos.Product,
		Side:      common.SideSell,
		Kind:      common.KindMarket,
		BaseSize:  size,
	}
	row := db.Order{
		ClientID:         req.ClientID,
		Product:          pos.Product,
		Side:             db.SideSell,
		Kind:             db.KindMarket,
		RequestedSize:    size,
		Status:           db.StatusSubmitted,
		ParentPositionID: pos.ID,
		Reason:           reason,
		SubmittedAt:      time.Now().UTC(),
	}
	if err := m.store.UpsertOrder(ctx, row); err != nil {
		return nil, err
	}

	res, err := m.gw.PlaceOrder(ctx, req)
	if err != nil {
		row.Status = db.StatusRejected
		row.Reason = err.Error()
		if perr := m.store.UpsertOrder(ctx, row); perr != nil {
			log.Printf("order: persist sell rejection %s: %v", row.ClientID, perr)
		}
		return nil, fmt.Errorf("place exit for %s: %w", pos.Product, err)
	}
	row.ExchangeID = res.ExchangeID
	row.Status = db.StatusOpen
	if err := m.store.UpsertOrder(ctx, row); err != nil {
		return nil, err
	}

	state, err := m.waitForFill(ctx, row, size, m.cfg.SellFillTimeout)
	if err != nil {
		if errors.Is(err, ErrFillTimeout) {
			m.critical(fmt.Sprintf("exit %s on %s unfilled after %s", row.ClientID, pos.Product, m.cfg.SellFillTimeout))
		}
		return nil, err
	}

	fillIDs, err := m.persistFills(ctx, row, state)
	if err != nil {
		return nil, err
	}
	rec, err := m.store.ClosePosition(ctx, pos.ID, fillIDs, reason)
	if err != nil {
		return nil, err
	}
	m.bus.Publish(events.EventPositionClosed, events.PositionEvent{
		PositionID: pos.ID, ProductID: pos.Product, Strategy: pos.Strategy, Reason: reason,
	})
	log.Printf("order: closed %s on %s (%s): net pnl %s", pos.ID, pos.Product, reason, rec.NetPnL)
	return rec, nil
}

// positionSize is the summed entry-leg fill size.
func (m *Manager) positionSize(ctx context.Context, positionID string) (decimal.Decimal, error) {
	fills, err := m.store.ListPositionFills(ctx, positionID, db.LegEntry)
	if err != nil {
		return decimal.Zero, err
	}
	var size decimal.Decimal
	for _, f := range fills {
		size = size.Add(f.Size)
	}
	return size, nil
}
