// Package db is the durable store for orders, fills, positions, trade
// history, equity snapshots, and cross-cycle bot state.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"spot-trader/pkg/money"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrTerminalOrder = errors.New("order is terminal")
	ErrPositionOpen  = errors.New("position already open for product")
)

// Store provides the transactional persistence interface. Every public
// method is a single sqlite transaction; readers observe pre- or
// post-state, never a partial write.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an opened database.
func NewStore(d *Database) *Store {
	return &Store{db: d.DB}
}

// ----------------------------------------
// Orders
// ----------------------------------------

// UpsertOrder inserts or updates an order by client_id. Reopening a
// terminal order fails with ErrTerminalOrder.
func (s *Store) UpsertOrder(ctx context.Context, o Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert order: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM orders WHERE client_id = ?`, o.ClientID).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		// new order
	case err != nil:
		return fmt.Errorf("read order %s: %w", o.ClientID, err)
	default:
		if IsTerminalStatus(current) && current != o.Status {
			return fmt.Errorf("order %s in %s: %w", o.ClientID, current, ErrTerminalOrder)
		}
	}

	var terminalAt any
	if IsTerminalStatus(o.Status) {
		t := o.TerminalAt
		if t.IsZero() {
			t = time.Now().UTC()
		}
		terminalAt = t
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (client_id, exchange_id, product, side, kind,
			requested_price, requested_size, stop_price, limit_price,
			status, filled_size, avg_price, parent_position_id, reason,
			submitted_at, terminal_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			exchange_id = excluded.exchange_id,
			status = excluded.status,
			filled_size = excluded.filled_size,
			avg_price = excluded.avg_price,
			parent_position_id = excluded.parent_position_id,
			reason = excluded.reason,
			terminal_at = excluded.terminal_at
	`, o.ClientID, o.ExchangeID, o.Product, o.Side, o.Kind,
		o.RequestedPrice.String(), o.RequestedSize.String(),
		o.StopPrice.String(), o.LimitPrice.String(),
		o.Status, o.FilledSize.String(), o.AvgPrice.String(),
		o.ParentPositionID, o.Reason, o.SubmittedAt.UTC(), terminalAt)
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ClientID, err)
	}
	return tx.Commit()
}

// GetOrder returns the order with the given client id.
func (s *Store) GetOrder(ctx context.Context, clientID string) (*Order, error) {
	return s.getOrderWhere(ctx, "client_id = ?", clientID)
}

// GetOrderByExchangeID locates an order by the exchange-assigned id.
func (s *Store) GetOrderByExchangeID(ctx context.Context, exchangeID string) (*Order, error) {
	return s.getOrderWhere(ctx, "exchange_id = ?", exchangeID)
}

func (s *Store) getOrderWhere(ctx context.Context, where string, arg any) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, COALESCE(exchange_id, ''), product, side, kind,
		       requested_price, requested_size, stop_price, limit_price,
		       status, filled_size, avg_price,
		       COALESCE(parent_position_id, ''), COALESCE(reason, ''),
		       submitted_at, COALESCE(terminal_at, '')
		FROM orders WHERE `+where, arg)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

// ListOpenOrders returns every non-terminal order.
func (s *Store) ListOpenOrders(ctx context.Context) ([]Order, error) {
	return s.listOrdersWhere(ctx, `status NOT IN (?, ?, ?, ?)`,
		StatusFilled, StatusCancelled, StatusExpired, StatusRejected)
}

// ListOrdersOlderThan returns non-terminal orders submitted before now-age.
func (s *Store) ListOrdersOlderThan(ctx context.Context, age time.Duration) ([]Order, error) {
	cutoff := time.Now().UTC().Add(-age)
	return s.listOrdersWhere(ctx,
		`status NOT IN (?, ?, ?, ?) AND submitted_at < ?`,
		StatusFilled, StatusCancelled, StatusExpired, StatusRejected, cutoff)
}

func (s *Store) listOrdersWhere(ctx context.Context, where string, args ...any) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, COALESCE(exchange_id, ''), product, side, kind,
		       requested_price, requested_size, stop_price, limit_price,
		       status, filled_size, avg_price,
		       COALESCE(parent_position_id, ''), COALESCE(reason, ''),
		       submitted_at, COALESCE(terminal_at, '')
		FROM orders
		WHERE `+where+`
		ORDER BY submitted_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*Order, error) {
	var o Order
	var reqPrice, reqSize, stopPrice, limitPrice, filledSize, avgPrice string
	var terminalAt string
	if err := r.Scan(&o.ClientID, &o.ExchangeID, &o.Product, &o.Side, &o.Kind,
		&reqPrice, &reqSize, &stopPrice, &limitPrice,
		&o.Status, &filledSize, &avgPrice,
		&o.ParentPositionID, &o.Reason,
		&o.SubmittedAt, &terminalAt); err != nil {
		return nil, err
	}
	var err error
	if o.RequestedPrice, err = money.Parse(reqPrice); err != nil {
		return nil, err
	}
	if o.RequestedSize, err = money.Parse(reqSize); err != nil {
		return nil, err
	}
	if o.StopPrice, err = money.Parse(stopPrice); err != nil {
		return nil, err
	}
	if o.LimitPrice, err = money.Parse(limitPrice); err != nil {
		return nil, err
	}
	if o.FilledSize, err = money.Parse(filledSize); err != nil {
		return nil, err
	}
	if o.AvgPrice, err = money.Parse(avgPrice); err != nil {
		return nil, err
	}
	if terminalAt != "" {
		if t, perr := parseSQLiteTime(terminalAt); perr == nil {
			o.TerminalAt = t
		}
	}
	return &o, nil
}

func parseSQLiteTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

// ----------------------------------------
// Fills
// ----------------------------------------

// RecordFill appends a fill and, in the same transaction, recomputes the
// parent order's filled_size and avg_price; when cumulative size reaches
// the requested size the order is promoted to filled. Replayed fill ids
// are ignored, which makes the user-channel fast path idempotent.
func (s *Store) RecordFill(ctx context.Context, f Fill) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record fill: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills
			(fill_id, order_id, position_id, leg, product, side, price, size, fee, liquidity, fill_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.FillID, f.OrderID, nullable(f.PositionID), nullable(f.Leg), f.Product, f.Side,
		f.Price.String(), f.Size.String(), f.Fee.String(), f.Liquidity, f.Time.UTC())
	if err != nil {
		return fmt.Errorf("insert fill %s: %w", f.FillID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Duplicate delivery; order totals already include this fill.
		return tx.Commit()
	}

	if err := refreshOrderFromFills(ctx, tx, f.OrderID); err != nil {
		return err
	}
	return tx.Commit()
}

// refreshOrderFromFills recomputes filled_size/avg_price from the fills
// table and promotes status when the order is fully filled.
func refreshOrderFromFills(ctx context.Context, tx *sql.Tx, orderID string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT price, size FROM fills WHERE order_id = ?`, orderID)
	if err != nil {
		return fmt.Errorf("query fills for %s: %w", orderID, err)
	}
	defer rows.Close()

	var notional, size decimal.Decimal
	for rows.Next() {
		var priceS, sizeS string
		if err := rows.Scan(&priceS, &sizeS); err != nil {
			return err
		}
		price, err := money.Parse(priceS)
		if err != nil {
			return err
		}
		sz, err := money.Parse(sizeS)
		if err != nil {
			return err
		}
		notional = notional.Add(price.Mul(sz))
		size = size.Add(sz)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	avg := decimal.Zero
	if size.Sign() > 0 {
		avg = notional.Div(size)
	}

	var requestedS, status string
	if err := tx.QueryRowContext(ctx,
		`SELECT requested_size, status FROM orders WHERE client_id = ?`, orderID).
		Scan(&requestedS, &status); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("fill for unknown order %s: %w", orderID, ErrNotFound)
		}
		return err
	}
	requested, err := money.Parse(requestedS)
	if err != nil {
		return err
	}

	newStatus := status
	if requested.Sign() > 0 && size.GreaterThanOrEqual(requested) {
		newStatus = StatusFilled
	} else if size.Sign() > 0 && !IsTerminalStatus(status) {
		newStatus = StatusPartiallyFilled
	}

	var terminalAt any
	if newStatus == StatusFilled && status != StatusFilled {
		terminalAt = time.Now().UTC()
	}
	if terminalAt != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET filled_size = ?, avg_price = ?, status = ?, terminal_at = ?
			WHERE client_id = ?`,
			size.String(), avg.String(), newStatus, terminalAt, orderID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE orders SET filled_size = ?, avg_price = ?, status = ?
			WHERE client_id = ?`,
			size.String(), avg.String(), newStatus, orderID)
	}
	if err != nil {
		return fmt.Errorf("update order %s from fills: %w", orderID, err)
	}
	return nil
}

// ListFills returns fills for an order ordered by time then fill_id, which
// makes out-of-order user-channel deliveries converge to one sequence.
func (s *Store) ListFills(ctx context.Context, orderID string) ([]Fill, error) {
	return s.listFillsWhere(ctx, `order_id = ?`, orderID)
}

// ListPositionFills returns the fills attributed to one leg of a position.
func (s *Store) ListPositionFills(ctx context.Context, positionID, leg string) ([]Fill, error) {
	return s.listFillsWhere(ctx, `position_id = ? AND leg = ?`, positionID, leg)
}

// ListBuyFills returns all buy-side fills for a product not attributed to
// any closed position; the cost-basis helpers aggregate over these.
func (s *Store) ListBuyFills(ctx context.Context, product string) ([]Fill, error) {
	return s.listFillsWhere(ctx, `
		product = ? AND side = ? AND (position_id IS NULL OR position_id NOT IN
			(SELECT id FROM positions WHERE status = 'closed'))`, product, SideBuy)
}

func (s *Store) listFillsWhere(ctx context.Context, where string, args ...any) ([]Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fill_id, order_id, COALESCE(position_id, ''), COALESCE(leg, ''),
		       product, side, price, size, fee, liquidity, fill_time
		FROM fills WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var fills []Fill
	for rows.Next() {
		var f Fill
		var priceS, sizeS, feeS string
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.PositionID, &f.Leg,
			&f.Product, &f.Side, &priceS, &sizeS, &feeS, &f.Liquidity, &f.Time); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		if f.Price, err = money.Parse(priceS); err != nil {
			return nil, err
		}
		if f.Size, err = money.Parse(sizeS); err != nil {
			return nil, err
		}
		if f.Fee, err = money.Parse(feeS); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(fills, func(i, j int) bool {
		if fills[i].Time.Equal(fills[j].Time) {
			return fills[i].FillID < fills[j].FillID
		}
		return fills[i].Time.Before(fills[j].Time)
	})
	return fills, nil
}

// ----------------------------------------
// Positions
// ----------------------------------------

// OpenPosition creates an open position and attributes the given fills to
// its entry leg in one transaction. A second open position for the same
// product fails with ErrPositionOpen.
func (s *Store) OpenPosition(ctx context.Context, p Position, entryFillIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin open position: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (id, product, status, strategy,
			stop_order_id, take_profit_order_id, unprotected, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Product, PositionOpen, p.Strategy,
		nullable(p.StopOrderID), nullable(p.TakeProfitOrderID),
		boolToInt(p.Unprotected), p.OpenedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("open position for %s: %w", p.Product, ErrPositionOpen)
		}
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}

	for _, fillID := range entryFillIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE fills SET position_id = ?, leg = ? WHERE fill_id = ?`,
			p.ID, LegEntry, fillID); err != nil {
			return fmt.Errorf("attribute entry fill %s: %w", fillID, err)
		}
	}
	return tx.Commit()
}

// UpdatePositionBrackets persists bracket order ids and protection state.
func (s *Store) UpdatePositionBrackets(ctx context.Context, positionID, stopOrderID, takeProfitOrderID string, unprotected bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions SET stop_order_id = ?, take_profit_order_id = ?, unprotected = ?
		WHERE id = ?`,
		nullable(stopOrderID), nullable(takeProfitOrderID), boolToInt(unprotected), positionID)
	if err != nil {
		return fmt.Errorf("update brackets for %s: %w", positionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClosePosition attributes exit fills, derives realized PnL, writes the
// trade record, and flips status — one transaction.
func (s *Store) ClosePosition(ctx context.Context, positionID string, exitFillIDs []string, exitReason string) (*TradeRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin close position: %w", err)
	}
	defer tx.Rollback()

	var p Position
	err = tx.QueryRowContext(ctx, `
		SELECT id, product, status, COALESCE(strategy, ''), opened_at
		FROM positions WHERE id = ?`, positionID).
		Scan(&p.ID, &p.Product, &p.Status, &p.Strategy, &p.OpenedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read position %s: %w", positionID, err)
	}
	if p.Status != PositionOpen {
		return nil, fmt.Errorf("position %s is %s: %w", positionID, p.Status, ErrNotFound)
	}

	for _, fillID := range exitFillIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE fills SET position_id = ?, leg = ? WHERE fill_id = ?`,
			positionID, LegExit, fillID); err != nil {
			return nil, fmt.Errorf("attribute exit fill %s: %w", fillID, err)
		}
	}

	entry, err := legFills(ctx, tx, positionID, LegEntry)
	if err != nil {
		return nil, err
	}
	exit, err := legFills(ctx, tx, positionID, LegExit)
	if err != nil {
		return nil, err
	}

	var entryNotional, exitNotional, fees, entrySize decimal.Decimal
	for _, f := range entry {
		entryNotional = entryNotional.Add(f.Price.Mul(f.Size))
		fees = fees.Add(f.Fee)
		entrySize = entrySize.Add(f.Size)
	}
	var exitSize decimal.Decimal
	for _, f := range exit {
		exitNotional = exitNotional.Add(f.Price.Mul(f.Size))
		fees = fees.Add(f.Fee)
		exitSize = exitSize.Add(f.Size)
	}

	avgEntry, avgExit := decimal.Zero, decimal.Zero
	if entrySize.Sign() > 0 {
		avgEntry = entryNotional.Div(entrySize)
	}
	if exitSize.Sign() > 0 {
		avgExit = exitNotional.Div(exitSize)
	}

	gross := exitNotional.Sub(entryNotional)
	net := gross.Sub(fees)
	pnlPct := decimal.Zero
	if cost := entryNotional; cost.Sign() > 0 {
		pnlPct = net.Div(cost)
	}

	now := time.Now().UTC()
	record := &TradeRecord{
		ID:         uuid.NewString(),
		Product:    p.Product,
		EntryTime:  p.OpenedAt,
		ExitTime:   now,
		AvgEntry:   avgEntry,
		AvgExit:    avgExit,
		Size:       entrySize,
		GrossPnL:   gross,
		Fees:       fees,
		NetPnL:     net,
		PnLPct:     pnlPct,
		Strategy:   p.Strategy,
		ExitReason: exitReason,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trade_records (id, product, entry_time, exit_time,
			avg_entry, avg_exit, size, gross_pnl, fees, net_pnl, pnl_pct,
			strategy, exit_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.ID, record.Product, record.EntryTime, record.ExitTime,
		record.AvgEntry.String(), record.AvgExit.String(), record.Size.String(),
		record.GrossPnL.String(), record.Fees.String(), record.NetPnL.String(),
		record.PnLPct.String(), record.Strategy, record.ExitReason); err != nil {
		return nil, fmt.Errorf("insert trade record: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE positions SET status = ?, closed_at = ? WHERE id = ?`,
		PositionClosed, now, positionID); err != nil {
		return nil, fmt.Errorf("close position %s: %w", positionID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return record, nil
}

func legFills(ctx context.Context, tx *sql.Tx, positionID, leg string) ([]Fill, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT price, size, fee FROM fills WHERE position_id = ? AND leg = ?`,
		positionID, leg)
	if err != nil {
		return nil, fmt.Errorf("query %s fills: %w", leg, err)
	}
	defer rows.Close()

	var fills []Fill
	for rows.Next() {
		var f Fill
		var priceS, sizeS, feeS string
		if err := rows.Scan(&priceS, &sizeS, &feeS); err != nil {
			return nil, err
		}
		if f.Price, err = money.Parse(priceS); err != nil {
			return nil, err
		}
		if f.Size, err = money.Parse(sizeS); err != nil {
			return nil, err
		}
		if f.Fee, err = money.Parse(feeS); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// GetOpenPosition returns the open position for product, if any.
func (s *Store) GetOpenPosition(ctx context.Context, product string) (*Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, product, status, COALESCE(strategy, ''),
		       COALESCE(stop_order_id, ''), COALESCE(take_profit_order_id, ''),
		       unprotected, opened_at
		FROM positions WHERE product = ? AND status = 'open'`, product)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query open position: %w", err)
	}
	return p, nil
}

// ListOpenPositions returns every open position.
func (s *Store) ListOpenPositions(ctx context.Context) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product, status, COALESCE(strategy, ''),
		       COALESCE(stop_order_id, ''), COALESCE(take_profit_order_id, ''),
		       unprotected, opened_at
		FROM positions WHERE status = 'open'
		ORDER BY opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanPosition(r rowScanner) (*Position, error) {
	var p Position
	var unprotected int
	if err := r.Scan(&p.ID, &p.Product, &p.Status, &p.Strategy,
		&p.StopOrderID, &p.TakeProfitOrderID, &unprotected, &p.OpenedAt); err != nil {
		return nil, err
	}
	p.Unprotected = unprotected != 0
	return &p, nil
}

// ----------------------------------------
// Trade records, equity, state
// ----------------------------------------

// ListTradeRecords returns closed trades, newest first.
func (s *Store) ListTradeRecords(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product, entry_time, exit_time, avg_entry, avg_exit, size,
		       gross_pnl, fees, net_pnl, pnl_pct, COALESCE(strategy, ''), exit_reason
		FROM trade_records
		ORDER BY exit_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trade records: %w", err)
	}
	defer rows.Close()

	var records []TradeRecord
	for rows.Next() {
		var tr TradeRecord
		var avgEntry, avgExit, size, gross, fees, net, pct string
		if err := rows.Scan(&tr.ID, &tr.Product, &tr.EntryTime, &tr.ExitTime,
			&avgEntry, &avgExit, &size, &gross, &fees, &net, &pct,
			&tr.Strategy, &tr.ExitReason); err != nil {
			return nil, fmt.Errorf("scan trade record: %w", err)
		}
		if tr.AvgEntry, err = money.Parse(avgEntry); err != nil {
			return nil, err
		}
		if tr.AvgExit, err = money.Parse(avgExit); err != nil {
			return nil, err
		}
		if tr.Size, err = money.Parse(size); err != nil {
			return nil, err
		}
		if tr.GrossPnL, err = money.Parse(gross); err != nil {
			return nil, err
		}
		if tr.Fees, err = money.Parse(fees); err != nil {
			return nil, err
		}
		if tr.NetPnL, err = money.Parse(net); err != nil {
			return nil, err
		}
		if tr.PnLPct, err = money.Parse(pct); err != nil {
			return nil, err
		}
		records = append(records, tr)
	}
	return records, rows.Err()
}

// SnapshotEquity appends an equity snapshot.
func (s *Store) SnapshotEquity(ctx context.Context, snap EquitySnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO equity_snapshots (snap_time, cash_quote, positions_value, total, open_positions)
		VALUES (?, ?, ?, ?, ?)
	`, snap.Time.UTC(), snap.CashQuote.String(), snap.PositionsValue.String(),
		snap.Total.String(), snap.OpenPositions)
	if err != nil {
		return fmt.Errorf("insert equity snapshot: %w", err)
	}
	return nil
}

// LatestEquity returns the most recent snapshot.
func (s *Store) LatestEquity(ctx context.Context) (*EquitySnapshot, error) {
	var snap EquitySnapshot
	var cash, posVal, total string
	err := s.db.QueryRowContext(ctx, `
		SELECT snap_time, cash_quote, positions_value, total, open_positions
		FROM equity_snapshots ORDER BY id DESC LIMIT 1`).
		Scan(&snap.Time, &cash, &posVal, &total, &snap.OpenPositions)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query latest equity: %w", err)
	}
	if snap.CashQuote, err = money.Parse(cash); err != nil {
		return nil, err
	}
	if snap.PositionsValue, err = money.Parse(posVal); err != nil {
		return nil, err
	}
	if snap.Total, err = money.Parse(total); err != nil {
		return nil, err
	}
	return &snap, nil
}

// PutState writes a bot_state key.
func (s *Store) PutState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_state (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("put state %s: %w", key, err)
	}
	return nil
}

// GetState reads a bot_state key; ErrNotFound when absent.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM bot_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return value, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
