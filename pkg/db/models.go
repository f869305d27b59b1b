package db

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order side.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order kinds.
const (
	KindLimitGTCPostOnly = "limit_gtc_post_only"
	KindMarket           = "market"
	KindStopLimit        = "stop_limit"
	KindBracket          = "bracket"
)

// Order statuses. An order is written as submitted before the exchange
// sees it; cancelling marks an unverified cancellation the reconciler owns.
const (
	StatusSubmitted       = "submitted"
	StatusOpen            = "open"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCancelled       = "cancelled"
	StatusExpired         = "expired"
	StatusRejected        = "rejected"
	StatusCancelling      = "cancelling"
)

// IsTerminalStatus reports whether s admits no further transitions.
func IsTerminalStatus(s string) bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// Position statuses.
const (
	PositionOpen   = "open"
	PositionClosed = "closed"
)

// Fill liquidity flags.
const (
	LiquidityMaker = "MAKER"
	LiquidityTaker = "TAKER"
)

// Fill legs on a position.
const (
	LegEntry = "entry"
	LegExit  = "exit"
)

// Order is a persisted order row. ClientID is the idempotency key and
// primary key; ExchangeID is assigned on ack.
type Order struct {
	ClientID         string
	ExchangeID       string
	Product          string
	Side             string
	Kind             string
	RequestedPrice   decimal.Decimal
	RequestedSize    decimal.Decimal
	StopPrice        decimal.Decimal
	LimitPrice       decimal.Decimal
	Status           string
	FilledSize       decimal.Decimal
	AvgPrice         decimal.Decimal
	ParentPositionID string
	Reason           string
	SubmittedAt      time.Time
	TerminalAt       time.Time
}

// Fill is an append-only execution record for an order.
type Fill struct {
	FillID     string
	OrderID    string // order client_id
	PositionID string
	Leg        string // entry or exit, set once the fill is attributed
	Product    string
	Side       string
	Price      decimal.Decimal
	Size       decimal.Decimal
	Fee        decimal.Decimal
	Liquidity  string
	Time       time.Time
}

// Position references its bracket orders by client id, never by pointer.
type Position struct {
	ID                string
	Product           string
	Status            string
	Strategy          string
	StopOrderID       string
	TakeProfitOrderID string
	Unprotected       bool
	OpenedAt          time.Time
	ClosedAt          time.Time
}

// TradeRecord is materialized when a position closes.
type TradeRecord struct {
	ID         string
	Product    string
	EntryTime  time.Time
	ExitTime   time.Time
	AvgEntry   decimal.Decimal
	AvgExit    decimal.Decimal
	Size       decimal.Decimal
	GrossPnL   decimal.Decimal
	Fees       decimal.Decimal
	NetPnL     decimal.Decimal
	PnLPct     decimal.Decimal
	Strategy   string
	ExitReason string
}

// EquitySnapshot is a periodic portfolio valuation.
type EquitySnapshot struct {
	Time           time.Time
	CashQuote      decimal.Decimal
	PositionsValue decimal.Decimal
	Total          decimal.Decimal
	OpenPositions  int
}

// CostBasis returns the fee-inclusive average entry price over fills:
// (sum(price*size) + sum(fee)) / sum(size). Zero size yields zero.
func CostBasis(fills []Fill) decimal.Decimal {
	var notional, fees, size decimal.Decimal
	for _, f := range fills {
		notional = notional.Add(f.Price.Mul(f.Size))
		fees = fees.Add(f.Fee)
		size = size.Add(f.Size)
	}
	if size.Sign() == 0 {
		return decimal.Zero
	}
	return notional.Add(fees).Div(size)
}
