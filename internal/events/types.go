package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event enumerates high-level topics inside the trading engine.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventOrderUpdate    Event = "order.update"
	EventOrderFilled    Event = "order.filled"
	EventPositionOpened Event = "position.opened"
	EventPositionClosed Event = "position.closed"
	EventRiskAlert      Event = "risk.alert"
	EventEquitySnapshot Event = "equity.snapshot"
)

// PriceTick is the payload on EventPriceTick.
type PriceTick struct {
	ProductID string
	Price     decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Time      time.Time
}

// OrderEvent is the payload on order topics.
type OrderEvent struct {
	ClientID   string
	ExchangeID string
	ProductID  string
	Status     string
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
}

// PositionEvent is the payload on position topics.
type PositionEvent struct {
	PositionID string
	ProductID  string
	Strategy   string
	Reason     string
}

// RiskAlert is the payload on EventRiskAlert.
type RiskAlert struct {
	Kind    string
	Message string
}

// EquityEvent is the payload on EventEquitySnapshot.
type EquityEvent struct {
	Equity   decimal.Decimal
	Drawdown decimal.Decimal
	Halted   bool
}
