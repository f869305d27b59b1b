package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderKind denotes the order shapes the engine places.
type OrderKind string

const (
	KindLimitGTCPostOnly OrderKind = "limit_gtc_post_only"
	KindMarket           OrderKind = "market"
	KindStopLimit        OrderKind = "stop_limit"
	KindBracket          OrderKind = "trigger_bracket_gtc"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusOpen      OrderStatus = "OPEN"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusExpired   OrderStatus = "EXPIRED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusUnknown   OrderStatus = "UNKNOWN"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// Liquidity flags on a fill.
const (
	LiquidityMaker = "MAKER"
	LiquidityTaker = "TAKER"
)

// Product is an exchange trading pair, immutable within a session.
type Product struct {
	ID              string
	Base            string
	Quote           string
	BaseIncrement   decimal.Decimal
	QuoteIncrement  decimal.Decimal
	MinBase         decimal.Decimal
	MinQuote        decimal.Decimal
	Volume24h       decimal.Decimal // quote-denominated trailing volume
	ViewOnly        bool
	TradingDisabled bool
}

// Tradable reports whether orders may be placed on the product given the
// configured minimum-quote floor.
func (p Product) Tradable(minQuoteFloor decimal.Decimal) bool {
	return !p.ViewOnly && !p.TradingDisabled && p.MinQuote.LessThanOrEqual(minQuoteFloor)
}

// Candle is one OHLCV bar.
type Candle struct {
	StartTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// BestBidAsk is a top-of-book quote.
type BestBidAsk struct {
	ProductID string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Time      time.Time
}

// MarketTrade is one public trade, used for volume-flow analysis.
type MarketTrade struct {
	TradeID   string
	ProductID string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      Side // aggressor side
	Time      time.Time
}

// Balance is one currency account.
type Balance struct {
	Currency  string
	Available decimal.Decimal
	Hold      decimal.Decimal
}

// OrderRequest captures an order intent to be sent to the exchange. The
// ClientID is generated locally and is the idempotency key.
type OrderRequest struct {
	ClientID   string
	ProductID  string
	Side       Side
	Kind       OrderKind
	BaseSize   decimal.Decimal
	LimitPrice decimal.Decimal // limit and stop_limit
	StopPrice  decimal.Decimal // stop_limit and bracket
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeID string
	ClientID   string
	Status     OrderStatus
}

// OrderState is the exchange's current view of an order.
type OrderState struct {
	ExchangeID string
	ClientID   string
	ProductID  string
	Status     OrderStatus
	FilledSize decimal.Decimal
	AvgPrice   decimal.Decimal
}

// Fill is one execution reported by the exchange.
type Fill struct {
	FillID     string
	ExchangeID string
	ClientID   string
	ProductID  string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	Fee        decimal.Decimal
	Liquidity  string
	Time       time.Time
}

// FillQuery filters GetFills; zero fields are unconstrained.
type FillQuery struct {
	ExchangeID string
	ProductID  string
}

// OrderRef addresses an order by either identifier.
type OrderRef struct {
	ClientID   string
	ExchangeID string
}

// OrderPreview is the exchange's pre-trade estimate.
type OrderPreview struct {
	QuoteValue  decimal.Decimal
	FeePct      decimal.Decimal
	SlippagePct decimal.Decimal
}

// TransactionSummary carries the account fee tier.
type TransactionSummary struct {
	FeeTier      string
	MakerFeeRate decimal.Decimal
	TakerFeeRate decimal.Decimal
	VolumeQuote  decimal.Decimal
}

// ConvertQuote is a priced holdings conversion awaiting commit.
type ConvertQuote struct {
	QuoteID      string
	FromCurrency string
	ToCurrency   string
	FromAmount   decimal.Decimal
	ToAmount     decimal.Decimal
	ExpiresAt    time.Time
}

// Ticker is one streaming price update.
type Ticker struct {
	ProductID string
	Price     decimal.Decimal
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Time      time.Time
}

// OrderUpdate is one user-channel order event carrying the order's
// cumulative fill state; individual fills, with their ids, come from
// GetFills.
type OrderUpdate struct {
	ExchangeID           string
	ClientID             string
	ProductID            string
	Status               OrderStatus
	CumulativeFilledSize decimal.Decimal
	AvgPrice             decimal.Decimal
	Time                 time.Time
}
