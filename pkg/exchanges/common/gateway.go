package common

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway abstracts the exchange REST plane. HTTP and transport failures
// surface as a typed *APIError (possibly wrapped); response decode errors
// are plain errors. Transient and rate-limited failures are retried inside
// the implementation up to the retry policy cap.
type Gateway interface {
	GetAccounts(ctx context.Context) ([]Balance, error)
	ListProducts(ctx context.Context) ([]Product, error)
	GetCandles(ctx context.Context, productID, granularity string, start, end time.Time, limit int) ([]Candle, error)
	GetBestBidAsk(ctx context.Context, productIDs []string) ([]BestBidAsk, error)
	GetRecentTrades(ctx context.Context, productID string, n int) ([]MarketTrade, error)
	PreviewOrder(ctx context.Context, req OrderRequest) (*OrderPreview, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, ref OrderRef) error
	GetOrder(ctx context.Context, exchangeID string) (*OrderState, error)
	GetFills(ctx context.Context, q FillQuery) ([]Fill, error)
	GetTransactionSummary(ctx context.Context) (*TransactionSummary, error)
	CheckPermissions(ctx context.Context) error
	CreateConvertQuote(ctx context.Context, from, to string, amount decimal.Decimal) (*ConvertQuote, error)
	CommitConvertTrade(ctx context.Context, quoteID string) (*ConvertQuote, error)
}

// TickerHandler receives streaming price updates.
type TickerHandler func(Ticker)

// OrderUpdateHandler receives user-channel order events.
type OrderUpdateHandler func(OrderUpdate)

// Stream abstracts the exchange streaming plane. Handlers are registered
// before Start; they run on the reader goroutine and must hand work off
// quickly.
type Stream interface {
	Subscribe(productIDs []string)
	OnTicker(h TickerHandler)
	OnOrderUpdate(h OrderUpdateHandler)
	// OnResync fires after every reconnect, once resubscription is done;
	// the order manager re-reconciles all non-terminal orders on it.
	OnResync(h func())
	Start(ctx context.Context) error
	Close() error
}
