// Package coinbase implements the exchange gateway over the Coinbase
// Advanced Trade REST and WebSocket APIs.
package coinbase

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spot-trader/pkg/exchanges/common"
	"spot-trader/pkg/money"
)

// Config holds Coinbase credentials.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // override for tests
}

// Client is the REST plane of the gateway.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	buckets    *common.Buckets
	retry      common.RetryPolicy
	clock      *common.TimeSync
}

// New creates a REST client with per-endpoint-class token buckets.
func New(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.coinbase.com"
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		buckets:    common.NewBuckets(),
		retry:      common.DefaultRetryPolicy(),
	}
	c.clock = common.NewTimeSync(c.serverTime)
	return c
}

// ----------------------------------------
// Transport
// ----------------------------------------

// do signs and performs one HTTP request, classifying failures into the
// gateway error taxonomy. Retries happen in doRetry, above this level.
func (c *Client) do(ctx context.Context, class common.EndpointClass, method, path string, query url.Values, reqBody, out any) error {
	if err := c.buckets.Wait(ctx, class); err != nil {
		return err
	}

	fullPath := path
	if len(query) > 0 {
		fullPath += "?" + query.Encode()
	}

	var bodyBytes []byte
	if reqBody != nil {
		var err error
		bodyBytes, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+fullPath, bytes.NewReader(bodyBytes))
	if err != nil {
		return &common.APIError{Kind: common.KindInvalidRequest, Op: path, Message: err.Error(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	if class != common.ClassPublic {
		timestamp := strconv.FormatInt(c.clock.Now().Unix(), 10)
		prehash := timestamp + method + path + string(bodyBytes)
		req.Header.Set("CB-ACCESS-KEY", c.cfg.APIKey)
		req.Header.Set("CB-ACCESS-SIGN", sign(prehash, c.cfg.APISecret))
		req.Header.Set("CB-ACCESS-TIMESTAMP", timestamp)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return &common.APIError{Kind: common.KindTransient, Op: path, Message: err.Error(), Err: err}
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return &common.APIError{
			Kind:    common.ClassifyHTTP(res.StatusCode),
			Op:      path,
			Status:  res.StatusCode,
			Message: strings.TrimSpace(string(raw)),
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// doRetry wraps do with the shared backoff policy for transient and
// rate-limited failures.
func (c *Client) doRetry(ctx context.Context, class common.EndpointClass, method, path string, query url.Values, reqBody, out any) error {
	return common.WithRetry(ctx, "coinbase "+method+" "+path, c.retry, func() error {
		return c.do(ctx, class, method, path, query, reqBody, out)
	})
}

// serverTime reads the exchange clock off the public time endpoint. It
// deliberately bypasses do: the signing path depends on this value.
func (c *Client) serverTime(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/brokerage/time", nil)
	if err != nil {
		return time.Time{}, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return time.Time{}, fmt.Errorf("server time: status %d", res.StatusCode)
	}
	var body struct {
		EpochSeconds string `json:"epochSeconds"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	secs, err := strconv.ParseInt(body.EpochSeconds, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("server time: parse %q: %w", body.EpochSeconds, err)
	}
	return time.Unix(secs, 0), nil
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// ----------------------------------------
// Accounts and products
// ----------------------------------------

type accountsResponse struct {
	Accounts []struct {
		Currency         string `json:"currency"`
		AvailableBalance struct {
			Value string `json:"value"`
		} `json:"available_balance"`
		Hold struct {
			Value string `json:"value"`
		} `json:"hold"`
	} `json:"accounts"`
}

// GetAccounts returns all currency balances.
func (c *Client) GetAccounts(ctx context.Context) ([]common.Balance, error) {
	var resp accountsResponse
	if err := c.doRetry(ctx, common.ClassPrivate, http.MethodGet, "/api/v3/brokerage/accounts", nil, nil, &resp); err != nil {
		return nil, err
	}
	balances := make([]common.Balance, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		available, err := money.Parse(a.AvailableBalance.Value)
		if err != nil {
			return nil, err
		}
		hold, err := money.Parse(a.Hold.Value)
		if err != nil {
			return nil, err
		}
		balances = append(balances, common.Balance{
			Currency:  a.Currency,
			Available: available,
			Hold:      hold,
		})
	}
	return balances, nil
}

type productsResponse struct {
	Products []productDTO `json:"products"`
}

type productDTO struct {
	ProductID       string `json:"product_id"`
	BaseCurrency    string `json:"base_currency_id"`
	QuoteCurrency   string `json:"quote_currency_id"`
	BaseIncrement   string `json:"base_increment"`
	QuoteIncrement  string `json:"quote_increment"`
	BaseMinSize     string `json:"base_min_size"`
	QuoteMinSize    string `json:"quote_min_size"`
	Volume24h       string `json:"volume_24h"`
	ViewOnly        bool   `json:"view_only"`
	TradingDisabled bool   `json:"trading_disabled"`
}

// ListProducts returns all spot products.
func (c *Client) ListProducts(ctx context.Context) ([]common.Product, error) {
	var resp productsResponse
	if err := c.doRetry(ctx, common.ClassPublic, http.MethodGet, "/api/v3/brokerage/products", nil, nil, &resp); err != nil {
		return nil, err
	}
	products := make([]common.Product, 0, len(resp.Products))
	for _, p := range resp.Products {
		prod, err := mapProduct(p)
		if err != nil {
			return nil, err
		}
		products = append(products, prod)
	}
	return products, nil
}

func mapProduct(p productDTO) (common.Product, error) {
	baseInc, err := money.Parse(p.BaseIncrement)
	if err != nil {
		return common.Product{}, err
	}
	quoteInc, err := money.Parse(p.QuoteIncrement)
	if err != nil {
		return common.Product{}, err
	}
	minBase, err := money.Parse(p.BaseMinSize)
	if err != nil {
		return common.Product{}, err
	}
	minQuote, err := money.Parse(p.QuoteMinSize)
	if err != nil {
		return common.Product{}, err
	}
	// volume_24h is absent on some view-only listings.
	vol := decimal.Zero
	if p.Volume24h != "" {
		if vol, err = money.Parse(p.Volume24h); err != nil {
			return common.Product{}, err
		}
	}
	return common.Product{
		ID:              p.ProductID,
		Base:            p.BaseCurrency,
		Quote:           p.QuoteCurrency,
		BaseIncrement:   baseInc,
		QuoteIncrement:  quoteInc,
		MinBase:         minBase,
		MinQuote:        minQuote,
		Volume24h:       vol,
		ViewOnly:        p.ViewOnly,
		TradingDisabled: p.TradingDisabled,
	}, nil
}

// ----------------------------------------
// Market data
// ----------------------------------------

type candlesResponse struct {
	Candles []struct {
		Start  string `json:"start"`
		Open   string `json:"open"`
		High   string `json:"high"`
		Low    string `json:"low"`
		Close  string `json:"close"`
		Volume string `json:"volume"`
	} `json:"candles"`
}

// GetCandles returns OHLCV bars in ascending start-time order.
func (c *Client) GetCandles(ctx context.Context, productID, granularity string, start, end time.Time, limit int) ([]common.Candle, error) {
	q := url.Values{}
	q.Set("granularity", granularity)
	q.Set("start", strconv.FormatInt(start.Unix(), 10))
	q.Set("end", strconv.FormatInt(end.Unix(), 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp candlesResponse
	path := "/api/v3/brokerage/products/" + url.PathEscape(productID) + "/candles"
	if err := c.doRetry(ctx, common.ClassPublic, http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}

	candles := make([]common.Candle, 0, len(resp.Candles))
	for _, k := range resp.Candles {
		sec, err := strconv.ParseInt(k.Start, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse candle start %q: %w", k.Start, err)
		}
		open, err := money.Parse(k.Open)
		if err != nil {
			return nil, err
		}
		high, err := money.Parse(k.High)
		if err != nil {
			return nil, err
		}
		low, err := money.Parse(k.Low)
		if err != nil {
			return nil, err
		}
		cl, err := money.Parse(k.Close)
		if err != nil {
			return nil, err
		}
		vol, err := money.Parse(k.Volume)
		if err != nil {
			return nil, err
		}
		candles = append(candles, common.Candle{
			StartTime: time.Unix(sec, 0).UTC(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cl,
			Volume:    vol,
		})
	}
	// The API returns newest first.
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].StartTime.Before(candles[j].StartTime)
	})
	return candles, nil
}

type bidAskResponse struct {
	Pricebooks []struct {
		ProductID string `json:"product_id"`
		Bids      []struct {
			Price string `json:"price"`
		} `json:"bids"`
		Asks []struct {
			Price string `json:"price"`
		} `json:"asks"`
		Time time.Time `json:"time"`
	} `json:"pricebooks"`
}

// GetBestBidAsk returns top-of-book quotes for the given products.
func (c *Client) GetBestBidAsk(ctx context.Context, productIDs []string) ([]common.BestBidAsk, error) {
	q := url.Values{}
	for _, id := range productIDs {
		q.Add("product_ids", id)
	}
	var resp bidAskResponse
	if err := c.doRetry(ctx, common.ClassPublic, http.MethodGet, "/api/v3/brokerage/best_bid_ask", q, nil, &resp); err != nil {
		return nil, err
	}
	quotes := make([]common.BestBidAsk, 0, len(resp.Pricebooks))
	for _, pb := range resp.Pricebooks {
		var bid, ask decimal.Decimal
		var err error
		if len(pb.Bids) > 0 {
			if bid, err = money.Parse(pb.Bids[0].Price); err != nil {
				return nil, err
			}
		}
		if len(pb.Asks) > 0 {
			if ask, err = money.Parse(pb.Asks[0].Price); err != nil {
				return nil, err
			}
		}
		quotes = append(quotes, common.BestBidAsk{
			ProductID: pb.ProductID,
			Bid:       bid,
			Ask:       ask,
			Time:      pb.Time,
		})
	}
	return quotes, nil
}

type tradesResponse struct {
	Trades []struct {
		TradeID string    `json:"trade_id"`
		Price   string    `json:"price"`
		Size    string    `json:"size"`
		Side    string    `json:"side"`
		Time    time.Time `json:"time"`
	} `json:"trades"`
}

// GetRecentTrades returns the last n public trades for a product.
func (c *Client) GetRecentTrades(ctx context.Context, productID string, n int) ([]common.MarketTrade, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(n))
	var resp tradesResponse
	path := "/api/v3/brokerage/products/" + url.PathEscape(productID) + "/ticker"
	if err := c.doRetry(ctx, common.ClassPublic, http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}
	trades := make([]common.MarketTrade, 0, len(resp.Trades))
	for _, t := range resp.Trades {
		price, err := money.Parse(t.Price)
		if err != nil {
			return nil, err
		}
		size, err := money.Parse(t.Size)
		if err != nil {
			return nil, err
		}
		trades = append(trades, common.MarketTrade{
			TradeID:   t.TradeID,
			ProductID: productID,
			Price:     price,
			Size:      size,
			Side:      common.Side(strings.ToUpper(t.Side)),
			Time:      t.Time,
		})
	}
	return trades, nil
}

// ----------------------------------------
// Orders
// ----------------------------------------

type orderConfiguration struct {
	LimitGTC *struct {
		BaseSize   string `json:"base_size"`
		LimitPrice string `json:"limit_price"`
		PostOnly   bool   `json:"post_only"`
	} `json:"limit_limit_gtc,omitempty"`
	MarketIOC *struct {
		BaseSize string `json:"base_size"`
	} `json:"market_market_ioc,omitempty"`
	StopLimitGTC *struct {
		BaseSize      string `json:"base_size"`
		LimitPrice    string `json:"limit_price"`
		StopPrice     string `json:"stop_price"`
		StopDirection string `json:"stop_direction"`
	} `json:"stop_limit_stop_limit_gtc,omitempty"`
	TriggerBracketGTC *struct {
		BaseSize         string `json:"base_size"`
		LimitPrice       string `json:"limit_price"`
		StopTriggerPrice string `json:"stop_trigger_price"`
	} `json:"trigger_bracket_gtc,omitempty"`
}

type placeOrderRequest struct {
	ClientOrderID string             `json:"client_order_id"`
	ProductID     string             `json:"product_id"`
	Side          string             `json:"side"`
	Configuration orderConfiguration `json:"order_configuration"`
}

type placeOrderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID       string `json:"order_id"`
		ClientOrderID string `json:"client_order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	} `json:"error_response"`
}

func buildConfiguration(req common.OrderRequest) (orderConfiguration, error) {
	var cfg orderConfiguration
	size := req.BaseSize.String()
	switch req.Kind {
	case common.KindLimitGTCPostOnly:
		cfg.LimitGTC = &struct {
			BaseSize   string `json:"base_size"`
			LimitPrice string `json:"limit_price"`
			PostOnly   bool   `json:"post_only"`
		}{BaseSize: size, LimitPrice: req.LimitPrice.String(), PostOnly: true}
	case common.KindMarket:
		cfg.MarketIOC = &struct {
			BaseSize string `json:"base_size"`
		}{BaseSize: size}
	case common.KindStopLimit:
		direction := "STOP_DIRECTION_STOP_DOWN"
		if req.Side == common.SideBuy {
			direction = "STOP_DIRECTION_STOP_UP"
		}
		cfg.StopLimitGTC = &struct {
			BaseSize      string `json:"base_size"`
			LimitPrice    string `json:"limit_price"`
			StopPrice     string `json:"stop_price"`
			StopDirection string `json:"stop_direction"`
		}{BaseSize: size, LimitPrice: req.LimitPrice.String(), StopPrice: req.StopPrice.String(), StopDirection: direction}
	case common.KindBracket:
		cfg.TriggerBracketGTC = &struct {
			BaseSize         string `json:"base_size"`
			LimitPrice       string `json:"limit_price"`
			StopTriggerPrice string `json:"stop_trigger_price"`
		}{BaseSize: size, LimitPrice: req.LimitPrice.String(), StopTriggerPrice: req.StopPrice.String()}
	default:
		return cfg, common.NewAPIError(common.KindInvalidRequest, "place_order", fmt.Sprintf("unsupported order kind %q", req.Kind))
	}
	return cfg, nil
}

// PlaceOrder submits an order. The client_order_id makes retries after a
// transport error idempotent on the exchange side.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (*common.OrderResult, error) {
	cfg, err := buildConfiguration(req)
	if err != nil {
		return nil, err
	}
	body := placeOrderRequest{
		ClientOrderID: req.ClientID,
		ProductID:     req.ProductID,
		Side:          string(req.Side),
		Configuration: cfg,
	}
	var resp placeOrderResponse
	if err := c.doRetry(ctx, common.ClassOrder, http.MethodPost, "/api/v3/brokerage/orders", nil, body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, common.NewAPIError(common.KindInvalidRequest, "place_order",
			fmt.Sprintf("%s: %s", resp.ErrorResponse.Error, resp.ErrorResponse.Message))
	}
	return &common.OrderResult{
		ExchangeID: resp.SuccessResponse.OrderID,
		ClientID:   resp.SuccessResponse.ClientOrderID,
		Status:     common.StatusOpen,
	}, nil
}

type cancelResponse struct {
	Results []struct {
		Success bool   `json:"success"`
		OrderID string `json:"order_id"`
		Reason  string `json:"failure_reason"`
	} `json:"results"`
}

// CancelOrder cancels by exchange id, resolving a client id first when
// that is all the caller has.
func (c *Client) CancelOrder(ctx context.Context, ref common.OrderRef) error {
	exchangeID := ref.ExchangeID
	if exchangeID == "" {
		if ref.ClientID == "" {
			return common.NewAPIError(common.KindInvalidRequest, "cancel_order", "empty order reference")
		}
		state, err := c.getOrderByClientID(ctx, ref.ClientID)
		if err != nil {
			return err
		}
		exchangeID = state.ExchangeID
	}

	body := map[string][]string{"order_ids": {exchangeID}}
	var resp cancelResponse
	if err := c.doRetry(ctx, common.ClassOrder, http.MethodPost, "/api/v3/brokerage/orders/batch_cancel", nil, body, &resp); err != nil {
		return err
	}
	for _, r := range resp.Results {
		if r.OrderID == exchangeID && !r.Success {
			return common.NewAPIError(common.KindInvalidRequest, "cancel_order", r.Reason)
		}
	}
	return nil
}

type orderDTO struct {
	OrderID            string `json:"order_id"`
	ClientOrderID      string `json:"client_order_id"`
	ProductID          string `json:"product_id"`
	Status             string `json:"status"`
	FilledSize         string `json:"filled_size"`
	AverageFilledPrice string `json:"average_filled_price"`
}

type getOrderResponse struct {
	Order orderDTO `json:"order"`
}

// GetOrder returns the exchange's current view of an order.
func (c *Client) GetOrder(ctx context.Context, exchangeID string) (*common.OrderState, error) {
	var resp getOrderResponse
	path := "/api/v3/brokerage/orders/historical/" + url.PathEscape(exchangeID)
	if err := c.doRetry(ctx, common.ClassPrivate, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return mapOrderState(resp.Order)
}

type listOrdersResponse struct {
	Orders []orderDTO `json:"orders"`
}

func (c *Client) getOrderByClientID(ctx context.Context, clientID string) (*common.OrderState, error) {
	q := url.Values{}
	q.Add("client_oids", clientID)
	var resp listOrdersResponse
	if err := c.doRetry(ctx, common.ClassPrivate, http.MethodGet, "/api/v3/brokerage/orders/historical/batch", q, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Orders) == 0 {
		return nil, common.NewAPIError(common.KindNotFound, "get_order", "no order for client id "+clientID)
	}
	return mapOrderState(resp.Orders[0])
}

func mapOrderState(o orderDTO) (*common.OrderState, error) {
	filled, err := money.Parse(o.FilledSize)
	if err != nil {
		return nil, err
	}
	avg, err := money.Parse(o.AverageFilledPrice)
	if err != nil {
		return nil, err
	}
	return &common.OrderState{
		ExchangeID: o.OrderID,
		ClientID:   o.ClientOrderID,
		ProductID:  o.ProductID,
		Status:     MapStatus(o.Status),
		FilledSize: filled,
		AvgPrice:   avg,
	}, nil
}

// MapStatus normalizes an exchange status string.
func MapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "PENDING":
		return common.StatusPending
	case "OPEN":
		return common.StatusOpen
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELLED", "CANCEL_QUEUED":
		return common.StatusCancelled
	case "EXPIRED":
		return common.StatusExpired
	case "FAILED", "REJECTED":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}

type fillsResponse struct {
	Fills []struct {
		TradeID        string    `json:"trade_id"`
		OrderID        string    `json:"order_id"`
		ProductID      string    `json:"product_id"`
		Side           string    `json:"side"`
		Price          string    `json:"price"`
		Size           string    `json:"size"`
		Commission     string    `json:"commission"`
		LiquidityFlag  string    `json:"liquidity_indicator"`
		SequenceStamp  string    `json:"sequence_timestamp"`
		TradeTime      time.Time `json:"trade_time"`
	} `json:"fills"`
}

// GetFills returns executions matching the query, oldest first.
func (c *Client) GetFills(ctx context.Context, fq common.FillQuery) ([]common.Fill, error) {
	q := url.Values{}
	if fq.ExchangeID != "" {
		q.Set("order_id", fq.ExchangeID)
	}
	if fq.ProductID != "" {
		q.Set("product_id", fq.ProductID)
	}
	var resp fillsResponse
	if err := c.doRetry(ctx, common.ClassPrivate, http.MethodGet, "/api/v3/brokerage/orders/historical/fills", q, nil, &resp); err != nil {
		return nil, err
	}
	fills := make([]common.Fill, 0, len(resp.Fills))
	for _, f := range resp.Fills {
		price, err := money.Parse(f.Price)
		if err != nil {
			return nil, err
		}
		size, err := money.Parse(f.Size)
		if err != nil {
			return nil, err
		}
		fee, err := money.Parse(f.Commission)
		if err != nil {
			return nil, err
		}
		liquidity := common.LiquidityTaker
		if strings.EqualFold(f.LiquidityFlag, "MAKER") || f.LiquidityFlag == "M" {
			liquidity = common.LiquidityMaker
		}
		fills = append(fills, common.Fill{
			FillID:     f.TradeID,
			ExchangeID: f.OrderID,
			ProductID:  f.ProductID,
			Side:       common.Side(strings.ToUpper(f.Side)),
			Price:      price,
			Size:       size,
			Fee:        fee,
			Liquidity:  liquidity,
			Time:       f.TradeTime,
		})
	}
	sort.Slice(fills, func(i, j int) bool {
		if fills[i].Time.Equal(fills[j].Time) {
			return fills[i].FillID < fills[j].FillID
		}
		return fills[i].Time.Before(fills[j].Time)
	})
	return fills, nil
}

type previewResponse struct {
	OrderTotal   string `json:"order_total"`
	CommissionTotal string `json:"commission_total"`
	Slippage     string `json:"slippage"`
}

// PreviewOrder asks the exchange for fee and slippage estimates.
func (c *Client) PreviewOrder(ctx context.Context, req common.OrderRequest) (*common.OrderPreview, error) {
	cfg, err := buildConfiguration(req)
	if err != nil {
		return nil, err
	}
	body := placeOrderRequest{
		ProductID:     req.ProductID,
		Side:          string(req.Side),
		Configuration: cfg,
	}
	var resp previewResponse
	if err := c.doRetry(ctx, common.ClassOrder, http.MethodPost, "/api/v3/brokerage/orders/preview", nil, body, &resp); err != nil {
		return nil, err
	}

	total, err := money.Parse(resp.OrderTotal)
	if err != nil {
		return nil, err
	}
	commission, err := money.Parse(resp.CommissionTotal)
	if err != nil {
		return nil, err
	}
	slippage, err := money.Parse(resp.Slippage)
	if err != nil {
		return nil, err
	}

	feePct, slippagePct := decimal.Zero, decimal.Zero
	if total.Sign() > 0 {
		feePct = commission.Div(total)
		slippagePct = slippage.Div(total)
	}
	return &common.OrderPreview{
		QuoteValue:  total,
		FeePct:      feePct,
		SlippagePct: slippagePct,
	}, nil
}

// ----------------------------------------
// Account metadata and conversion
// ----------------------------------------

type summaryResponse struct {
	FeeTier struct {
		PricingTier  string `json:"pricing_tier"`
		MakerFeeRate string `json:"maker_fee_rate"`
		TakerFeeRate string `json:"taker_fee_rate"`
	} `json:"fee_tier"`
	TotalVolume float64 `json:"total_volume"`
}

// GetTransactionSummary returns the account fee tier.
func (c *Client) GetTransactionSummary(ctx context.Context) (*common.TransactionSummary, error) {
	var resp summaryResponse
	if err := c.doRetry(ctx, common.ClassPrivate, http.MethodGet, "/api/v3/brokerage/transaction_summary", nil, nil, &resp); err != nil {
		return nil, err
	}
	maker, err := money.Parse(resp.FeeTier.MakerFeeRate)
	if err != nil {
		return nil, err
	}
	taker, err := money.Parse(resp.FeeTier.TakerFeeRate)
	if err != nil {
		return nil, err
	}
	return &common.TransactionSummary{
		FeeTier:      resp.FeeTier.PricingTier,
		MakerFeeRate: maker,
		TakerFeeRate: taker,
		VolumeQuote:  decimal.NewFromFloat(resp.TotalVolume),
	}, nil
}

type permissionsResponse struct {
	CanView  bool `json:"can_view"`
	CanTrade bool `json:"can_trade"`
}

// CheckPermissions verifies the API key can view and trade.
func (c *Client) CheckPermissions(ctx context.Context) error {
	var resp permissionsResponse
	if err := c.doRetry(ctx, common.ClassPrivate, http.MethodGet, "/api/v3/brokerage/key_permissions", nil, nil, &resp); err != nil {
		return err
	}
	if !resp.CanView || !resp.CanTrade {
		return common.NewAPIError(common.KindAuth, "check_permissions",
			fmt.Sprintf("key permissions insufficient: view=%v trade=%v", resp.CanView, resp.CanTrade))
	}
	return nil
}

type convertQuoteResponse struct {
	Trade struct {
		ID         string `json:"id"`
		UserEnteredAmount struct {
			Value string `json:"value"`
		} `json:"user_entered_amount"`
		Output struct {
			Value string `json:"value"`
		} `json:"output_amount"`
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"trade"`
}

// CreateConvertQuote prices a holdings conversion.
func (c *Client) CreateConvertQuote(ctx context.Context, from, to string, amount decimal.Decimal) (*common.ConvertQuote, error) {
	body := map[string]any{
		"from_account": from,
		"to_account":   to,
		"amount":       amount.String(),
	}
	var resp convertQuoteResponse
	if err := c.doRetry(ctx, common.ClassOrder, http.MethodPost, "/api/v3/brokerage/convert/quote", nil, body, &resp); err != nil {
		return nil, err
	}
	return mapConvertQuote(resp, from, to)
}

// CommitConvertTrade executes a previously created quote.
func (c *Client) CommitConvertTrade(ctx context.Context, quoteID string) (*common.ConvertQuote, error) {
	path := "/api/v3/brokerage/convert/trade/" + url.PathEscape(quoteID)
	var resp convertQuoteResponse
	if err := c.doRetry(ctx, common.ClassOrder, http.MethodPost, path, nil, map[string]any{}, &resp); err != nil {
		return nil, err
	}
	return mapConvertQuote(resp, "", "")
}

func mapConvertQuote(resp convertQuoteResponse, from, to string) (*common.ConvertQuote, error) {
	fromAmount, err := money.Parse(resp.Trade.UserEnteredAmount.Value)
	if err != nil {
		return nil, err
	}
	toAmount, err := money.Parse(resp.Trade.Output.Value)
	if err != nil {
		return nil, err
	}
	return &common.ConvertQuote{
		QuoteID:      resp.Trade.ID,
		FromCurrency: from,
		ToCurrency:   to,
		FromAmount:   fromAmount,
		ToAmount:     toAmount,
		ExpiresAt:    resp.Trade.ExpiresAt,
	}, nil
}

var _ common.Gateway = (*Client)(nil)
