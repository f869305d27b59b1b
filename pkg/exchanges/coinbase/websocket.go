package coinbase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spot-trader/pkg/exchanges/common"
	"spot-trader/pkg/money"
)

const defaultStreamURL = "wss://advanced-trade-ws.coinbase.com"

const (
	reconnectBaseDelay = 250 * time.Millisecond
	reconnectMaxDelay  = 30 * time.Second
)

// StreamClient maintains a websocket subscription to the ticker and user
// channels. It reconnects with jittered exponential backoff and resubscribes
// after every reconnect, then fires the registered resync handlers so callers
// can reconcile anything missed during the gap.
type StreamClient struct {
	cfg    Config
	url    string
	dialer *websocket.Dialer

	mu            sync.Mutex
	productIDs    []string
	tickerHandler common.TickerHandler
	orderHandler  common.OrderUpdateHandler
	resyncHandler func()
	conn          *websocket.Conn
	started       bool
	closed        chan struct{}
	done          chan struct{}
}

// NewStream builds a stream client. Credentials are optional; without them
// the user channel is skipped and only public market data flows.
func NewStream(cfg Config) *StreamClient {
	return &StreamClient{
		cfg:    cfg,
		url:    defaultStreamURL,
		dialer: websocket.DefaultDialer,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Subscribe sets the product set streamed on the ticker channel. Must be
// called before Start.
func (s *StreamClient) Subscribe(productIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.productIDs = append([]string(nil), productIDs...)
}

func (s *StreamClient) OnTicker(h common.TickerHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickerHandler = h
}

func (s *StreamClient) OnOrderUpdate(h common.OrderUpdateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderHandler = h
}

func (s *StreamClient) OnResync(h func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncHandler = h
}

// Start runs the connect/read/reconnect loop until ctx is cancelled or
// Close is called. The first successful connect returns nil immediately;
// the loop keeps running in the background.
func (s *StreamClient) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("stream already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		return err
	}

	go s.run(ctx)
	return nil
}

// Close tears down the connection and stops the reconnect loop.
func (s *StreamClient) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	<-s.done
	return nil
}

func (s *StreamClient) run(ctx context.Context) {
	defer close(s.done)

	delay := reconnectBaseDelay
	for {
		err := s.readLoop()

		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		default:
		}
		if err != nil {
			log.Printf("stream: connection lost: %v", err)
		}

		for {
			jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)))
			log.Printf("stream: reconnecting in %v", jittered.Round(time.Millisecond))
			select {
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			case <-time.After(jittered):
			}

			if err := s.connect(ctx); err != nil {
				log.Printf("stream: reconnect failed: %v", err)
				delay *= 2
				if delay > reconnectMaxDelay {
					delay = reconnectMaxDelay
				}
				continue
			}
			delay = reconnectBaseDelay
			s.fireResync()
			break
		}
	}
}

func (s *StreamClient) connect(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}

	s.mu.Lock()
	products := append([]string(nil), s.productIDs...)
	s.conn = conn
	s.mu.Unlock()

	if err := s.subscribeChannel(conn, "ticker_batch", products); err != nil {
		_ = conn.Close()
		return err
	}
	if s.cfg.APIKey != "" {
		if err := s.subscribeChannel(conn, "user", nil); err != nil {
			_ = conn.Close()
			return err
		}
	}
	return nil
}

type subscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids,omitempty"`
	Channel    string   `json:"channel"`
	APIKey     string   `json:"api_key,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
	Signature  string   `json:"signature,omitempty"`
}

func (s *StreamClient) subscribeChannel(conn *websocket.Conn, channel string, products []string) error {
	msg := subscribeMessage{
		Type:       "subscribe",
		ProductIDs: products,
		Channel:    channel,
	}
	if s.cfg.APIKey != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		prehash := ts + channel + strings.Join(products, ",")
		mac := hmac.New(sha256.New, []byte(s.cfg.APISecret))
		mac.Write([]byte(prehash))
		msg.APIKey = s.cfg.APIKey
		msg.Timestamp = ts
		msg.Signature = hex.EncodeToString(mac.Sum(nil))
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return nil
}

func (s *StreamClient) fireResync() {
	s.mu.Lock()
	h := s.resyncHandler
	s.mu.Unlock()
	if h != nil {
		h()
	}
}

// readLoop reads until the connection drops. Returns the read error, or nil
// when the close was deliberate.
func (s *StreamClient) readLoop() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no connection")
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return err
		}
		s.handleMessage(msg)
	}
}

type streamEnvelope struct {
	Channel string `json:"channel"`
	Events  []struct {
		Type    string           `json:"type"`
		Tickers []tickerEventDTO `json:"tickers"`
		Orders  []orderEventDTO  `json:"orders"`
	} `json:"events"`
	Timestamp time.Time `json:"timestamp"`
}

type tickerEventDTO struct {
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
}

type orderEventDTO struct {
	OrderID            string `json:"order_id"`
	ClientOrderID      string `json:"client_order_id"`
	ProductID          string `json:"product_id"`
	Status             string `json:"status"`
	CumulativeQuantity string `json:"cumulative_quantity"`
	AvgPrice           string `json:"avg_price"`
}

func (s *StreamClient) handleMessage(msg []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		log.Printf("stream: parse error: %v", err)
		return
	}

	switch env.Channel {
	case "ticker_batch", "ticker":
		s.handleTickers(env)
	case "user":
		s.handleOrders(env)
	default:
		// subscriptions acks, heartbeats
	}
}

func (s *StreamClient) handleTickers(env streamEnvelope) {
	s.mu.Lock()
	h := s.tickerHandler
	s.mu.Unlock()
	if h == nil {
		return
	}

	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	for _, ev := range env.Events {
		for _, t := range ev.Tickers {
			price, err := money.Parse(t.Price)
			if err != nil {
				log.Printf("stream: bad ticker price %q for %s", t.Price, t.ProductID)
				continue
			}
			bid, _ := money.Parse(t.BestBid)
			ask, _ := money.Parse(t.BestAsk)
			h(common.Ticker{
				ProductID: t.ProductID,
				Price:     price,
				BestBid:   bid,
				BestAsk:   ask,
				Time:      ts,
			})
		}
	}
}

func (s *StreamClient) handleOrders(env streamEnvelope) {
	s.mu.Lock()
	h := s.orderHandler
	s.mu.Unlock()
	if h == nil {
		return
	}

	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	for _, ev := range env.Events {
		for _, o := range ev.Orders {
			filled, _ := money.Parse(o.CumulativeQuantity)
			avg, _ := money.Parse(o.AvgPrice)
			h(common.OrderUpdate{
				ExchangeID:           o.OrderID,
				ClientID:             o.ClientOrderID,
				ProductID:            o.ProductID,
				Status:               MapStatus(o.Status),
				CumulativeFilledSize: filled,
				AvgPrice:             avg,
				Time:                 ts,
			})
		}
	}
}

var _ common.Stream = (*StreamClient)(nil)
