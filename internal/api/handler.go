// Package api serves the read-only ops endpoints. Everything under
// /api requires a bearer token minted from the ops token key; nothing
// here mutates trading state.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"spot-trader/internal/engine"
	"spot-trader/pkg/db"
)

// StatsSource exposes the engine's point-in-time view.
type StatsSource interface {
	Stats() engine.Stats
}

// Server wires the ops endpoints over the store and the engine.
type Server struct {
	Router *gin.Engine

	store *db.Store
	stats StatsSource
}

func NewServer(store *db.Store, stats StatsSource, tokenKey string) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())

	s := &Server{Router: r, store: store, stats: stats}

	r.GET("/health", s.health)
	ops := r.Group("/api", AuthMiddleware(tokenKey))
	ops.GET("/status", s.status)
	ops.GET("/positions", s.positions)
	ops.GET("/orders/open", s.openOrders)
	ops.GET("/equity", s.equity)
	return s
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type statusResponse struct {
	StartedAt     time.Time       `json:"started_at"`
	Ticks         int64           `json:"ticks"`
	LastTickAt    time.Time       `json:"last_tick_at"`
	Strategy      string          `json:"strategy"`
	Paper         bool            `json:"paper"`
	Equity        decimal.Decimal `json:"equity"`
	OpenPositions int             `json:"open_positions"`
	Drawdown      decimal.Decimal `json:"drawdown"`
	Halted        bool            `json:"halted"`
	Trades        int             `json:"trades"`
	Wins          int             `json:"wins"`
	NetPnL        decimal.Decimal `json:"net_pnl"`
}

func (s *Server) status(c *gin.Context) {
	st := s.stats.Stats()
	resp := statusResponse{
		StartedAt:     st.StartedAt,
		Ticks:         st.Ticks,
		LastTickAt:    st.LastTickAt,
		Strategy:      st.Strategy,
		Paper:         st.Paper,
		Equity:        st.Equity,
		OpenPositions: st.OpenPositions,
		Drawdown:      st.Drawdown.Current,
		Halted:        st.Drawdown.Halted,
	}
	records, err := s.store.ListTradeRecords(c.Request.Context(), 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp.Trades = len(records)
	for _, r := range records {
		if r.NetPnL.Sign() > 0 {
			resp.Wins++
		}
		resp.NetPnL = resp.NetPnL.Add(r.NetPnL)
	}
	c.JSON(http.StatusOK, resp)
}

type positionResponse struct {
	ID                string    `json:"id"`
	Product           string    `json:"product"`
	Strategy          string    `json:"strategy"`
	StopOrderID       string    `json:"stop_order_id,omitempty"`
	TakeProfitOrderID string    `json:"take_profit_order_id,omitempty"`
	Unprotected       bool      `json:"unprotected"`
	OpenedAt          time.Time `json:"opened_at"`
}

func (s *Server) positions(c *gin.Context) {
	positions, err := s.store.ListOpenPositions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		resp = append(resp, positionResponse{
			ID:                p.ID,
			Product:           p.Product,
			Strategy:          p.Strategy,
			StopOrderID:       p.StopOrderID,
			TakeProfitOrderID: p.TakeProfitOrderID,
			Unprotected:       p.Unprotected,
			OpenedAt:          p.OpenedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": resp})
}

type orderResponse struct {
	ClientID    string          `json:"client_id"`
	ExchangeID  string          `json:"exchange_id,omitempty"`
	Product     string          `json:"product"`
	Side        string          `json:"side"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	Size        decimal.Decimal `json:"size"`
	FilledSize  decimal.Decimal `json:"filled_size"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

func (s *Server) openOrders(c *gin.Context) {
	orders, err := s.store.ListOpenOrders(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, orderResponse{
			ClientID:    o.ClientID,
			ExchangeID:  o.ExchangeID,
			Product:     o.Product,
			Side:        o.Side,
			Kind:        o.Kind,
			Status:      o.Status,
			Size:        o.RequestedSize,
			FilledSize:  o.FilledSize,
			LimitPrice:  o.LimitPrice,
			SubmittedAt: o.SubmittedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"orders": resp})
}

func (s *Server) equity(c *gin.Context) {
	snap, err := s.store.LatestEquity(c.Request.Context())
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no equity snapshots yet"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"time":            snap.Time,
		"cash_quote":      snap.CashQuote,
		"positions_value": snap.PositionsValue,
		"total":           snap.Total,
		"open_positions":  snap.OpenPositions,
	})
}

// Serve runs the HTTP listener until the context ends.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}
