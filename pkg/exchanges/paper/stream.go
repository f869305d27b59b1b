package paper

import (
	"context"
	"sync"

	"spot-trader/pkg/exchanges/common"
)

// Stream overlays the simulated order events onto a real market-data
// stream. Tickers and resync notifications pass through untouched; order
// updates come from the paper gateway instead of the exchange.
type Stream struct {
	real    common.Stream
	gateway *Gateway

	mu      sync.Mutex
	handler common.OrderUpdateHandler
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewStream pairs a market-data stream with a paper gateway.
func NewStream(real common.Stream, gateway *Gateway) *Stream {
	return &Stream{real: real, gateway: gateway, done: make(chan struct{})}
}

func (s *Stream) Subscribe(productIDs []string) { s.real.Subscribe(productIDs) }

func (s *Stream) OnTicker(h common.TickerHandler) { s.real.OnTicker(h) }

func (s *Stream) OnResync(h func()) { s.real.OnResync(h) }

func (s *Stream) OnOrderUpdate(h common.OrderUpdateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *Stream) Start(ctx context.Context) error {
	if err := s.real.Start(ctx); err != nil {
		return err
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		for {
			select {
			case <-pumpCtx.Done():
				return
			case u := <-s.gateway.Updates():
				s.mu.Lock()
				h := s.handler
				s.mu.Unlock()
				if h != nil {
					h(u)
				}
			}
		}
	}()
	return nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-s.done
	}
	return s.real.Close()
}

var _ common.Stream = (*Stream)(nil)
