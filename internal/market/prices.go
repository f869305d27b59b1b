package market

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"spot-trader/internal/events"
	"spot-trader/pkg/cache"
	"spot-trader/pkg/exchanges/common"
	"spot-trader/pkg/money"
)

// PriceService keeps the freshest known price per product. Streaming ticks
// feed the cache; reads older than the staleness cap fall back to a REST
// top-of-book snapshot so decisions never run on dead prices.
type PriceService struct {
	gateway      common.Gateway
	cache        *cache.ShardedPriceCache
	bus          *events.Bus
	maxStaleness time.Duration
}

// NewPriceService wires the cache and the REST fallback.
func NewPriceService(gw common.Gateway, bus *events.Bus, maxStaleness time.Duration) *PriceService {
	return &PriceService{
		gateway:      gw,
		cache:        cache.NewShardedPriceCache(),
		bus:          bus,
		maxStaleness: maxStaleness,
	}
}

// Attach registers the ticker handler on a stream.
func (s *PriceService) Attach(stream common.Stream) {
	stream.OnTicker(s.HandleTicker)
}

// HandleTicker runs on the stream reader goroutine; it only writes the
// cache and publishes, never blocks.
func (s *PriceService) HandleTicker(t common.Ticker) {
	s.cache.Set(t.ProductID, cache.Tick{
		Price: t.Price,
		Bid:   t.BestBid,
		Ask:   t.BestAsk,
		At:    t.Time,
	})
	if s.bus != nil {
		s.bus.Publish(events.EventPriceTick, events.PriceTick{
			ProductID: t.ProductID,
			Price:     t.Price,
			Bid:       t.BestBid,
			Ask:       t.BestAsk,
			Time:      t.Time,
		})
	}
}

// LastPrice returns the freshest price for the product, refreshing over
// REST when the cached tick is stale or missing.
func (s *PriceService) LastPrice(ctx context.Context, productID string) (decimal.Decimal, error) {
	if t, age, ok := s.cache.GetWithAge(productID); ok && age <= s.maxStaleness {
		return t.Price, nil
	}
	t, err := s.refresh(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return t.Price, nil
}

// TopOfBook returns the freshest bid and ask for the product.
func (s *PriceService) TopOfBook(ctx context.Context, productID string) (bid, ask decimal.Decimal, err error) {
	if t, age, ok := s.cache.GetWithAge(productID); ok && age <= s.maxStaleness && !t.Bid.IsZero() && !t.Ask.IsZero() {
		return t.Bid, t.Ask, nil
	}
	t, err := s.refresh(ctx, productID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return t.Bid, t.Ask, nil
}

func (s *PriceService) refresh(ctx context.Context, productID string) (cache.Tick, error) {
	books, err := s.gateway.GetBestBidAsk(ctx, []string{productID})
	if err != nil {
		return cache.Tick{}, fmt.Errorf("refresh price %s: %w", productID, err)
	}
	if len(books) == 0 {
		return cache.Tick{}, fmt.Errorf("refresh price %s: empty book", productID)
	}
	b := books[0]
	t := cache.Tick{
		Price: money.Mid(b.Bid, b.Ask),
		Bid:   b.Bid,
		Ask:   b.Ask,
		At:    time.Now(),
	}
	s.cache.Set(productID, t)
	return t, nil
}

// Prune drops cache entries for products outside the tradable set.
func (s *PriceService) Prune(validProducts []string) int {
	return s.cache.CleanupInvalid(validProducts)
}

// Stats exposes cache statistics for the ops API.
func (s *PriceService) Stats() cache.CacheStats {
	return s.cache.Stats()
}
