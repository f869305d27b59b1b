package common

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// EndpointClass buckets REST endpoints by exchange rate-limit class.
type EndpointClass string

const (
	ClassPublic  EndpointClass = "public"
	ClassPrivate EndpointClass = "private"
	ClassOrder   EndpointClass = "order"
)

// Buckets holds one token bucket per endpoint class, shared across all
// workers that touch the REST plane.
type Buckets struct {
	limiters map[EndpointClass]*rate.Limiter
}

// NewBuckets returns buckets sized for typical exchange allowances:
// public data is cheap, private reads moderate, order mutations scarce.
func NewBuckets() *Buckets {
	return &Buckets{
		limiters: map[EndpointClass]*rate.Limiter{
			ClassPublic:  rate.NewLimiter(rate.Limit(10), 20),
			ClassPrivate: rate.NewLimiter(rate.Limit(5), 10),
			ClassOrder:   rate.NewLimiter(rate.Limit(3), 5),
		},
	}
}

// Wait blocks until a token is available for the class or ctx is done.
func (b *Buckets) Wait(ctx context.Context, class EndpointClass) error {
	lim, ok := b.limiters[class]
	if !ok {
		return fmt.Errorf("unknown endpoint class %q", class)
	}
	return lim.Wait(ctx)
}
