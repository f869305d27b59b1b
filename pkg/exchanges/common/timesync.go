package common

import (
	"context"
	"log"
	"sync"
	"time"
)

// resyncInterval bounds how stale the measured clock offset may get
// before Now triggers a background refresh.
const resyncInterval = 30 * time.Minute

// TimeSync corrects local wall-clock skew against the exchange clock.
// Signed requests carry a timestamp the exchange validates within a
// narrow window; a drifting host clock fails auth on every call.
type TimeSync struct {
	fetch func(ctx context.Context) (time.Time, error)

	mu       sync.Mutex
	offset   time.Duration
	syncedAt time.Time
	inFlight bool
}

// NewTimeSync builds a corrector around fetch, which must return the
// exchange's current time.
func NewTimeSync(fetch func(ctx context.Context) (time.Time, error)) *TimeSync {
	return &TimeSync{fetch: fetch}
}

// Now returns the local time shifted by the last measured offset. When
// the measurement is stale a background resync starts; the stale offset
// is still used for the current call.
func (ts *TimeSync) Now() time.Time {
	ts.mu.Lock()
	offset := ts.offset
	stale := time.Since(ts.syncedAt) > resyncInterval
	if stale && !ts.inFlight {
		ts.inFlight = true
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := ts.Sync(ctx); err != nil {
				log.Printf("timesync: %v", err)
			}
		}()
	}
	ts.mu.Unlock()
	return time.Now().Add(offset)
}

// Sync measures the offset once. Half the round trip is attributed to
// the outbound leg.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now()
	server, err := ts.fetch(ctx)
	after := time.Now()

	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.inFlight = false
	if err != nil {
		return err
	}
	midpoint := before.Add(after.Sub(before) / 2)
	ts.offset = server.Sub(midpoint)
	ts.syncedAt = time.Now()
	if ts.offset.Abs() > time.Second {
		log.Printf("timesync: local clock off by %s", ts.offset.Round(time.Millisecond))
	}
	return nil
}

// Offset reports the last measured skew.
func (ts *TimeSync) Offset() time.Duration {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.offset
}
