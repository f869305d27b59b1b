package monitor

import (
	"context"
	"log"
	"time"

	"spot-trader/internal/events"
)

// AlertRelay drains risk alerts off the bus onto a sink, so critical
// conditions (unverified cancels, unprotected positions, drawdown
// halts) surface even when nobody is watching the main log.
type AlertRelay struct {
	Bus  *events.Bus
	Sink func(string)
}

// Start subscribes and relays until the context ends.
func (r *AlertRelay) Start(ctx context.Context) {
	if r.Bus == nil || r.Sink == nil {
		log.Printf("monitor: alert relay not configured, skipping")
		return
	}
	stream, unsub := r.Bus.Subscribe(events.EventRiskAlert, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				r.Sink(formatAlert(msg))
			}
		}
	}()
}

func formatAlert(msg any) string {
	ts := time.Now().UTC().Format(time.RFC3339)
	if a, ok := msg.(events.RiskAlert); ok {
		return "[" + ts + "] " + a.Kind + ": " + a.Message
	}
	return "[" + ts + "] alert"
}
