package market

import (
	"context"
	"fmt"
	"time"

	"spot-trader/pkg/exchanges/common"
)

var granularitySeconds = map[string]int64{
	"ONE_MINUTE":     60,
	"FIVE_MINUTE":    300,
	"FIFTEEN_MINUTE": 900,
	"THIRTY_MINUTE":  1800,
	"ONE_HOUR":       3600,
	"TWO_HOUR":       7200,
	"SIX_HOUR":       21600,
	"ONE_DAY":        86400,
}

// GranularityDuration maps a candle granularity label to its bar width.
func GranularityDuration(granularity string) (time.Duration, error) {
	secs, ok := granularitySeconds[granularity]
	if !ok {
		return 0, fmt.Errorf("unknown granularity %q", granularity)
	}
	return time.Duration(secs) * time.Second, nil
}

// History fetches the latest n closed candles for the product, oldest
// first.
func (s *PriceService) History(ctx context.Context, productID, granularity string, n int) ([]common.Candle, error) {
	width, err := GranularityDuration(granularity)
	if err != nil {
		return nil, err
	}

	end := time.Now().Truncate(width)
	start := end.Add(-time.Duration(n+1) * width)
	candles, err := s.gateway.GetCandles(ctx, productID, granularity, start, end, n+1)
	if err != nil {
		return nil, fmt.Errorf("candles %s: %w", productID, err)
	}

	// Drop the still-forming bar if the exchange included it.
	if len(candles) > 0 && candles[len(candles)-1].StartTime.Add(width).After(time.Now()) {
		candles = candles[:len(candles)-1]
	}
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	return candles, nil
}
