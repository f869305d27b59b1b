package common

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Budget:      time.Second,
	}
}

func TestWithRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "test", fastPolicy(), func() error {
		calls++
		if calls < 3 {
			return NewAPIError(KindTransient, "test", "connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryDoesNotRetryProtocolErrors(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "test", fastPolicy(), func() error {
		calls++
		return NewAPIError(KindInvalidRequest, "test", "bad size")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsKind(err, KindInvalidRequest))
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "test", fastPolicy(), func() error {
		calls++
		return NewAPIError(KindRateLimited, "test", "slow down")
	})
	require.Error(t, err)
	assert.Equal(t, 5, calls)
}

func TestClassifyHTTP(t *testing.T) {
	assert.Equal(t, KindRateLimited, ClassifyHTTP(429))
	assert.Equal(t, KindTransient, ClassifyHTTP(502))
	assert.Equal(t, KindAuth, ClassifyHTTP(401))
	assert.Equal(t, KindNotFound, ClassifyHTTP(404))
	assert.Equal(t, KindInvalidRequest, ClassifyHTTP(400))
}

func TestProductTradable(t *testing.T) {
	p := Product{ID: "ATOM-USD", MinQuote: dec("1")}
	assert.True(t, p.Tradable(dec("10")))

	p.TradingDisabled = true
	assert.False(t, p.Tradable(dec("10")))

	p.TradingDisabled = false
	p.MinQuote = dec("50")
	assert.False(t, p.Tradable(dec("10")))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
