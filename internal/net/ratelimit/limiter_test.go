package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowRespectsBurst(t *testing.T) {
	l := NewLimiter(1, 2)

	assert.True(t, l.Allow("kraken"), "first request should consume a burst token")
	assert.True(t, l.Allow("kraken"), "second request should consume the remaining burst token")
	assert.False(t, l.Allow("kraken"), "third immediate request should be throttled")
}

func TestLimiter_HostsAreIndependent(t *testing.T) {
	l := NewLimiter(1, 1)

	assert.True(t, l.Allow("binance"))
	assert.False(t, l.Allow("binance"), "binance bucket should be empty")
	assert.True(t, l.Allow("kraken"), "kraken has its own, untouched bucket")
}

func TestLimiter_WaitBlocksUntilTokenAvailable(t *testing.T) {
	l := NewLimiter(20, 1)

	require.True(t, l.Allow("kraken"), "drain the burst token")

	start := time.Now()
	err := l.Wait(context.Background(), "kraken")
	require.NoError(t, err)
	assert.Greater(t, time.Since(start), time.Duration(0))
}

func TestLimiter_WaitRespectsContextCancellation(t *testing.T) {
	l := NewLimiter(0.1, 1)
	require.True(t, l.Allow("kraken"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx, "kraken")
	assert.Error(t, err)
}
