package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitPacesPerKey(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1 means one token every 100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "timeline"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "timeline"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	// Another key has its own bucket.
	start = time.Now()
	require.NoError(t, l.Wait(ctx, "feed"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitHonorsOverrides(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.001, PerKey: map[string]float64{"quotes": 0}})
	ctx := context.Background()
	for range 5 {
		require.NoError(t, l.Wait(ctx, "quotes"))
	}
}

func TestWaitRespectsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.01, DefaultBurst: 1})
	require.NoError(t, l.Wait(context.Background(), ""))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, l.Wait(ctx, ""))
}
