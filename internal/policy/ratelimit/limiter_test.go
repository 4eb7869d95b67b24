package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/JakeFAU/scopus-crawler/internal/metrics"
	"github.com/stretchr/testify/require"
)

func TestLimiter_Wait(t *testing.T) {
	metrics.Init()

	// 10 RPS with burst 1 leaves a ~100ms gap between tokens.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "search"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "search"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_DifferentEndpoints(t *testing.T) {
	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "search"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "abstract"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "abstract blocked by search bucket")
}

func TestLimiter_ContextCanceled(t *testing.T) {
	l := New(Config{DefaultRPS: 0.001, DefaultBurst: 1})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, l.Wait(ctx, "subject"))
	cancel()
	require.Error(t, l.Wait(ctx, "subject"))
}

func TestLimiter_UnlimitedWhenRateUnset(t *testing.T) {
	l := New(Config{})
	ctx := context.Background()

	start := time.Now()
	for range 50 {
		require.NoError(t, l.Wait(ctx, ""))
	}
	require.Less(t, time.Since(start), 50*time.Millisecond)
}
