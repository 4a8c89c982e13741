package streamwork_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	streamwork "github.com/aquiline/go-streamwork"
)

// TestRateLimiterBurstPassesImmediately verifies that calls within the burst
// budget are not delayed.
func TestRateLimiterBurstPassesImmediately(t *testing.T) {
	limited := streamwork.NewRateLimiter[int, int](
		streamwork.StageFunc[int, int](func(_ context.Context, v int) (int, error) {
			return v + 1, nil
		}),
		rate.Limit(1), 3,
	)

	start := time.Now()
	for i := 0; i < 3; i++ {
		got, err := limited.Process(context.Background(), i)
		require.NoError(t, err)
		assert.Equal(t, i+1, got)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "burst tokens should be free")
}

// TestRateLimiterTimesOutWhenExhausted verifies that draining the bucket makes
// the next call fail within the configured wait bound.
func TestRateLimiterTimesOutWhenExhausted(t *testing.T) {
	limited := streamwork.NewRateLimiter[int, int](
		streamwork.StageFunc[int, int](func(_ context.Context, v int) (int, error) {
			return v, nil
		}),
		// One token per hour: the bucket will not refill during the test.
		rate.Limit(1.0/3600), 1,
		streamwork.WithLimiterTimeout[int, int](20*time.Millisecond),
	)

	_, err := limited.Process(context.Background(), 1)
	require.NoError(t, err, "the single burst token should be granted")

	start := time.Now()
	_, err = limited.Process(context.Background(), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter wait")
	assert.Less(t, time.Since(start), 2*time.Second)
}

// TestRateLimiterAllowAndDynamicTuning verifies the non-blocking token check
// and the runtime limit/burst adjustments.
func TestRateLimiterAllowAndDynamicTuning(t *testing.T) {
	limited := streamwork.NewRateLimiter[int, int](
		streamwork.StageFunc[int, int](func(_ context.Context, v int) (int, error) {
			return v, nil
		}),
		rate.Limit(1.0/3600), 1,
	)

	assert.True(t, limited.Allow(), "first token should be available")
	assert.False(t, limited.Allow(), "bucket should now be empty")

	// Opening the limiter up should make tokens available again.
	limited.SetLimit(rate.Inf)
	limited.SetBurst(10)
	assert.True(t, limited.Allow())
}

// TestRateLimiterNilStagePanics verifies the constructor guard.
func TestRateLimiterNilStagePanics(t *testing.T) {
	assert.Panics(t, func() {
		streamwork.NewRateLimiter[int, int](nil, rate.Limit(1), 1)
	})
}
