package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/tern/config"
)

func testLimits() *config.LimitsConfig {
	return &config.LimitsConfig{
		DefaultWindow: "1h",
		Rate: []config.RateLimitEntry{
			{Purpose: "rcpt", Limit: 3, Window: "1h"},
			{Purpose: "forward", Limit: 2},
		},
	}
}

func TestAdmitWithinLimit(t *testing.T) {
	limiter := NewRateLimiter(testLimits(), NewMemoryCounterStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := limiter.Admit(ctx, "rcpt", "42")
		require.NoError(t, err)
		assert.True(t, result.Admitted, "admission %d", i+1)
		assert.Equal(t, int64(i+1), result.CurrentValue)
	}

	result, err := limiter.Admit(ctx, "rcpt", "42")
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Greater(t, result.TTLRemaining, time.Duration(0))
}

func TestAdmitIdentitiesIndependent(t *testing.T) {
	limiter := NewRateLimiter(testLimits(), NewMemoryCounterStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := limiter.Admit(ctx, "rcpt", "42")
		require.NoError(t, err)
	}

	result, err := limiter.Admit(ctx, "rcpt", "43")
	require.NoError(t, err)
	assert.True(t, result.Admitted)
}

func TestAdmitUnconfiguredPurpose(t *testing.T) {
	limiter := NewRateLimiter(testLimits(), NewMemoryCounterStore())

	for i := 0; i < 100; i++ {
		result, err := limiter.Admit(context.Background(), "unlimited", "x")
		require.NoError(t, err)
		assert.True(t, result.Admitted)
	}
}

func TestAdmitWithLimitOverride(t *testing.T) {
	limiter := NewRateLimiter(testLimits(), NewMemoryCounterStore())
	ctx := context.Background()

	// Per-account budget of 1 overrides the configured limit of 2.
	result, err := limiter.AdmitWithLimit(ctx, "forward", "7", 1)
	require.NoError(t, err)
	assert.True(t, result.Admitted)

	result, err = limiter.AdmitWithLimit(ctx, "forward", "7", 1)
	require.NoError(t, err)
	assert.False(t, result.Admitted)
}

func TestMemoryCounterStoreWindowReset(t *testing.T) {
	store := NewMemoryCounterStore()
	ctx := context.Background()

	count, _, err := store.Increment(ctx, "rcpt:42", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, _, err = store.Increment(ctx, "rcpt:42", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	time.Sleep(20 * time.Millisecond)

	count, ttl, err := store.Increment(ctx, "rcpt:42", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "expired window restarts at 1")
	assert.LessOrEqual(t, ttl, 10*time.Millisecond)
}
