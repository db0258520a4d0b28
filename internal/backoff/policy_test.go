package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffPolicy_ComputeNextInterval(t *testing.T) {
	t.Run("BasicExponentialBackoff", func(t *testing.T) {
		policy := &ExponentialBackoffPolicy{
			InitialInterval: 100 * time.Millisecond,
			BackoffFactor:   2.0,
			MaxInterval:     5 * time.Second,
			MaxRetries:      5,
		}

		testCases := []struct {
			retryCount       int
			expectedInterval time.Duration
			expectError      bool
		}{
			{0, 100 * time.Millisecond, false},
			{1, 200 * time.Millisecond, false},
			{2, 400 * time.Millisecond, false},
			{3, 800 * time.Millisecond, false},
			{4, 1600 * time.Millisecond, false},
			{5, 0, true}, // Max retries reached
		}

		for _, tc := range testCases {
			interval, err := policy.ComputeNextInterval(tc.retryCount, 0, nil)
			if tc.expectError {
				assert.Error(t, err)
				assert.Equal(t, ErrRetriesExhausted, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.expectedInterval, interval)
			}
		}
	})

	t.Run("MaxIntervalCapping", func(t *testing.T) {
		policy := &ExponentialBackoffPolicy{
			InitialInterval: 1 * time.Second,
			BackoffFactor:   2.0,
			MaxInterval:     3 * time.Second,
			MaxRetries:      10,
		}

		testCases := []struct {
			retryCount       int
			expectedInterval time.Duration
		}{
			{0, 1 * time.Second},
			{1, 2 * time.Second},
			{2, 3 * time.Second}, // Capped at MaxInterval
			{3, 3 * time.Second},
		}

		for _, tc := range testCases {
			interval, err := policy.ComputeNextInterval(tc.retryCount, 0, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedInterval, interval)
		}
	})

	t.Run("UnlimitedRetries", func(t *testing.T) {
		policy := NewExponentialBackoffPolicy(10 * time.Millisecond)
		policy.MaxRetries = 0

		for i := 0; i < 100; i++ {
			_, err := policy.ComputeNextInterval(i, 0, nil)
			require.NoError(t, err)
		}
	})
}

// constantPolicy is a fixed-interval fixture: a factor of 1 makes the
// exponential policy degenerate to a constant one.
func constantPolicy(interval time.Duration, maxRetries int) *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		InitialInterval: interval,
		BackoffFactor:   1.0,
		MaxInterval:     interval,
		MaxRetries:      maxRetries,
	}
}

func TestJitterPolicy(t *testing.T) {
	t.Run("FullJitterStaysWithinBounds", func(t *testing.T) {
		policy := WithJitter(constantPolicy(time.Second, 0), FullJitter)

		for i := 0; i < 50; i++ {
			interval, err := policy.ComputeNextInterval(i, 0, nil)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, interval, time.Duration(0))
			assert.Less(t, interval, time.Second)
		}
	})

	t.Run("PropagatesExhaustion", func(t *testing.T) {
		policy := WithJitter(constantPolicy(time.Second, 1), FullJitter)

		_, err := policy.ComputeNextInterval(1, 0, nil)
		assert.Equal(t, ErrRetriesExhausted, err)
	})
}

func TestRetrier_NextAdvancesRetryCount(t *testing.T) {
	policy := &ExponentialBackoffPolicy{
		InitialInterval: 10 * time.Millisecond,
		BackoffFactor:   2.0,
		MaxInterval:     time.Second,
		MaxRetries:      2,
	}
	retrier := newRetrier(policy)

	interval, err := retrier.next(errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, interval)

	interval, err = retrier.next(errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, interval)

	_, err = retrier.next(errors.New("boom"))
	assert.Equal(t, ErrRetriesExhausted, err)
}

func TestRetry(t *testing.T) {
	t.Run("SucceedsAfterTransientFailures", func(t *testing.T) {
		attempts := 0
		op := func(_ context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		}

		err := Retry(context.Background(), op, constantPolicy(time.Millisecond, 0), nil)
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("ReturnsOriginalErrorWhenExhausted", func(t *testing.T) {
		opErr := errors.New("persistent")
		op := func(_ context.Context) error { return opErr }

		err := Retry(context.Background(), op, constantPolicy(time.Millisecond, 2), nil)
		assert.Equal(t, opErr, err)
	})

	t.Run("NonRetriableErrorReturnsImmediately", func(t *testing.T) {
		opErr := errors.New("permanent")
		attempts := 0
		op := func(_ context.Context) error {
			attempts++
			return opErr
		}

		err := Retry(context.Background(), op, constantPolicy(time.Millisecond, 0),
			func(err error) bool { return false })
		assert.Equal(t, opErr, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("ContextCancellationStopsRetries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		op := func(_ context.Context) error { return errors.New("boom") }

		err := Retry(ctx, op, constantPolicy(time.Millisecond, 0), nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
