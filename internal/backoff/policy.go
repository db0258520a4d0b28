package backoff

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

var (
	// ErrRetriesExhausted is returned when the maximum number of retries has been reached.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrOperationCanceled is returned when the retry operation is canceled via context.
	ErrOperationCanceled = errors.New("operation canceled")
)

// RetryPolicy defines the interface for retry policies.
type RetryPolicy interface {
	// ComputeNextInterval computes the next interval based on the retry policy.
	// Returns the duration to wait before the next retry, or an error if no
	// more retries should be attempted.
	ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error)
}

const noMaximumAttempts = 0

var (
	defaultBackoffFactor = 2.0
	defaultMaxInterval   = 10 * time.Second
	defaultMaxRetries    = noMaximumAttempts
)

// NewExponentialBackoffPolicy creates a new ExponentialBackoffPolicy with the
// specified initial interval and library defaults for the other parameters.
func NewExponentialBackoffPolicy(initialInterval time.Duration) *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{
		InitialInterval: initialInterval,
		BackoffFactor:   defaultBackoffFactor,
		MaxInterval:     defaultMaxInterval,
		MaxRetries:      defaultMaxRetries,
	}
}

// ExponentialBackoffPolicy is a retry policy that implements exponential backoff.
type ExponentialBackoffPolicy struct {
	// InitialInterval is the initial interval before the first retry.
	InitialInterval time.Duration
	// BackoffFactor is the factor by which the interval increases after each retry.
	BackoffFactor float64
	// MaxInterval is the maximum interval cap for exponential backoff.
	MaxInterval time.Duration
	// MaxRetries is the maximum number of retries allowed. 0 means unlimited retries.
	MaxRetries int
}

// ComputeNextInterval computes the next retry interval using exponential backoff.
func (p *ExponentialBackoffPolicy) ComputeNextInterval(retryCount int, _ time.Duration, _ error) (time.Duration, error) {
	if p.MaxRetries > 0 && retryCount >= p.MaxRetries {
		return 0, ErrRetriesExhausted
	}

	interval := float64(p.InitialInterval) * math.Pow(p.BackoffFactor, float64(retryCount))
	if interval > float64(p.MaxInterval) {
		interval = float64(p.MaxInterval)
	}

	return time.Duration(interval), nil
}

// JitterType determines how jitter is applied to a computed interval.
type JitterType int

const (
	// NoJitter leaves the computed interval unchanged.
	NoJitter JitterType = iota
	// FullJitter replaces the interval with a random duration in [0, interval).
	FullJitter
)

// WithJitter wraps a retry policy so that computed intervals are randomized.
// Jitter prevents synchronized retry storms when many callers share a policy.
func WithJitter(policy RetryPolicy, jitter JitterType) RetryPolicy {
	return &jitterPolicy{policy: policy, jitter: jitter}
}

type jitterPolicy struct {
	policy RetryPolicy
	jitter JitterType
}

// ComputeNextInterval applies jitter to the wrapped policy's interval.
func (p *jitterPolicy) ComputeNextInterval(retryCount int, elapsedTime time.Duration, err error) (time.Duration, error) {
	interval, computeErr := p.policy.ComputeNextInterval(retryCount, elapsedTime, err)
	if computeErr != nil {
		return 0, computeErr
	}

	if p.jitter == FullJitter && interval > 0 {
		interval = time.Duration(rand.Int63n(int64(interval)))
	}

	return interval, nil
}

// retrier tracks the retry count and elapsed time for one Retry invocation.
type retrier struct {
	retryPolicy RetryPolicy
	retryCount  int
	startTime   time.Time
}

func newRetrier(retryPolicy RetryPolicy) *retrier {
	return &retrier{retryPolicy: retryPolicy}
}

// next computes the next retry interval and advances the retry count.
func (r *retrier) next(err error) (time.Duration, error) {
	if r.startTime.IsZero() {
		r.startTime = time.Now()
	}

	interval, computeErr := r.retryPolicy.ComputeNextInterval(r.retryCount, time.Since(r.startTime), err)
	if computeErr != nil {
		return 0, computeErr
	}

	r.retryCount++

	return interval, nil
}
