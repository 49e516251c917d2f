package mcpwire

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy decides which failures are worth another attempt.
type RetryPolicy func(err error) bool

// DefaultRetryPolicy retries connection failures, timeouts, and the
// gateway-style server error codes. Validation and authentication
// failures never retry; repeating them cannot change the outcome.
func DefaultRetryPolicy(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		switch srvErr.Code {
		case 502, 503, 504:
			return true
		}
	}
	return false
}

// RetryMiddleware re-runs failed invocations with exponential backoff
// and half-to-full jitter. The attempt count includes the first try.
type RetryMiddleware struct {
	PassthroughMiddleware

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	policy      RetryPolicy
}

// RetryOption configures a RetryMiddleware.
type RetryOption func(*RetryMiddleware)

// WithMaxAttempts overrides the default 3 total attempts.
func WithMaxAttempts(n int) RetryOption {
	return func(m *RetryMiddleware) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithRetryBackoff overrides the default backoff bounds of 500ms base
// and 10s cap.
func WithRetryBackoff(base, max time.Duration) RetryOption {
	return func(m *RetryMiddleware) {
		if base > 0 {
			m.baseDelay = base
		}
		if max > 0 {
			m.maxDelay = max
		}
	}
}

// WithRetryPolicy replaces the default retryability decision.
func WithRetryPolicy(policy RetryPolicy) RetryOption {
	return func(m *RetryMiddleware) {
		if policy != nil {
			m.policy = policy
		}
	}
}

// NewRetryMiddleware creates a retry middleware with the default policy.
func NewRetryMiddleware(options ...RetryOption) *RetryMiddleware {
	m := &RetryMiddleware{
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		maxDelay:    10 * time.Second,
		policy:      DefaultRetryPolicy,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// ProcessRequest runs the chain up to maxAttempts times, sleeping
// between attempts. Context cancellation stops the loop immediately.
func (m *RetryMiddleware) ProcessRequest(ctx context.Context, rc *RequestContext, msg Message, next Next) (Message, error) {
	var lastErr error

	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if attempt > 0 {
			rc.Metadata["retry.attempt"] = attempt

			timer := time.NewTimer(m.delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return Message{}, ctx.Err()
			case <-timer.C:
			}
		}

		resp, err := next(ctx, rc, msg)
		if err == nil {
			return resp, nil
		}

		lastErr = err
		if !m.policy(err) {
			return Message{}, err
		}
	}
	return Message{}, lastErr
}

// delay computes the backoff for a retry. The exponential target is
// jittered into [target/2, target) so synchronized clients fan out.
func (m *RetryMiddleware) delay(exp int) time.Duration {
	target := m.baseDelay
	for i := 0; i < exp; i++ {
		target *= 2
		if target >= m.maxDelay {
			target = m.maxDelay
			break
		}
	}

	half := target / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
