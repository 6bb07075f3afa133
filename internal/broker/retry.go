package broker

import (
	"fmt"
	"time"
)

// ConnectionError is one failed attempt to reach the broker
type ConnectionError struct {
	Broker  string
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s (attempt %d): %v", e.Broker, e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RetryPolicy decides whether and when to try connecting again.
// attempt starts at 1 for the first failure.
type RetryPolicy interface {
	Next(attempt int, err *ConnectionError) (delay time.Duration, retry bool)
}

// FixedDelay retries forever, waiting Delay between attempts
type FixedDelay struct {
	Delay time.Duration
}

func (p FixedDelay) Next(int, *ConnectionError) (time.Duration, bool) {
	return p.Delay, true
}

// MaxAttempts wraps a policy and gives up after Limit failed attempts
type MaxAttempts struct {
	Policy RetryPolicy
	Limit  int
}

func (p MaxAttempts) Next(attempt int, err *ConnectionError) (time.Duration, bool) {
	if p.Limit > 0 && attempt >= p.Limit {
		return 0, false
	}
	return p.Policy.Next(attempt, err)
}
