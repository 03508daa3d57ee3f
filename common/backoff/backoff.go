// Package backoff contains helpers for dealing with backoffs.
package backoff

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewExponentialBackOff creates an instance of ExponentialBackOff using reasonable defaults.
func NewExponentialBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		// Make sure that the backoff never stops by default.
		backoff.WithMaxElapsedTime(0),
	)
}

// NewPollingBackOff creates an exponential backoff suitable for polling a
// local process, giving up once maxElapsed has passed.
func NewPollingBackOff(maxElapsed time.Duration) *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
}
