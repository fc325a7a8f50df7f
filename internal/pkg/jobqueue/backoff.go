package jobqueue

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy turns an attempt number into a delay using an exponential schedule.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

// DefaultRetryPolicy waits 2s, 4s, 8s, ... capped at one minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 2 * time.Second,
		MaxInterval:     time.Minute,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

// Delay returns the wait before attempt+1, where attempt counts failures so far (>= 1).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < max(1, attempt); i++ {
		d = b.NextBackOff()
	}
	return d
}
