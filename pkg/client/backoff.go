package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff configures the delays between reconnection attempts. Delays grow by Multiplier from
// Initial up to Max, and each one is spread by up to +/- Jitter of itself. Multiplier 1 with
// Jitter 0 gives a fixed delay.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// newBackOff starts a fresh sequence. It never gives up.
func (b Backoff) newBackOff() *backoff.ExponentialBackOff {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	limit := b.Max
	if limit < initial {
		limit = initial
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	jitter := b.Jitter
	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: jitter,
		Multiplier:          mult,
		MaxInterval:         limit,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()
	return eb
}
