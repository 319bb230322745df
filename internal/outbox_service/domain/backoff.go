package domain

import "time"

// Backoff computes exponential retry delays: Base * 2^(attempt-1), capped at Cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoff is one minute doubling up to one hour.
var DefaultBackoff = Backoff{Base: time.Minute, Cap: time.Hour}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Cap || d <= 0 {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}
