package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidRule = errors.New("invalid rate limit rule")

// Rule caps the number of events per fixed window for one bucket.
type Rule struct {
	BucketKey string
	Limit     int
	Window    time.Duration
}

func (r Rule) Validate() error {
	if r.BucketKey == "" || r.Limit < 1 || r.Window < time.Second {
		return fmt.Errorf("%w: key=%q limit=%d window=%s", ErrInvalidRule, r.BucketKey, r.Limit, r.Window)
	}
	return nil
}

// WindowStart aligns now to the start of the rule's fixed window.
func (r Rule) WindowStart(now time.Time) time.Time {
	return now.UTC().Truncate(r.Window)
}

// Decision is the outcome of checking a set of rules.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Policy decides what happens when the bucket store is unavailable.
type Policy int

const (
	// FailOpen allows the request; used for user-facing endpoints.
	FailOpen Policy = iota
	// FailClosed denies the request; used for outbound sends.
	FailClosed
)

func (p Policy) String() string {
	if p == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// BucketStore atomically increments a window-scoped counter and reports the
// post-increment count with the window's reset time.
type BucketStore interface {
	Increment(ctx context.Context, key string, windowStart time.Time, window time.Duration) (count int64, resetAt time.Time, err error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
