package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aradsms/queue_services/internal/ratelimit_service/domain"
)

const (
	// storeErrorRetryAfter is the wait reported when a fail-closed check cannot reach the store.
	storeErrorRetryAfter = 30 * time.Second
	maxFallbackBuckets   = 10_000
)

// Limiter evaluates multi-bucket rules against a shared BucketStore.
type Limiter struct {
	store    domain.BucketStore
	fallback *localFallback
	logger   *slog.Logger
	now      func() time.Time
}

// NewLimiter builds a Limiter. With localFallback set, fail-open checks that cannot
// reach the store are still throttled per process.
func NewLimiter(store domain.BucketStore, logger *slog.Logger, localFallback bool) *Limiter {
	l := &Limiter{
		store:  store,
		logger: logger.With("component", "rate_limiter"),
		now:    time.Now,
	}
	if localFallback {
		l.fallback = newLocalFallback()
	}
	return l
}

// Check increments every rule's bucket and allows the call only if no bucket is over its limit.
// Denied calls still count. RetryAfter is the soonest reset among the exceeded buckets.
func (l *Limiter) Check(ctx context.Context, policy domain.Policy, rules ...domain.Rule) (domain.Decision, error) {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return domain.Decision{}, err
		}
	}
	if len(rules) == 0 {
		return domain.Decision{Allowed: true}, nil
	}

	now := l.now().UTC()
	var retryAfter time.Duration
	allowed := true

	for _, rule := range rules {
		timer := time.Now()
		count, resetAt, err := l.store.Increment(ctx, rule.BucketKey, rule.WindowStart(now), rule.Window)
		if err != nil {
			rateLimitStoreDurationHist.WithLabelValues("error").Observe(time.Since(timer).Seconds())
			if !allowed {
				// An earlier bucket is already over its limit; the store error cannot change that.
				l.logger.WarnContext(ctx, "Rate limit store failed after a bucket was exceeded, denying", "error", err)
				break
			}
			return l.onStoreError(ctx, policy, rules, err), nil
		}
		rateLimitStoreDurationHist.WithLabelValues("ok").Observe(time.Since(timer).Seconds())

		if count > int64(rule.Limit) {
			allowed = false
			wait := resetAt.Sub(now)
			if retryAfter == 0 || wait < retryAfter {
				retryAfter = wait
			}
		}
	}

	if allowed {
		rateLimitDecisionsCounter.WithLabelValues(policy.String(), "allowed").Inc()
		return domain.Decision{Allowed: true}, nil
	}
	rateLimitDecisionsCounter.WithLabelValues(policy.String(), "denied").Inc()
	l.logger.InfoContext(ctx, "Rate limit exceeded", "policy", policy.String(), "retry_after", retryAfter)
	return domain.Decision{Allowed: false, RetryAfter: ceilSeconds(retryAfter)}, nil
}

func (l *Limiter) onStoreError(ctx context.Context, policy domain.Policy, rules []domain.Rule, err error) domain.Decision {
	if policy == domain.FailClosed {
		rateLimitDecisionsCounter.WithLabelValues(policy.String(), "store_error_denied").Inc()
		l.logger.ErrorContext(ctx, "Rate limit store unavailable, denying", "error", err)
		return domain.Decision{Allowed: false, RetryAfter: storeErrorRetryAfter}
	}

	rateLimitDecisionsCounter.WithLabelValues(policy.String(), "store_error_allowed").Inc()
	l.logger.WarnContext(ctx, "Rate limit store unavailable, allowing", "error", err, "local_fallback", l.fallback != nil)
	if l.fallback == nil {
		return domain.Decision{Allowed: true}
	}
	for _, rule := range rules {
		if !l.fallback.allow(rule) {
			return domain.Decision{Allowed: false, RetryAfter: ceilSeconds(rule.Window / time.Duration(rule.Limit))}
		}
	}
	return domain.Decision{Allowed: true}
}

// SweepExpired deletes buckets whose windows closed more than grace ago.
func (l *Limiter) SweepExpired(ctx context.Context, grace time.Duration) (int64, error) {
	return l.store.DeleteExpired(ctx, l.now().UTC().Add(-grace))
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= time.Second {
		return time.Second
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}

// localFallback is an in-process token bucket per rule, used only while the store is down.
type localFallback struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLocalFallback() *localFallback {
	return &localFallback{limiters: make(map[string]*rate.Limiter)}
}

func (f *localFallback) allow(rule domain.Rule) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	lim, ok := f.limiters[rule.BucketKey]
	if !ok {
		if len(f.limiters) >= maxFallbackBuckets {
			f.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rate.Every(rule.Window/time.Duration(rule.Limit)), rule.Limit)
		f.limiters[rule.BucketKey] = lim
	}
	return lim.Allow()
}
