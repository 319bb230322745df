package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aradsms/queue_services/internal/platform/database"
	"github.com/aradsms/queue_services/internal/ratelimit_service/domain"
)

type PgBucketRepository struct {
	db     database.Querier
	logger *slog.Logger
}

func NewPgBucketRepository(db database.Querier, logger *slog.Logger) *PgBucketRepository {
	return &PgBucketRepository{db: db, logger: logger.With("component", "bucket_repository_pg")}
}

var _ domain.BucketStore = (*PgBucketRepository)(nil)

const incrementBucketSQL = `
INSERT INTO rate_limit_buckets (bucket_key, window_start, window_seconds, count, reset_at)
VALUES ($1, $2, $3, 1, $4)
ON CONFLICT (bucket_key, window_start, window_seconds)
DO UPDATE SET count = rate_limit_buckets.count + 1
RETURNING count, reset_at`

// Increment upserts the bucket row in one statement so concurrent callers never lose counts.
func (r *PgBucketRepository) Increment(ctx context.Context, key string, windowStart time.Time, window time.Duration) (int64, time.Time, error) {
	windowSeconds := int(window / time.Second)
	resetAt := windowStart.Add(window)

	var count int64
	var storedReset time.Time
	err := r.db.QueryRow(ctx, incrementBucketSQL, key, windowStart, windowSeconds, resetAt).Scan(&count, &storedReset)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("incrementing bucket %s: %w", key, err)
	}
	return count, storedReset, nil
}

// DeleteExpired removes buckets whose window ended before the cutoff.
func (r *PgBucketRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM rate_limit_buckets WHERE reset_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("deleting expired buckets: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		r.logger.InfoContext(ctx, "Deleted expired rate limit buckets", "count", n, "before", before)
	}
	return tag.RowsAffected(), nil
}
