package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aradsms/queue_services/internal/ratelimit_service/domain"
)

// incrementScript bumps the counter and pins its expiry to the window end on first use.
var incrementScript = goredis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIREAT", KEYS[1], ARGV[1])
end
return count
`)

// BucketStore keeps rate-limit counters in Redis. Keys expire on their own,
// so DeleteExpired has nothing to do.
type BucketStore struct {
	client goredis.Scripter
	prefix string
	logger *slog.Logger
}

func NewBucketStore(client goredis.Scripter, logger *slog.Logger) *BucketStore {
	return &BucketStore{client: client, prefix: "ratelimit", logger: logger.With("component", "bucket_store_redis")}
}

var _ domain.BucketStore = (*BucketStore)(nil)

func (s *BucketStore) redisKey(key string, windowStart time.Time) string {
	return s.prefix + ":" + key + ":" + strconv.FormatInt(windowStart.Unix(), 10)
}

func (s *BucketStore) Increment(ctx context.Context, key string, windowStart time.Time, window time.Duration) (int64, time.Time, error) {
	resetAt := windowStart.Add(window)
	count, err := incrementScript.Run(ctx, s.client, []string{s.redisKey(key, windowStart)}, resetAt.UnixMilli()).Int64()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("incrementing redis bucket %s: %w", key, err)
	}
	return count, resetAt, nil
}

func (s *BucketStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
