package store

import (
	"context"
	"log/slog"
	"time"
)

// CheckRateLimit counts a hit against a fixed window. The first hit in a
// window sets the key's expiry to the window length; once the count exceeds
// limit the check denies. A transport failure fails open: counting problems
// must not reject traffic.
func (s *Store) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) bool {
	k := rateKeyPrefix + key

	n, err := s.rdb.Incr(ctx, k).Result()
	if err != nil {
		slog.WarnContext(ctx, "store: rate-limit count failed, allowing", "key", key, "error", err)
		return true
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, k, window).Err(); err != nil {
			slog.WarnContext(ctx, "store: rate-limit expire failed", "key", key, "error", err)
		}
	}
	return n <= limit
}
