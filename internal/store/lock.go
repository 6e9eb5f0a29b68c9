package store

import (
	"context"
	"fmt"
	"time"
)

// releaseScript deletes the lock only when the stored token matches the
// caller's, so a holder whose TTL elapsed cannot delete a lock someone else
// has since re-acquired.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// AcquireLock attempts a set-if-absent with a unique token and TTL. An empty
// token means the lock is currently held by someone else.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := s.newToken()
	ok, err := s.rdb.SetNX(ctx, lockKeyPrefix+name, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("store: acquire lock %s: %w", name, err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// ReleaseLock is compare-and-delete: it reports whether the lock was
// actually released (false when the token no longer matches).
func (s *Store) ReleaseLock(ctx context.Context, name, token string) (bool, error) {
	n, err := s.rdb.Eval(ctx, releaseScript, []string{lockKeyPrefix + name}, token).Int()
	if err != nil {
		return false, fmt.Errorf("store: release lock %s: %w", name, err)
	}
	return n == 1, nil
}

// acquireLockRetrying retries a handful of times before reporting the lock
// as held.
func (s *Store) acquireLockRetrying(ctx context.Context, name string, ttl time.Duration) (string, error) {
	for attempt := 0; ; attempt++ {
		token, err := s.AcquireLock(ctx, name, ttl)
		if err != nil || token != "" {
			return token, err
		}
		if attempt >= s.lockRetries {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.lockBackoff):
		}
	}
}
