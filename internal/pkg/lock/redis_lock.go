package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loan-sync-worker/internal/pkg/consts"
	"loan-sync-worker/internal/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

const defaultRetryInterval = 25 * time.Millisecond

var ErrLockTimeout = errors.New("timed out waiting for entity lock")

type redisLockClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLocker is a single-instance SETNX lock with a TTL so a crashed
// holder never blocks a key longer than one TTL.
type RedisLocker struct {
	client        redisLockClient
	ttl           time.Duration
	maxWait       time.Duration
	retryInterval time.Duration
	newToken      func() string
}

type Option func(*RedisLocker)

func WithRetryInterval(d time.Duration) Option {
	return func(l *RedisLocker) { l.retryInterval = d }
}

func WithMaxWait(d time.Duration) Option {
	return func(l *RedisLocker) { l.maxWait = d }
}

func WithTokenFunc(fn func() string) Option {
	return func(l *RedisLocker) { l.newToken = fn }
}

func NewRedisLocker(client redisLockClient, ttl time.Duration, opts ...Option) *RedisLocker {
	l := &RedisLocker{
		client:        client,
		ttl:           ttl,
		maxWait:       ttl,
		retryInterval: defaultRetryInterval,
		newToken:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	token := l.newToken()
	deadline := time.Now().Add(l.maxWait)

	for attempt := 0; ; attempt++ {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			logger.CtxDebug(ctx, consts.RedisLockAcquired, slog.String("key", key), slog.Int("attempt", attempt))
			return l.releaser(key, token), nil
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		if attempt == 0 {
			logger.CtxDebug(ctx, consts.RedisLockBusy, slog.String("key", key))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}

func (l *RedisLocker) releaser(key, token string) func(context.Context) error {
	return func(ctx context.Context) error {
		deleted, err := l.client.Eval(ctx, releaseScript, []string{key}, token).Int64()
		if err != nil {
			return fmt.Errorf("release %s: %w", key, err)
		}
		if deleted == 0 {
			logger.CtxWarn(ctx, consts.RedisLockNotOwned, slog.String("key", key))
			return nil
		}
		logger.CtxDebug(ctx, consts.RedisLockReleased, slog.String("key", key))
		return nil
	}
}
