package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still holds our token, so a
// holder whose TTL lapsed cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a best-effort distributed lock built on SET NX PX.
type Redis struct {
	rdb       *redis.Client
	ttl       time.Duration
	retry     time.Duration
	keyPrefix string
	logger    *zap.Logger
}

// NewRedis returns a locker whose locks expire after ttl if the holder
// dies without releasing.
func NewRedis(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Redis{
		rdb:       rdb,
		ttl:       ttl,
		retry:     100 * time.Millisecond,
		keyPrefix: "lock:invoice:",
		logger:    logger,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.keyPrefix + key
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	for {
		ok, err := r.rdb.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", redisKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}

	return func() {
		// 释放锁不应受调用方 context 取消影响
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.rdb, []string{redisKey}, token).Err(); err != nil {
			r.logger.Warn("Redis lock release failed",
				zap.String("key", redisKey),
				zap.Error(err),
			)
		}
	}, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
