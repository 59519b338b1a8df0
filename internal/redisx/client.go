package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Claim sets key only if it is absent. It reports whether this caller won.
func Claim(ctx context.Context, rdb redis.Cmdable, key string, ttl time.Duration) (bool, error) {
	return rdb.SetNX(ctx, key, "1", ttl).Result()
}

// Deduper claims event ids so a redelivered event is handled once per
// consumer.
type Deduper struct{ R redis.Cmdable }

func (d Deduper) Claim(ctx context.Context, consumer, eventID string) (bool, error) {
	return Claim(ctx, d.R, fmt.Sprintf(KeyDedup, consumer, eventID), TTLDedup)
}
