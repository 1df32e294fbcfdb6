package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key formats.
const (
	// KeyCheckoutStart guards Start for one local order id.
	KeyCheckoutStart = "checkout:start:%s"
)

const (
	TTLCheckoutStart = time.Minute
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Ping(ctx context.Context, rdb *redis.Client) error {
	return rdb.Ping(ctx).Err()
}
