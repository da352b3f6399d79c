package params

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"fleet-cd/internal/config"
)

const keyPrefix = "param:"

// RedisStore reads runtime configuration entries stored one key per value
// under "param:<env>/<project>/<service>/<name>".
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the parameter store and verifies the
// connection.
func NewRedisStore(cfg *config.ParamStoreConfig) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("param store connect: %w", err)
	}

	logrus.Infof("param store connected: %s", cfg.Addr)
	return &RedisStore{client: rdb}, nil
}

// List scans all keys under the scope prefix and fetches their values.
func (r *RedisStore) List(ctx context.Context, scope Scope) ([]Entry, error) {
	prefix := keyPrefix + scope.Path() + "/"

	var entries []Entry
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("param scan %s: %w", prefix, err)
		}
		for _, key := range keys {
			value, err := r.client.Get(ctx, key).Result()
			if err == redis.Nil {
				continue // expired between SCAN and GET
			}
			if err != nil {
				return nil, fmt.Errorf("param get %s: %w", key, err)
			}
			entries = append(entries, Entry{
				Name:  strings.TrimPrefix(key, prefix),
				Value: value,
			})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return entries, nil
}

// Close releases the connection pool.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
