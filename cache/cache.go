// Package cache holds the state that several smtpd processes share through
// Redis: mailbox checkpoint counters, daily send/receive counters and
// one-shot markers such as auto-reply suppression.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/smtpd/config"
	"github.com/redis/go-redis/v9"
)

// Connect opens a client and verifies the server answers.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}
