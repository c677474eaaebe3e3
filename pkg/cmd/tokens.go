package cmd

import (
	"fmt"
	"log/slog"

	"github.com/loomline/loomline/pkg/delegate"
	"github.com/redis/go-redis/v9"
)

// NewTokenStore builds the delegate credential store. With a Redis URL every
// engine instance can validate any delegate's token; without one tokens live
// in process memory.
func NewTokenStore(redisURL string, logger *slog.Logger) delegate.TokenStore {
	if redisURL == "" {
		logger.Warn("No Redis URL configured; delegate tokens are process-local")

		return delegate.NewMemoryTokenStore()
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		panic(fmt.Errorf("invalid Redis URL: %w", err))
	}

	return delegate.NewRedisTokenStore(redis.NewClient(opts))
}
