// Package cache keeps per-caller template discovery results in Redis.
//
// Entries are namespaced by a generation counter; Invalidate bumps the
// counter, so every cached list goes stale at once without a key scan.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jkaninda/ki2go/internal/config"
	"github.com/jkaninda/ki2go/internal/domain"
)

const (
	keyPrefix     = "ki2go:templates:"
	generationKey = keyPrefix + "generation"
)

// TemplateCache caches ListResolvable results per (org, user).
type TemplateCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg *config.CacheConfig, logger *slog.Logger) (*TemplateCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", cfg.RedisAddr, err)
	}
	return NewWithClient(client, cfg.TTL(), logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *TemplateCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &TemplateCache{client: client, ttl: ttl, logger: logger}
}

func (c *TemplateCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func entryKey(gen int64, orgID, userID string) string {
	return fmt.Sprintf("%s%d:%s:%s", keyPrefix, gen, orgID, userID)
}

// Get returns the cached list for the caller. Any Redis failure is a miss.
func (c *TemplateCache) Get(ctx context.Context, orgID, userID string) ([]domain.TemplateSummary, bool) {
	gen, err := c.generation(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "template cache unavailable", slog.String("error", err.Error()))
		return nil, false
	}
	val, err := c.client.Get(ctx, entryKey(gen, orgID, userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WarnContext(ctx, "template cache read failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	var out []domain.TemplateSummary
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, false
	}
	return out, true
}

// Set stores the list for the caller under the current generation.
func (c *TemplateCache) Set(ctx context.Context, orgID, userID string, list []domain.TemplateSummary) {
	gen, err := c.generation(ctx)
	if err != nil {
		return
	}
	data, err := json.Marshal(list)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, entryKey(gen, orgID, userID), data, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "template cache write failed", slog.String("error", err.Error()))
	}
}

// Invalidate makes every cached list stale.
func (c *TemplateCache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		return fmt.Errorf("bumping template cache generation: %w", err)
	}
	return nil
}

// Ping checks the connection for readiness probes.
func (c *TemplateCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client.
func (c *TemplateCache) Close() error {
	return c.client.Close()
}
