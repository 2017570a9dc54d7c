package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/go-cmp/cmp"

	"github.com/jkaninda/ki2go/internal/config"
	"github.com/jkaninda/ki2go/internal/domain"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *TemplateCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return mr, NewWithClient(client, time.Minute, logger)
}

var summaries = []domain.TemplateSummary{
	{TemplateID: "contract-review", Title: "Contract review", Source: domain.SourceOrg, Version: 3},
	{TemplateID: "summary", Title: "Summary", Source: domain.SourceBase, Version: 1},
}

func TestTemplateCache_RoundTrip(t *testing.T) {
	_, c := setupTestRedis(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "acme", "alice"); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Set(ctx, "acme", "alice", summaries)

	got, ok := c.Get(ctx, "acme", "alice")
	if !ok {
		t.Fatal("expected hit")
	}
	if diff := cmp.Diff(summaries, got); diff != "" {
		t.Errorf("cached list mismatch (-want +got):\n%s", diff)
	}
	if _, ok := c.Get(ctx, "acme", "bob"); ok {
		t.Error("entries must be per caller")
	}
}

func TestTemplateCache_Invalidate(t *testing.T) {
	_, c := setupTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "acme", "alice", summaries)
	if err := c.Invalidate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "acme", "alice"); ok {
		t.Error("expected miss after invalidation")
	}

	c.Set(ctx, "acme", "alice", summaries[:1])
	got, ok := c.Get(ctx, "acme", "alice")
	if !ok || len(got) != 1 {
		t.Errorf("after re-set: ok=%v len=%d", ok, len(got))
	}
}

func TestTemplateCache_TTL(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "", "solo", summaries)
	mr.FastForward(2 * time.Minute)
	if _, ok := c.Get(ctx, "", "solo"); ok {
		t.Error("expected entry to expire")
	}
}

func TestTemplateCache_RedisDownIsMiss(t *testing.T) {
	mr, c := setupTestRedis(t)
	ctx := context.Background()

	c.Set(ctx, "acme", "alice", summaries)
	mr.Close()
	if _, ok := c.Get(ctx, "acme", "alice"); ok {
		t.Error("expected miss when redis is unreachable")
	}
	if err := c.Ping(ctx); err == nil {
		t.Error("expected ping error")
	}
}

func TestNew_PingFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := New(ctx, &config.CacheConfig{RedisAddr: "127.0.0.1:1"}, logger); err == nil {
		t.Error("expected connection error")
	}
}
