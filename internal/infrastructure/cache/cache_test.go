package cache

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestMemoryExpiresEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemory()
	c.now = func() time.Time { return now }

	if err := c.Set(ctx, "domains:34412234", []byte(`["example.com"]`), time.Hour); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	got, ok, err := c.Get(ctx, "domains:34412234")
	if err != nil || !ok || string(got) != `["example.com"]` {
		t.Fatalf("unexpected Get result %q %v %v", got, ok, err)
	}

	got[0] = 'X'
	again, _, _ := c.Get(ctx, "domains:34412234")
	if again[0] != '[' {
		t.Fatalf("cached value must not alias the returned slice")
	}

	now = now.Add(time.Hour)
	if _, ok, _ := c.Get(ctx, "domains:34412234"); ok {
		t.Fatalf("expected entry to expire")
	}
	if _, ok, _ := c.Get(ctx, "missing"); ok {
		t.Fatalf("expected miss for unknown key")
	}
}

func TestRedisRoundTrip(t *testing.T) {
	addr := os.Getenv("STORY_PROCESSOR_TEST_REDIS")
	if addr == "" {
		t.Skip("STORY_PROCESSOR_TEST_REDIS not set")
	}

	ctx := context.Background()
	c, err := NewRedis(ctx, RedisConfig{Addr: addr, Prefix: "story-processor-test:"})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer c.Close()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(got) != "v" {
		t.Fatalf("unexpected Get result %q %v %v", got, ok, err)
	}
	if _, ok, err := c.Get(ctx, "absent"); ok || err != nil {
		t.Fatalf("expected clean miss, got %v %v", ok, err)
	}
}
