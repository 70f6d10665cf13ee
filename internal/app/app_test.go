package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"StoryProcessor/internal/config"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Database.Driver = "memory"
	cfg.Queue.Driver = "memory"
	cfg.Cache.Driver = "memory"
	cfg.Archive.Driver = "none"
	cfg.Projects.URL = ""
	cfg.Projects.CacheFile = filepath.Join(t.TempDir(), "projects.json")
	cfg.Notifications = config.NotificationConfig{}
	cfg.HTTP.Addr = "127.0.0.1:0"
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"serve", "fetch", "worker", "sweep", "health", "recover"} {
		if _, err := ParseMode(raw); err != nil {
			t.Fatalf("ParseMode(%q): %v", raw, err)
		}
	}
	if _, err := ParseMode("daemon"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestStandaloneModesNeedSharedQueue(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(t), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	for _, mode := range []Mode{ModeFetch, ModeWorker, ModeRecover} {
		if err := a.Run(ctx, mode, nil); err == nil {
			t.Fatalf("mode %s: expected error with the memory queue", mode)
		}
	}
}

func TestOneShotJobsOnMemoryBackends(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(t), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if err := a.Run(ctx, ModeSweep, nil); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if err := a.Run(ctx, ModeHealth, nil); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(t), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, ModeServe, nil) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop after cancel")
	}
}
