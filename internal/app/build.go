package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/IBM/sarama"

	"StoryProcessor/internal/config"
	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/infrastructure/archive"
	"StoryProcessor/internal/infrastructure/cache"
	"StoryProcessor/internal/infrastructure/notify"
	"StoryProcessor/internal/infrastructure/queue"
	"StoryProcessor/internal/infrastructure/sources"
	"StoryProcessor/internal/infrastructure/storage"
	"StoryProcessor/internal/infrastructure/telegram"
	"StoryProcessor/internal/ports"
	"StoryProcessor/internal/scanner"
	"StoryProcessor/internal/usecase"
	pkglogger "StoryProcessor/pkg/logger"
)

// repository is what both ledger implementations provide.
type repository interface {
	ports.StoryLedger
	ports.WatermarkStore
	ports.LedgerReporter
}

func openRepository(ctx context.Context, cfg config.DatabaseConfig) (repository, *sql.DB, error) {
	if cfg.Driver == "memory" {
		return storage.NewMemoryRepository(), nil, nil
	}

	db, err := storage.OpenPostgres(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	repo := storage.NewPostgresRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return repo, db, nil
}

func openCache(ctx context.Context, cfg config.CacheConfig) (ports.Cache, func() error, error) {
	if cfg.Driver != "redis" {
		return cache.NewMemory(), nil, nil
	}
	r, err := cache.NewRedis(ctx, cache.RedisConfig{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err != nil {
		return nil, nil, err
	}
	return r, r.Close, nil
}

func openQueue(cfg config.QueueConfig, logger *slog.Logger) (ports.BatchQueue, error) {
	if cfg.Driver != "kafka" {
		return queue.NewMemory(cfg.Buffer, cfg.Consumers, logger.With("component", "queue.memory")), nil
	}

	sarama.Logger = pkglogger.New(logger, "sarama", slog.LevelDebug)
	k, err := queue.NewKafka(queue.KafkaConfig{
		Brokers:         cfg.Brokers,
		Topic:           cfg.Topic,
		RetryTopic:      cfg.RetryTopic,
		DeadLetterTopic: cfg.DeadLetterTopic,
		GroupID:         cfg.GroupID,
	}, logger.With("component", "queue.kafka"))
	if err != nil {
		return nil, err
	}
	return k, nil
}

func openArchive(ctx context.Context, cfg config.ArchiveConfig) (ports.PostArchive, error) {
	switch cfg.Driver {
	case "file":
		f, err := archive.NewFile(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "s3":
		s, err := archive.NewS3(ctx, archive.S3Config{
			Bucket:       cfg.Bucket,
			Prefix:       cfg.Prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, nil
	}
}

func buildNotifier(cfg config.NotificationConfig, logger *slog.Logger) *notify.Multi {
	var channels []ports.Notifier
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		channels = append(channels, telegram.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
	}
	if cfg.Email.Host != "" && len(cfg.Email.To) > 0 {
		channels = append(channels, notify.NewEmail(notify.EmailConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			To:       cfg.Email.To,
		}))
	}
	return notify.NewMulti(logger.With("component", "notify"), channels...)
}

// buildRegistry registers an adapter for every enabled source.
func buildRegistry(cfg config.Config, client *http.Client, c ports.Cache, logger *slog.Logger) *scanner.Registry {
	registry := scanner.NewRegistry()
	src := cfg.Sources

	for _, source := range cfg.EnabledSources() {
		switch source {
		case domain.SourceMediaCloud:
			registry.Register(sources.NewMediaCloud(client, sources.MediaCloudConfig{
				BaseURL:       src.MediaCloud.BaseURL,
				APIKey:        src.MediaCloud.APIKey,
				PageSize:      cfg.Fetch.PageSize,
				RatePerSecond: src.MediaCloud.RatePerSecond,
			}))
		case domain.SourceWaybackMachine:
			directory := sources.NewDirectory(client, sources.DirectoryConfig{
				BaseURL:       src.Wayback.DirectoryURL,
				APIKey:        src.MediaCloud.APIKey,
				CacheTTL:      src.Wayback.DomainCacheTTL,
				RatePerSecond: src.MediaCloud.RatePerSecond,
			}, c, logger.With("component", "sources.directory"))
			registry.Register(sources.NewWayback(client, sources.WaybackConfig{
				BaseURL:       src.Wayback.BaseURL,
				Collection:    src.Wayback.Collection,
				PageSize:      cfg.Fetch.PageSize,
				RatePerSecond: src.Wayback.RatePerSecond,
			}, directory, logger.With("component", "sources.wayback")))
		case domain.SourceNewscatcher:
			registry.Register(sources.NewNewscatcher(client, sources.NewscatcherConfig{
				BaseURL:       src.Newscatcher.BaseURL,
				APIKey:        src.Newscatcher.APIKey,
				PageSize:      cfg.Fetch.PageSize,
				RatePerSecond: src.Newscatcher.RatePerSecond,
			}))
		case domain.SourceGoogleAlerts:
			registry.Register(sources.NewGoogleAlerts(client, src.GoogleAlerts.RatePerSecond))
		}
	}
	return registry
}

func fetchOptions(cfg config.Config) usecase.FetchOptions {
	windows := make(map[domain.Source]usecase.WindowSettings, len(cfg.Fetch.Windows))
	for name, w := range cfg.Fetch.Windows {
		source, err := domain.ParseSource(name)
		if err != nil {
			continue
		}
		windows[source] = usecase.WindowSettings{Lag: w.Lag(), Lookback: w.Lookback()}
	}
	return usecase.FetchOptions{
		PoolSize:             cfg.Fetch.PoolSize,
		MaxStoriesPerProject: cfg.Fetch.MaxStoriesPerProject,
		RequestTimeout:       cfg.Fetch.RequestTimeout,
		PageRetries:          cfg.Fetch.PageRetries,
		RetryBackoff:         cfg.Fetch.RetryBackoff,
		Windows:              windows,
	}
}

func retryPolicy(cfg config.QueueConfig) usecase.RetryPolicy {
	return usecase.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
	}
}

func closeAll(closers []func() error) error {
	var firstErr error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close: %w", err)
		}
	}
	return firstErr
}
