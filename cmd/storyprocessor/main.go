package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"StoryProcessor/internal/app"
	"StoryProcessor/internal/config"
	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/logging"
)

func main() {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	modeFlag := flag.String("mode", string(app.ModeServe), "serve, fetch, worker, sweep, health or recover")
	sourceFlag := flag.String("source", "", "comma-separated sources for the fetch job (default: all enabled)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("error", "text").Error("load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	mode, err := app.ParseMode(*modeFlag)
	if err != nil {
		logger.Error("bad flag", "error", err)
		os.Exit(1)
	}

	var only []domain.Source
	for _, raw := range strings.Split(*sourceFlag, ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		source, err := domain.ParseSource(raw)
		if err != nil {
			logger.Error("bad flag", "error", err)
			os.Exit(1)
		}
		only = append(only, source)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("application setup failed", "error", err)
		os.Exit(1)
	}

	runErr := application.Run(ctx, mode, only)
	if err := application.Close(); err != nil {
		logger.Warn("shutdown", "error", err)
	}
	if runErr != nil {
		logger.Error("application stopped", "mode", mode, "error", runErr)
		os.Exit(1)
	}
}
