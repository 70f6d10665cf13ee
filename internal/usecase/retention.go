package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"StoryProcessor/internal/ports"
)

// Sweeper deletes ledger rows queued longer ago than the retention age,
// whether or not they were delivered.
type Sweeper struct {
	ledger ports.StoryLedger
	age    time.Duration
	logger *slog.Logger
}

func NewSweeper(ledger ports.StoryLedger, age time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{ledger: ledger, age: age, logger: logger}
}

// Run deletes rows with queued_at before now minus the retention age.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UTC().Add(-s.age)
	deleted, err := s.ledger.DeleteQueuedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep stories before %s: %w", cutoff.Format(time.DateOnly), err)
	}
	s.logger.Info("retention sweep finished", "cutoff", cutoff, "deleted", deleted)
	return deleted, nil
}
