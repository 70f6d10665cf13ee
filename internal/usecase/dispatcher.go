package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/ports"
)

// BatchProcessor is the unit of work the dispatcher runs per batch.
type BatchProcessor interface {
	Process(ctx context.Context, batch domain.Batch) error
}

// Dispatcher consumes queued batches and applies the retry policy to the
// errors the worker returns.
type Dispatcher struct {
	queue     ports.BatchQueue
	processor BatchProcessor
	ledger    ports.StoryLedger
	policy    RetryPolicy
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher wires the queue, the worker and the ledger used to flag
// batches that were given up on.
func NewDispatcher(queue ports.BatchQueue, processor BatchProcessor, ledger ports.StoryLedger, policy RetryPolicy, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &Dispatcher{
		queue:     queue,
		processor: processor,
		ledger:    ledger,
		policy:    policy,
		logger:    logger,
		now:       time.Now,
	}
}

// Run blocks consuming batches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	err := d.queue.Consume(ctx, d.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle processes one batch. A nil return acknowledges the batch; an error
// leaves it with the queue for redelivery.
func (d *Dispatcher) Handle(ctx context.Context, batch domain.Batch) error {
	if batch.NotBefore.After(d.now()) {
		// Delivered early; the queue holds it until it is due.
		if err := d.queue.Enqueue(ctx, batch); err != nil {
			return fmt.Errorf("defer batch %s: %w", batch.ID, err)
		}
		return nil
	}

	err := d.processor.Process(ctx, batch)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("batch %s interrupted: %w", batch.ID, err)
	}

	logger := d.logger.With("batch_id", batch.ID, "project_id", batch.Project.ID, "attempt", batch.Attempt)

	if !IsRetryable(err) {
		logger.Error("batch failed permanently", "error", err)
		return d.giveUp(ctx, batch, err)
	}
	if d.policy.Exhausted(batch.Attempt) {
		logger.Error("batch out of retries", "max_attempts", d.policy.MaxAttempts, "error", err)
		return d.giveUp(ctx, batch, err)
	}

	wait := d.policy.Backoff(batch.Attempt)
	next := batch.Retry(d.now().Add(wait))
	if qerr := d.queue.Enqueue(ctx, next); qerr != nil {
		return fmt.Errorf("requeue batch %s: %w", batch.ID, qerr)
	}
	logger.Warn("batch failed, requeued", "retry_in", wait, "error", err)
	return nil
}

func (d *Dispatcher) giveUp(ctx context.Context, batch domain.Batch, reason error) error {
	if err := d.queue.DeadLetter(ctx, batch, reason); err != nil {
		return fmt.Errorf("dead-letter batch %s: %w", batch.ID, err)
	}
	if d.ledger != nil {
		if err := d.ledger.MarkScoreFailed(ctx, batch.LedgerIDs()); err != nil {
			d.logger.Error("mark score failed", "batch_id", batch.ID, "error", err)
		}
	}
	return nil
}
