package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/ports"
)

// ErrClosed is returned by queues after Close.
var ErrClosed = errors.New("queue closed")

// DeadLetter is a batch that was given up on.
type DeadLetter struct {
	Batch  domain.Batch
	Reason string
	At     time.Time
}

// Memory is an in-process queue for single-binary deployments. Batches do
// not survive a restart.
type Memory struct {
	ch        chan domain.Batch
	done      chan struct{}
	closeOnce sync.Once
	consumers int
	redeliver time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	dead []DeadLetter
}

var _ ports.BatchQueue = (*Memory)(nil)

// NewMemory builds a queue holding up to buffer batches, drained by the given
// number of concurrent consumers.
func NewMemory(buffer, consumers int, logger *slog.Logger) *Memory {
	if buffer <= 0 {
		buffer = 256
	}
	if consumers <= 0 {
		consumers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		ch:        make(chan domain.Batch, buffer),
		done:      make(chan struct{}),
		consumers: consumers,
		redeliver: time.Second,
		logger:    logger,
	}
}

// Enqueue blocks while the buffer is full. A batch that is not yet due is
// held on a timer and returns immediately.
func (m *Memory) Enqueue(ctx context.Context, batch domain.Batch) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	if wait := time.Until(batch.NotBefore); wait > 0 {
		m.deliverAfter(batch, wait)
		return nil
	}
	select {
	case m.ch <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// Consume runs the consumers until ctx is done or the queue is closed. A batch
// whose handler fails is put back after a short delay.
func (m *Memory) Consume(ctx context.Context, handler ports.BatchHandler) error {
	var wg sync.WaitGroup
	for i := 0; i < m.consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.consume(ctx, handler)
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func (m *Memory) consume(ctx context.Context, handler ports.BatchHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case batch := <-m.ch:
			if err := handler(ctx, batch); err != nil {
				m.logger.Warn("batch handler failed, redelivering", "batch_id", batch.ID, "error", err)
				m.deliverAfter(batch, m.redeliver)
			}
		}
	}
}

// deliverAfter pushes batch after d without holding a consumer. Pending
// deliveries are dropped on Close.
func (m *Memory) deliverAfter(batch domain.Batch, d time.Duration) {
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-m.done:
			return
		}
		select {
		case m.ch <- batch:
		case <-m.done:
		}
	}()
}

func (m *Memory) DeadLetter(_ context.Context, batch domain.Batch, reason error) error {
	letter := DeadLetter{Batch: batch, At: time.Now()}
	if reason != nil {
		letter.Reason = reason.Error()
	}
	m.mu.Lock()
	m.dead = append(m.dead, letter)
	m.mu.Unlock()
	m.logger.Error("batch dead-lettered", "batch_id", batch.ID, "project_id", batch.Project.ID, "stories", len(batch.Stories), "reason", letter.Reason)
	return nil
}

// DeadLetters returns a copy of everything given up on so far.
func (m *Memory) DeadLetters() []DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.dead...)
}

// Len reports the number of buffered batches.
func (m *Memory) Len() int {
	return len(m.ch)
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}
