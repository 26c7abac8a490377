package events

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/almsync/pkg/types"
	"github.com/rs/zerolog"
)

// MemoryConfig configures the in-process transport
type MemoryConfig struct {
	Buffer       int
	MaxAttempts  int
	RetryBackoff time.Duration
	OnDeadLetter DeadLetterFunc
}

// MemoryBroker is an in-process transport backed by a buffered channel.
// Envelopes do not survive a restart; the reconciler re-announces
// unlinked rows after one.
type MemoryBroker struct {
	queue  chan types.Envelope
	retry  redelivery
	stopCh chan struct{}
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewMemoryBroker creates an in-process transport
func NewMemoryBroker(cfg MemoryConfig, logger zerolog.Logger) *MemoryBroker {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 100
	}
	return &MemoryBroker{
		queue: make(chan types.Envelope, cfg.Buffer),
		retry: redelivery{
			maxAttempts: cfg.MaxAttempts,
			backoff:     cfg.RetryBackoff,
			onDead:      cfg.OnDeadLetter,
			logger:      logger,
		},
		stopCh: make(chan struct{}),
	}
}

// Publish enqueues env, blocking while the buffer is full
func (b *MemoryBroker) Publish(ctx context.Context, env types.Envelope) error {
	if env.AttemptCount == 0 {
		env.AttemptCount = 1
	}

	select {
	case <-b.stopCh:
		return ErrClosed
	default:
	}

	select {
	case b.queue <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.stopCh:
		return ErrClosed
	}
}

// Consume delivers envelopes to h until ctx is done or the broker closes
func (b *MemoryBroker) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.stopCh:
			return nil
		case env := <-b.queue:
			b.deliver(ctx, env, h)
		}
	}
}

func (b *MemoryBroker) deliver(ctx context.Context, env types.Envelope, h Handler) {
	if h(ctx, env) == Ack {
		return
	}
	if b.retry.exhausted(env) {
		b.retry.deadLetter(env)
		return
	}

	delay := b.retry.delay(env.AttemptCount)
	env.AttemptCount++

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	// requeue off the worker so a full buffer cannot stall consumers
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-b.stopCh:
			return
		}
		select {
		case b.queue <- env:
		case <-b.stopCh:
		}
	}()
}

// Pending returns the number of envelopes waiting in the buffer
func (b *MemoryBroker) Pending() int {
	return len(b.queue)
}

// Close stops the broker; pending redeliveries are discarded
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.stopCh)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
