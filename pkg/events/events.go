package events

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/almsync/pkg/metrics"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/rs/zerolog"
)

// ErrClosed is returned when publishing to a closed transport
var ErrClosed = errors.New("transport closed")

// Disposition tells the transport what to do with a delivered envelope
type Disposition int

const (
	// Ack removes the envelope from the channel
	Ack Disposition = iota
	// Retry schedules a redelivery with the attempt count incremented
	Retry
)

func (d Disposition) String() string {
	if d == Retry {
		return "retry"
	}
	return "ack"
}

// Handler processes one delivery
type Handler func(ctx context.Context, env types.Envelope) Disposition

// Transport is an at-least-once message channel for envelopes. Consume
// may be called from several goroutines at once; each delivery goes to
// exactly one of them.
type Transport interface {
	Publish(ctx context.Context, env types.Envelope) error
	// Consume feeds deliveries to h until ctx is canceled or the transport closes
	Consume(ctx context.Context, h Handler) error
	Close() error
}

// DeadLetterFunc observes envelopes dropped after their last attempt
type DeadLetterFunc func(env types.Envelope)

// maxRetryDelay caps the redelivery backoff
const maxRetryDelay = 30 * time.Second

// redelivery is the retry bookkeeping shared by the transports
type redelivery struct {
	maxAttempts int
	backoff     time.Duration
	onDead      DeadLetterFunc
	logger      zerolog.Logger
}

// exhausted reports whether env has used its last attempt
func (r *redelivery) exhausted(env types.Envelope) bool {
	return r.maxAttempts > 0 && env.AttemptCount >= r.maxAttempts
}

// overdue reports whether env arrives past its last attempt. That happens
// when earlier deliveries never answered, e.g. the handler took the process down.
func (r *redelivery) overdue(env types.Envelope) bool {
	return r.maxAttempts > 0 && env.AttemptCount > r.maxAttempts
}

// delay is the wait before redelivering attempt n+1, doubling per attempt
func (r *redelivery) delay(attempt int) time.Duration {
	if r.backoff <= 0 {
		return 0
	}
	d := r.backoff
	for i := 1; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

func (r *redelivery) deadLetter(env types.Envelope) {
	metrics.DeadLetters.WithLabelValues(string(env.Kind)).Inc()
	r.logger.Warn().
		Str("kind", string(env.Kind)).
		Str("local_id", env.LocalID).
		Int("attempts", env.AttemptCount).
		Msg("Dropping envelope after final attempt")
	if r.onDead != nil {
		r.onDead(env)
	}
}
