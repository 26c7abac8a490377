// Package publisher announces local mutations on the message channel.
// Publishing is advisory: a failed send is logged and the reconciler later
// finds the row by its missing remote key.
package publisher

import (
	"context"
	"time"

	"github.com/cuemby/almsync/pkg/metrics"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/rs/zerolog"
)

const defaultTimeout = 5 * time.Second

// Channel is the send side of the transport
type Channel interface {
	Publish(ctx context.Context, env types.Envelope) error
}

// Publisher sends {kind, local_id} envelopes
type Publisher struct {
	channel Channel
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a publisher. A zero timeout uses five seconds.
func New(channel Channel, timeout time.Duration, logger zerolog.Logger) *Publisher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Publisher{channel: channel, timeout: timeout, logger: logger}
}

// Publish sends the envelope for one entity. It never fails the caller.
func (p *Publisher) Publish(ctx context.Context, kind types.EntityKind, localID string) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	env := types.Envelope{Kind: kind, LocalID: localID}
	if err := p.channel.Publish(ctx, env); err != nil {
		metrics.EnvelopesPublished.WithLabelValues(string(kind), "failed").Inc()
		p.logger.Warn().
			Err(err).
			Str("kind", string(kind)).
			Str("local_id", localID).
			Msg("Failed to publish envelope; reconciler will pick it up")
		return
	}

	metrics.EnvelopesPublished.WithLabelValues(string(kind), "ok").Inc()
	p.logger.Debug().Str("kind", string(kind)).Str("local_id", localID).Msg("Published envelope")
}
