package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/almsync/pkg/events"
	"github.com/cuemby/almsync/pkg/lifecycle"
	"github.com/cuemby/almsync/pkg/log"
	"github.com/cuemby/almsync/pkg/metrics"
	"github.com/cuemby/almsync/pkg/syncerr"
	"github.com/cuemby/almsync/pkg/tracker"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/cuemby/almsync/pkg/upsert"
	"github.com/rs/zerolog"
)

const defaultHandlerTimeout = 30 * time.Second

// Syncer runs lifecycle transitions
type Syncer interface {
	SyncRequirement(ctx context.Context, id string) (*lifecycle.Result, error)
	SyncIssue(ctx context.Context, id string) (*lifecycle.Result, error)
}

// WebhookApplier reflects tracker edits into the warehouse
type WebhookApplier interface {
	ApplyWebhook(ctx context.Context, ev *tracker.WebhookEvent) (*upsert.WebhookResult, error)
}

// HandlerResult is the outcome of one dispatch
type HandlerResult struct {
	Disposition events.Disposition
	// Class is set when Err is
	Class   syncerr.Class
	Err     error
	Sync    *lifecycle.Result
	Webhook *upsert.WebhookResult
}

// Dispatcher routes envelopes and webhooks to their handlers, one at a
// time per entity
type Dispatcher struct {
	syncer  Syncer
	applier WebhookApplier
	timeout time.Duration
	locks   *entityLocks
	logger  zerolog.Logger
}

// New creates a dispatcher. A zero timeout uses thirty seconds.
func New(syncer Syncer, applier WebhookApplier, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	return &Dispatcher{
		syncer:  syncer,
		applier: applier,
		timeout: timeout,
		locks:   newEntityLocks(),
		logger:  logger,
	}
}

// Handle processes one envelope
func (d *Dispatcher) Handle(ctx context.Context, env types.Envelope) HandlerResult {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.HandlerDuration, string(env.Kind))

	logger := log.WithEntity(d.logger, string(env.Kind), env.LocalID).
		With().Int("attempt", env.AttemptCount).Logger()

	var run func(context.Context, string) (*lifecycle.Result, error)
	switch env.Kind {
	case types.KindRequirement:
		run = d.syncer.SyncRequirement
	case types.KindIssue:
		run = d.syncer.SyncIssue
	default:
		logger.Warn().Msg("Dropping envelope of unknown kind")
		return d.record(env.Kind, HandlerResult{
			Disposition: events.Ack,
			Class:       syncerr.ClassPermanent,
			Err:         syncerr.Permanent("dispatch", fmt.Errorf("unknown kind %q", env.Kind)),
		})
	}
	if env.LocalID == "" {
		logger.Warn().Msg("Dropping envelope without local id")
		return d.record(env.Kind, HandlerResult{
			Disposition: events.Ack,
			Class:       syncerr.ClassPermanent,
			Err:         syncerr.Permanent("dispatch", fmt.Errorf("envelope has no local id")),
		})
	}

	var result *lifecycle.Result
	err := d.serialized(ctx, env.LocalID, func(ctx context.Context) error {
		var err error
		result, err = run(ctx, env.LocalID)
		return err
	})
	if err != nil {
		return d.record(env.Kind, d.failure(logger, err))
	}

	logger.Debug().
		Str("action", string(result.Action)).
		Str("remote_key", result.RemoteKey).
		Msg("Envelope handled")
	return d.record(env.Kind, HandlerResult{Disposition: events.Ack, Sync: result})
}

// HandleWebhook applies a tracker edit under the lock of the entity it
// addresses, so it never races a lifecycle sync of the same row
func (d *Dispatcher) HandleWebhook(ctx context.Context, ev *tracker.WebhookEvent) HandlerResult {
	const kind = "webhook"
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.HandlerDuration, kind)

	logger := d.logger.With().Str("kind", kind).Logger()
	if ev != nil {
		logger = logger.With().Str("event", ev.WebhookEvent).Logger()
	}

	key := ""
	if ev != nil && upsert.Accepts(ev.WebhookEvent) {
		target, err := upsert.TargetOf(ev)
		if err != nil {
			return d.record(kind, d.failure(logger, err))
		}
		key = target.LockKey()
		logger = logger.With().Str("lock_key", key).Logger()
	}

	var result *upsert.WebhookResult
	apply := func(ctx context.Context) error {
		var err error
		result, err = d.applier.ApplyWebhook(ctx, ev)
		return err
	}

	var err error
	if key == "" {
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		err = apply(ctx)
		cancel()
	} else {
		err = d.serialized(ctx, key, apply)
	}
	if err != nil {
		return d.record(kind, d.failure(logger, err))
	}
	return d.record(kind, HandlerResult{Disposition: events.Ack, Webhook: result})
}

// Deliver adapts the dispatcher to a transport handler
func (d *Dispatcher) Deliver(ctx context.Context, env types.Envelope) events.Disposition {
	return d.Handle(ctx, env).Disposition
}

// serialized runs fn holding the entity lock, bounded by the handler timeout
func (d *Dispatcher) serialized(ctx context.Context, key string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	unlock, err := d.locks.acquire(ctx, key)
	if err != nil {
		return syncerr.Transient("entity lock", err)
	}
	defer unlock()

	return fn(ctx)
}

// failure maps an error class to a disposition. Permanent failures are
// acknowledged; everything else goes back to the transport.
func (d *Dispatcher) failure(logger zerolog.Logger, err error) HandlerResult {
	class := syncerr.ClassOf(err)
	res := HandlerResult{Class: class, Err: err, Disposition: events.Retry}

	if class == syncerr.ClassPermanent {
		res.Disposition = events.Ack
		logger.Error().Err(err).Str("class", class.String()).Msg("Permanent failure; acknowledging")
		return res
	}
	logger.Warn().Err(err).Str("class", class.String()).Msg("Handler failed; requesting redelivery")
	return res
}

func (d *Dispatcher) record(kind types.EntityKind, res HandlerResult) HandlerResult {
	metrics.EnvelopesHandled.WithLabelValues(string(kind), res.Disposition.String()).Inc()
	return res
}
