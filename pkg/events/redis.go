package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/almsync/pkg/types"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const envelopeField = "envelope"

// RedisConfig configures the Redis Streams transport
type RedisConfig struct {
	Addr        string
	Stream      string
	Group       string
	Consumer    string
	MaxAttempts int
	// Block bounds each XREADGROUP call
	Block time.Duration
	// ClaimIdle is how long a delivery may sit unacknowledged before
	// another consumer takes it over. It is raised above the largest
	// retry delay when RetryBackoff is set.
	ClaimIdle time.Duration
	// RetryBackoff is the first redelivery delay; it doubles per attempt
	RetryBackoff time.Duration
	OnDeadLetter DeadLetterFunc
}

// RedisStream is a durable transport on a Redis stream with a consumer
// group. A retry waits out the backoff with the original entry still
// pending, then re-appends the envelope with its attempt count incremented
// and acknowledges the original in the same transaction. An entry whose
// wait is cut short by a crash or Close is reclaimed after ClaimIdle.
type RedisStream struct {
	rdb    *goredis.Client
	cfg    RedisConfig
	retry  redelivery
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRedisStream connects to Redis and ensures the consumer group exists
func NewRedisStream(cfg RedisConfig, logger zerolog.Logger) (*RedisStream, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		DialTimeout: 5 * time.Second,
	})

	s, err := newRedisStream(rdb, cfg, logger)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return s, nil
}

func newRedisStream(rdb *goredis.Client, cfg RedisConfig, logger zerolog.Logger) (*RedisStream, error) {
	if cfg.Stream == "" {
		cfg.Stream = "almsync:entities"
	}
	if cfg.Group == "" {
		cfg.Group = "almsync"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "almsync"
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 5 * time.Minute
	}
	if cfg.RetryBackoff > 0 && cfg.ClaimIdle <= maxRetryDelay {
		cfg.ClaimIdle = 2 * maxRetryDelay
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	err := rdb.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	return &RedisStream{
		rdb: rdb,
		cfg: cfg,
		retry: redelivery{
			maxAttempts: cfg.MaxAttempts,
			backoff:     cfg.RetryBackoff,
			onDead:      cfg.OnDeadLetter,
			logger:      logger,
		},
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

// Publish appends env to the stream
func (s *RedisStream) Publish(ctx context.Context, env types.Envelope) error {
	if env.AttemptCount == 0 {
		env.AttemptCount = 1
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: s.cfg.Stream,
		Values: map[string]any{envelopeField: string(raw)},
	}).Err()
}

// Consume reads new deliveries for the group. While the stream is idle it
// claims deliveries abandoned by crashed consumers.
func (s *RedisStream) Consume(ctx context.Context, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := s.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, ">"},
			Count:    1,
			Block:    s.cfg.Block,
		}).Result()

		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, goredis.Nil):
			s.reclaim(ctx, h)
			continue
		case errors.Is(err, goredis.ErrClosed):
			return nil
		case err != nil:
			s.logger.Warn().Err(err).Msg("Stream read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				s.deliver(ctx, msg, 1, h)
			}
		}
	}
}

func (s *RedisStream) reclaim(ctx context.Context, h Handler) {
	msgs, _, err := s.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   s.cfg.Stream,
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		MinIdle:  s.cfg.ClaimIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, goredis.Nil) {
			s.logger.Debug().Err(err).Msg("Claiming idle deliveries failed")
		}
		return
	}
	for _, msg := range msgs {
		s.deliver(ctx, msg, s.deliveries(ctx, msg.ID), h)
	}
}

// deliveries returns how often the group has handed out entry id, the
// claim that just happened included
func (s *RedisStream) deliveries(ctx context.Context, id string) int64 {
	pending, err := s.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: s.cfg.Stream,
		Group:  s.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		if err != nil && ctx.Err() == nil {
			s.logger.Debug().Err(err).Str("message_id", id).Msg("Reading delivery count failed")
		}
		return 1
	}
	return pending[0].RetryCount
}

// deliver hands one entry to h. deliveries is the group's delivery count
// for the entry; each delivery beyond the first is an attempt that never
// answered and counts against the envelope.
func (s *RedisStream) deliver(ctx context.Context, msg goredis.XMessage, deliveries int64, h Handler) {
	env, err := decodeMessage(msg)
	if err != nil {
		s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Dropping undecodable envelope")
		s.ack(ctx, msg.ID)
		return
	}
	env = withDeliveries(env, deliveries)

	if s.retry.overdue(env) {
		s.retry.deadLetter(env)
		s.ack(ctx, msg.ID)
		return
	}

	if h(ctx, env) == Ack {
		s.ack(ctx, msg.ID)
		return
	}
	if s.retry.exhausted(env) {
		s.retry.deadLetter(env)
		s.ack(ctx, msg.ID)
		return
	}

	delay := s.retry.delay(env.AttemptCount)
	env.AttemptCount++
	if delay <= 0 {
		s.requeue(ctx, msg.ID, env)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// wait off the worker; the entry stays pending until requeued
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-s.stopCh:
			return
		}
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.requeue(rctx, msg.ID, env)
	}()
}

// requeue appends env as a new entry and acknowledges id atomically
func (s *RedisStream) requeue(ctx context.Context, id string, env types.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		s.ack(ctx, id)
		return
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: s.cfg.Stream,
			Values: map[string]any{envelopeField: string(raw)},
		})
		pipe.XAck(ctx, s.cfg.Stream, s.cfg.Group, id)
		return nil
	})
	if err != nil {
		// left pending; XAUTOCLAIM picks it up again after ClaimIdle
		s.logger.Warn().Err(err).Str("message_id", id).Msg("Failed to schedule redelivery")
	}
}

func (s *RedisStream) ack(ctx context.Context, id string) {
	if err := s.rdb.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		s.logger.Warn().Err(err).Str("message_id", id).Msg("Failed to acknowledge delivery")
	}
}

func decodeMessage(msg goredis.XMessage) (types.Envelope, error) {
	var env types.Envelope
	raw, ok := msg.Values[envelopeField].(string)
	if !ok {
		return env, fmt.Errorf("message %s has no %s field", msg.ID, envelopeField)
	}
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.AttemptCount == 0 {
		env.AttemptCount = 1
	}
	return env, nil
}

// withDeliveries adds the unanswered deliveries of an entry to the attempt
// count the envelope was appended with
func withDeliveries(env types.Envelope, deliveries int64) types.Envelope {
	if deliveries > 1 {
		env.AttemptCount += int(deliveries - 1)
	}
	return env
}

// Ping checks the Redis connection
func (s *RedisStream) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close stops pending backoff waits and closes the Redis client. Entries
// still waiting stay pending in the group and are reclaimed later.
func (s *RedisStream) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.stopCh)
	}
	s.mu.Unlock()

	s.wg.Wait()
	return s.rdb.Close()
}
