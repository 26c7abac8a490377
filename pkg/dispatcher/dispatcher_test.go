package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/almsync/pkg/events"
	"github.com/cuemby/almsync/pkg/lifecycle"
	"github.com/cuemby/almsync/pkg/syncerr"
	"github.com/cuemby/almsync/pkg/tracker"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/cuemby/almsync/pkg/upsert"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	mu    sync.Mutex
	calls []types.EntityRef
	fn    func(ctx context.Context, ref types.EntityRef) error
}

func (s *fakeSyncer) sync(ctx context.Context, kind types.EntityKind, id string) (*lifecycle.Result, error) {
	ref := types.EntityRef{Kind: kind, ID: id}
	s.mu.Lock()
	s.calls = append(s.calls, ref)
	s.mu.Unlock()
	if s.fn != nil {
		if err := s.fn(ctx, ref); err != nil {
			return nil, err
		}
	}
	return &lifecycle.Result{Ref: ref, Action: lifecycle.ActionCreated, RemoteKey: "HC-1"}, nil
}

func (s *fakeSyncer) SyncRequirement(ctx context.Context, id string) (*lifecycle.Result, error) {
	return s.sync(ctx, types.KindRequirement, id)
}

func (s *fakeSyncer) SyncIssue(ctx context.Context, id string) (*lifecycle.Result, error) {
	return s.sync(ctx, types.KindIssue, id)
}

func (s *fakeSyncer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeApplier struct {
	applied atomic.Int32
	err     error
}

func (a *fakeApplier) ApplyWebhook(ctx context.Context, ev *tracker.WebhookEvent) (*upsert.WebhookResult, error) {
	a.applied.Add(1)
	if a.err != nil {
		return nil, a.err
	}
	return &upsert.WebhookResult{Event: ev.WebhookEvent, Outcome: types.UpsertUpdated}, nil
}

func labelledEvent(localID string) *tracker.WebhookEvent {
	return &tracker.WebhookEvent{
		WebhookEvent: upsert.EventIssueUpdated,
		Issue: &tracker.Issue{
			Key: "HC-7",
			Fields: tracker.Fields{
				IssueType: &tracker.Named{Name: tracker.TypeBug},
				Labels:    []string{types.IDLabel(localID)},
			},
		},
	}
}

func TestHandleRoutesByKind(t *testing.T) {
	syncer := &fakeSyncer{}
	d := New(syncer, &fakeApplier{}, time.Second, zerolog.Nop())

	res := d.Handle(context.Background(), types.Envelope{Kind: types.KindRequirement, LocalID: "r1", AttemptCount: 1})
	assert.Equal(t, events.Ack, res.Disposition)
	require.NoError(t, res.Err)
	require.NotNil(t, res.Sync)
	assert.Equal(t, "HC-1", res.Sync.RemoteKey)

	res = d.Handle(context.Background(), types.Envelope{Kind: types.KindIssue, LocalID: "i1", AttemptCount: 1})
	assert.Equal(t, events.Ack, res.Disposition)

	assert.Equal(t, []types.EntityRef{
		{Kind: types.KindRequirement, ID: "r1"},
		{Kind: types.KindIssue, ID: "i1"},
	}, syncer.calls)
	assert.Zero(t, d.locks.size())
}

func TestHandleDropsMalformedEnvelopes(t *testing.T) {
	syncer := &fakeSyncer{}
	d := New(syncer, &fakeApplier{}, time.Second, zerolog.Nop())

	for _, env := range []types.Envelope{
		{Kind: "TestCase", LocalID: "t1"},
		{Kind: types.KindIssue},
	} {
		res := d.Handle(context.Background(), env)
		assert.Equal(t, events.Ack, res.Disposition)
		assert.Equal(t, syncerr.ClassPermanent, res.Class)
		assert.Error(t, res.Err)
	}
	assert.Zero(t, syncer.count())
}

func TestHandleClassifiesFailures(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		want  events.Disposition
		class syncerr.Class
	}{
		{name: "transient", err: syncerr.Transient("create_issue", errors.New("503")), want: events.Retry, class: syncerr.ClassTransient},
		{name: "storage", err: syncerr.Storage("store remote key", errors.New("disk")), want: events.Retry, class: syncerr.ClassStorage},
		{name: "stale", err: syncerr.Stale("get_issue", "HC-3"), want: events.Retry, class: syncerr.ClassStale},
		{name: "permanent", err: syncerr.Permanent("create_issue", errors.New("400")), want: events.Ack, class: syncerr.ClassPermanent},
		{name: "unclassified", err: errors.New("connection reset"), want: events.Retry, class: syncerr.ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			syncer := &fakeSyncer{fn: func(context.Context, types.EntityRef) error { return tt.err }}
			d := New(syncer, &fakeApplier{}, time.Second, zerolog.Nop())

			res := d.Handle(context.Background(), types.Envelope{Kind: types.KindIssue, LocalID: "i1"})
			assert.Equal(t, tt.want, res.Disposition)
			assert.Equal(t, tt.class, res.Class)
			assert.ErrorIs(t, res.Err, tt.err)
			assert.Equal(t, tt.want, d.Deliver(context.Background(), types.Envelope{Kind: types.KindIssue, LocalID: "i1"}))
		})
	}
}

func TestHandleTimeoutIsTransient(t *testing.T) {
	syncer := &fakeSyncer{fn: func(ctx context.Context, _ types.EntityRef) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	d := New(syncer, &fakeApplier{}, 20*time.Millisecond, zerolog.Nop())

	res := d.Handle(context.Background(), types.Envelope{Kind: types.KindRequirement, LocalID: "r1"})
	assert.Equal(t, events.Retry, res.Disposition)
	assert.Equal(t, syncerr.ClassTransient, res.Class)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}

func TestHandleSerializesPerEntity(t *testing.T) {
	var mu sync.Mutex
	active := map[string]int{}
	maxPerEntity, maxTotal, total := 0, 0, 0

	syncer := &fakeSyncer{fn: func(ctx context.Context, ref types.EntityRef) error {
		mu.Lock()
		active[ref.ID]++
		total++
		if active[ref.ID] > maxPerEntity {
			maxPerEntity = active[ref.ID]
		}
		if total > maxTotal {
			maxTotal = total
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active[ref.ID]--
		total--
		mu.Unlock()
		return nil
	}}
	d := New(syncer, &fakeApplier{}, 5*time.Second, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		for _, id := range []string{"a", "b"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				d.Handle(context.Background(), types.Envelope{Kind: types.KindIssue, LocalID: id})
			}(id)
		}
	}
	wg.Wait()

	assert.Equal(t, 1, maxPerEntity)
	assert.Equal(t, 2, maxTotal)
	assert.Equal(t, 10, syncer.count())
	assert.Zero(t, d.locks.size())
}

func TestHandleWebhookSharesEntityLock(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	syncer := &fakeSyncer{fn: func(ctx context.Context, _ types.EntityRef) error {
		close(started)
		<-release
		return nil
	}}
	applier := &fakeApplier{}
	d := New(syncer, applier, 5*time.Second, zerolog.Nop())

	done := make(chan HandlerResult, 1)
	go func() {
		d.Handle(context.Background(), types.Envelope{Kind: types.KindIssue, LocalID: "i9"})
	}()
	<-started
	go func() {
		done <- d.HandleWebhook(context.Background(), labelledEvent("i9"))
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, applier.applied.Load())

	close(release)
	select {
	case res := <-done:
		assert.Equal(t, events.Ack, res.Disposition)
		require.NotNil(t, res.Webhook)
		assert.Equal(t, types.UpsertUpdated, res.Webhook.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never applied")
	}
}

func TestHandleWebhookFailures(t *testing.T) {
	t.Run("missing issue is acknowledged", func(t *testing.T) {
		applier := &fakeApplier{}
		d := New(&fakeSyncer{}, applier, time.Second, zerolog.Nop())
		res := d.HandleWebhook(context.Background(), &tracker.WebhookEvent{WebhookEvent: upsert.EventUpdated})
		assert.Equal(t, events.Ack, res.Disposition)
		assert.Equal(t, syncerr.ClassPermanent, res.Class)
		assert.Zero(t, applier.applied.Load())
	})

	t.Run("storage failure is retried", func(t *testing.T) {
		applier := &fakeApplier{err: syncerr.Storage("upsert", errors.New("disk full"))}
		d := New(&fakeSyncer{}, applier, time.Second, zerolog.Nop())
		res := d.HandleWebhook(context.Background(), labelledEvent("i1"))
		assert.Equal(t, events.Retry, res.Disposition)
		assert.Equal(t, syncerr.ClassStorage, res.Class)
	})

	t.Run("ignored event skips the lock", func(t *testing.T) {
		applier := &fakeApplier{}
		d := New(&fakeSyncer{}, applier, time.Second, zerolog.Nop())
		res := d.HandleWebhook(context.Background(), &tracker.WebhookEvent{WebhookEvent: "jira:issue_deleted"})
		assert.Equal(t, events.Ack, res.Disposition)
		assert.Equal(t, int32(1), applier.applied.Load())
	})
}

func TestEntityLocksHonorContext(t *testing.T) {
	l := newEntityLocks()
	unlock, err := l.acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Zero(t, l.size())
}

func TestRunnerConsumesTransport(t *testing.T) {
	broker := events.NewMemoryBroker(events.MemoryConfig{Buffer: 10}, zerolog.Nop())
	defer broker.Close()

	syncer := &fakeSyncer{}
	d := New(syncer, &fakeApplier{}, time.Second, zerolog.Nop())
	runner := NewRunner(broker, d, 3, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, broker.Publish(context.Background(), types.Envelope{Kind: types.KindRequirement, LocalID: id}))
	}

	assert.Eventually(t, func() bool { return syncer.count() == 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}
