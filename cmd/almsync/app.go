package main

import (
	"fmt"
	"strings"

	"github.com/cuemby/almsync/pkg/config"
	"github.com/cuemby/almsync/pkg/dispatcher"
	"github.com/cuemby/almsync/pkg/events"
	"github.com/cuemby/almsync/pkg/generation"
	"github.com/cuemby/almsync/pkg/health"
	"github.com/cuemby/almsync/pkg/intake"
	"github.com/cuemby/almsync/pkg/lifecycle"
	"github.com/cuemby/almsync/pkg/log"
	"github.com/cuemby/almsync/pkg/materializer"
	"github.com/cuemby/almsync/pkg/metrics"
	"github.com/cuemby/almsync/pkg/publisher"
	"github.com/cuemby/almsync/pkg/reconciler"
	"github.com/cuemby/almsync/pkg/storage"
	"github.com/cuemby/almsync/pkg/tracker"
	"github.com/cuemby/almsync/pkg/types"
	"github.com/cuemby/almsync/pkg/upsert"
)

// app holds the constructed components. Collaborators that are not
// configured stay nil and the commands needing them refuse to run.
type app struct {
	cfg       *config.Config
	store     storage.Store
	transport events.Transport
	tracker   *tracker.Client
	generator *generation.Client

	publisher    *publisher.Publisher
	lifecycle    *lifecycle.Lifecycle
	resolver     *upsert.Resolver
	dispatcher   *dispatcher.Dispatcher
	materializer *materializer.Materializer
	intake       *intake.Service
	reconciler   *reconciler.Reconciler
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	store, err := openStore(cfg.Warehouse)
	if err != nil {
		metrics.UpdateComponent("warehouse", false, err.Error())
		return nil, err
	}
	a.store = store
	metrics.UpdateComponent("warehouse", true, "")

	transport, err := openTransport(cfg.Transport)
	if err != nil {
		metrics.UpdateComponent("transport", false, err.Error())
		_ = store.Close()
		return nil, err
	}
	a.transport = transport
	metrics.UpdateComponent("transport", true, "")

	if cfg.Tracker.BaseURL != "" {
		a.tracker, err = tracker.NewClient(tracker.Config{
			BaseURL:           cfg.Tracker.BaseURL,
			Username:          cfg.Tracker.Username,
			APIToken:          cfg.Tracker.APIToken,
			ProjectKey:        cfg.Tracker.ProjectKey,
			Timeout:           cfg.Tracker.Timeout,
			RequestsPerSecond: cfg.Tracker.RequestsPerSecond,
			Burst:             cfg.Tracker.Burst,
		}, log.WithComponent("tracker"))
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	if cfg.Generation.BaseURL != "" {
		a.generator, err = generation.NewClient(generation.Config{
			BaseURL: cfg.Generation.BaseURL,
			Timeout: cfg.Generation.Timeout,
		}, log.WithComponent("generation"))
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.publisher = publisher.New(a.transport, 0, log.WithComponent("publisher"))
	a.resolver = upsert.New(a.store, log.WithComponent("upsert"))
	a.reconciler = reconciler.NewReconciler(a.store, a.publisher, cfg.Reconciler, log.WithComponent("reconciler"))

	if a.tracker != nil {
		a.lifecycle = lifecycle.New(a.store, a.tracker, lifecycle.Config{
			LinkType:           cfg.Tracker.LinkType,
			SearchBeforeCreate: cfg.Tracker.SearchBeforeCreate,
		}, log.WithComponent("lifecycle"))
		a.dispatcher = dispatcher.New(a.lifecycle, a.resolver, cfg.Dispatcher.HandlerTimeout, log.WithComponent("dispatcher"))
	}

	if a.generator != nil {
		a.materializer = materializer.New(a.store, a.generator, a.publisher, cfg.Materializer, log.WithComponent("materializer"))
		a.intake = intake.NewService(a.store, a.generator, a.publisher, log.WithComponent("intake"))
	}

	return a, nil
}

func openStore(cfg config.WarehouseConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "bolt":
		s, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open warehouse: %w", err)
		}
		return s, nil
	case "sqlite", "postgres":
		s, err := storage.OpenSQLStore(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open warehouse: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown warehouse driver %q", cfg.Driver)
}

func openTransport(cfg config.TransportConfig) (events.Transport, error) {
	logger := log.WithComponent("transport")
	onDead := func(env types.Envelope) {
		logger.Error().
			Str("kind", string(env.Kind)).
			Str("local_id", env.LocalID).
			Msg("Envelope dead-lettered; the reconciler will re-announce it while the row stays unlinked")
	}

	switch cfg.Driver {
	case "memory":
		return events.NewMemoryBroker(events.MemoryConfig{
			Buffer:       cfg.Buffer,
			MaxAttempts:  cfg.MaxAttempts,
			RetryBackoff: cfg.RetryBackoff,
			OnDeadLetter: onDead,
		}, logger), nil
	case "redis":
		s, err := events.NewRedisStream(events.RedisConfig{
			Addr:         cfg.RedisAddr,
			Stream:       cfg.Stream,
			Group:        cfg.Group,
			Consumer:     cfg.Consumer,
			MaxAttempts:  cfg.MaxAttempts,
			RetryBackoff: cfg.RetryBackoff,
			OnDeadLetter: onDead,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open transport: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown transport driver %q", cfg.Driver)
}

// requireLifecycle fails when the tracker is not configured
func (a *app) requireLifecycle() error {
	if a.lifecycle == nil {
		return fmt.Errorf("tracker.base_url (JIRA_BASE_URL) is not configured")
	}
	return nil
}

// requireGenerator fails when the generation service is not configured
func (a *app) requireGenerator() error {
	if a.generator == nil {
		return fmt.Errorf("generation.base_url (COMPLIANCE_API_URL) is not configured")
	}
	return nil
}

// newMonitor probes the tracker, the generation service and a redis
// transport. The warehouse is reported by the metrics collector.
func (a *app) newMonitor() *health.Monitor {
	m := health.NewMonitor(health.DefaultConfig(), metrics.UpdateComponent, log.WithComponent("health"))
	if a.tracker != nil {
		m.Add("tracker", health.NewPingChecker(a.tracker.Ping))
	}
	if a.cfg.Generation.BaseURL != "" {
		m.Add("generation", health.NewHTTPChecker(strings.TrimRight(a.cfg.Generation.BaseURL, "/")+"/"))
	}
	if rs, ok := a.transport.(*events.RedisStream); ok {
		m.Add("transport", health.NewPingChecker(rs.Ping))
	}
	return m
}

// Close releases the transport and the warehouse
func (a *app) Close() {
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			log.Errorf("Failed to close transport", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Errorf("Failed to close warehouse", err)
		}
	}
}
