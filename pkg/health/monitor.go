package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ReportFunc receives the health of a dependency after every probe
type ReportFunc func(name string, healthy bool, message string)

type probe struct {
	checker Checker
	status  *Status
}

// Monitor probes dependencies on an interval and reports their health
type Monitor struct {
	cfg    Config
	report ReportFunc
	logger zerolog.Logger

	mu     sync.Mutex
	probes map[string]*probe

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMonitor creates a monitor. Zero config fields take DefaultConfig values.
func NewMonitor(cfg Config, report ReportFunc, logger zerolog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	return &Monitor{
		cfg:    cfg,
		report: report,
		logger: logger,
		probes: make(map[string]*probe),
		stopCh: make(chan struct{}),
	}
}

// Add registers a dependency under name
func (m *Monitor) Add(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = &probe{checker: checker, status: NewStatus()}
}

// Start probes once immediately, then on every interval
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.CheckAll(ctx)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CheckAll(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends probing
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// CheckAll probes every dependency once, in name order
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.probes))
	for name := range m.probes {
		names = append(names, name)
	}
	m.mu.Unlock()
	sort.Strings(names)

	for _, name := range names {
		m.check(ctx, name)
	}
}

func (m *Monitor) check(ctx context.Context, name string) {
	m.mu.Lock()
	p := m.probes[name]
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	result := p.checker.Check(ctx)
	cancel()

	m.mu.Lock()
	changed := p.status.Update(result, m.cfg)
	healthy := p.status.Healthy
	m.mu.Unlock()

	message := ""
	if !healthy {
		message = result.Message
	}
	m.report(name, healthy, message)

	if changed {
		event := m.logger.Info()
		if !healthy {
			event = m.logger.Warn()
		}
		event.Str("dependency", name).
			Str("check", string(p.checker.Type())).
			Bool("healthy", healthy).
			Str("message", result.Message).
			Msg("Dependency health changed")
	}
}

// Status returns a copy of a dependency's status
func (m *Monitor) Status(name string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.probes[name]
	if !ok {
		return Status{}, false
	}
	return *p.status, true
}
