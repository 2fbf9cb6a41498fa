package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/feedbackloop/insight/internal/log"
)

// Status is the reported availability of a component or the system.
type Status string

const (
	// StatusHealthy means the component responds normally.
	StatusHealthy Status = "healthy"

	// StatusDegraded means the component works but is recovering or slow.
	StatusDegraded Status = "degraded"

	// StatusUnhealthy means the component is failing.
	StatusUnhealthy Status = "unhealthy"
)

// Prober actively checks one dependency. A nil return means healthy.
type Prober func(ctx context.Context) error

// Component is the health of a single dependency.
type Component struct {
	Name         string `json:"name"`
	Status       Status `json:"status"`
	CircuitState string `json:"circuit_state"`
	Error        string `json:"error,omitempty"`
}

// Report is a point-in-time view of system health.
type Report struct {
	Status     Status      `json:"status"`
	Components []Component `json:"components"`
	CheckedAt  time.Time   `json:"checked_at"`
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	CacheTTL     time.Duration // Report cache lifetime (default: 30s)
	ProbeTimeout time.Duration // Per-probe timeout (default: 5s)
	Breaker      CircuitBreakerConfig
}

// Monitor aggregates dependency health. Callers feed outcomes through
// ReportSuccess/ReportFailure; SystemHealth adds active probes on top.
//
// Monitor is safe for concurrent use by multiple goroutines.
type Monitor struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	probers  map[string]Prober

	cacheTTL     time.Duration
	probeTimeout time.Duration
	breakerCfg   CircuitBreakerConfig
	logger       log.Logger

	cached   *Report
	cachedAt time.Time
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg MonitorConfig, logger log.Logger) *Monitor {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.NewNop()
	}

	return &Monitor{
		breakers:     make(map[string]*CircuitBreaker),
		probers:      make(map[string]Prober),
		cacheTTL:     cfg.CacheTTL,
		probeTimeout: cfg.ProbeTimeout,
		breakerCfg:   cfg.Breaker,
		logger:       logger,
	}
}

// Register adds a dependency with an active probe. Registering an
// existing name replaces its prober.
func (m *Monitor) Register(name string, probe Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probers[name] = probe
	if _, ok := m.breakers[name]; !ok {
		m.breakers[name] = NewCircuitBreaker(m.breakerCfg)
	}
}

// breaker returns the breaker for name, creating it on first use.
func (m *Monitor) breaker(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	cb, ok := m.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(m.breakerCfg)
		m.breakers[name] = cb
	}
	return cb
}

// Allow reports whether calls to the dependency should proceed.
// Returns ErrCircuitOpen while the breaker is open.
func (m *Monitor) Allow(name string) error {
	return m.breaker(name).Allow()
}

// ReportSuccess records a successful dependency call.
func (m *Monitor) ReportSuccess(name string) {
	m.breaker(name).Success()
}

// ReportFailure records a failed dependency call.
func (m *Monitor) ReportFailure(name string) {
	m.breaker(name).Failure()
}

// SystemHealth returns the aggregate health report. Reports are cached
// for the configured TTL unless force is set. All registered probes run
// in parallel with individual timeouts; a probe error or panic marks its
// component unhealthy but never propagates.
func (m *Monitor) SystemHealth(ctx context.Context, force bool) *Report {
	m.mu.Lock()
	if !force && m.cached != nil && time.Since(m.cachedAt) < m.cacheTTL {
		cached := m.cached
		m.mu.Unlock()
		return cached
	}

	names := make([]string, 0, len(m.probers))
	for name := range m.probers {
		names = append(names, name)
	}
	sort.Strings(names)
	probers := make([]Prober, len(names))
	for i, name := range names {
		probers[i] = m.probers[name]
	}
	// Dependencies tracked only through caller reports still show up in
	// the report, judged by breaker state alone.
	var passive []string
	for name := range m.breakers {
		if _, ok := m.probers[name]; !ok {
			passive = append(passive, name)
		}
	}
	sort.Strings(passive)
	m.mu.Unlock()

	components := make([]Component, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		probe := probers[i]
		g.Go(func() error {
			components[i] = m.checkComponent(gctx, name, probe)
			return nil
		})
	}
	// Goroutines only write their own slot and never return errors.
	_ = g.Wait()

	for _, name := range passive {
		components = append(components, m.passiveComponent(name))
	}

	report := &Report{
		Status:     aggregate(components),
		Components: components,
		CheckedAt:  time.Now(),
	}

	m.mu.Lock()
	m.cached = report
	m.cachedAt = report.CheckedAt
	m.mu.Unlock()

	m.logger.Debug("system health checked", "status", report.Status)
	return report
}

// checkComponent probes one dependency and folds in its breaker state.
func (m *Monitor) checkComponent(ctx context.Context, name string, probe Prober) Component {
	comp := Component{Name: name}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	err := runProbe(probeCtx, probe)

	cb := m.breaker(name)
	if err != nil {
		cb.Failure()
		comp.Status = StatusUnhealthy
		comp.Error = err.Error()
	} else {
		cb.Success()
		comp.Status = StatusHealthy
	}

	state := cb.State()
	comp.CircuitState = state.String()
	if err == nil && state != CircuitClosed {
		// Probe passed but recent caller failures have the breaker
		// open or probing: surface it as degraded.
		comp.Status = StatusDegraded
	}

	return comp
}

// passiveComponent derives health for a dependency without an active
// probe from its breaker state alone.
func (m *Monitor) passiveComponent(name string) Component {
	state := m.breaker(name).State()
	comp := Component{Name: name, CircuitState: state.String()}
	switch state {
	case CircuitOpen:
		comp.Status = StatusUnhealthy
	case CircuitHalfOpen:
		comp.Status = StatusDegraded
	default:
		comp.Status = StatusHealthy
	}
	return comp
}

// runProbe executes probe, converting panics into errors.
func runProbe(ctx context.Context, probe Prober) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return probe(ctx)
}

// aggregate derives the overall status: unhealthy when at least half of
// the components are unhealthy, degraded when any component is not
// healthy, healthy otherwise.
func aggregate(components []Component) Status {
	if len(components) == 0 {
		return StatusHealthy
	}

	var unhealthy, notHealthy int
	for _, c := range components {
		if c.Status == StatusUnhealthy {
			unhealthy++
		}
		if c.Status != StatusHealthy {
			notHealthy++
		}
	}

	if unhealthy*2 >= len(components) {
		return StatusUnhealthy
	}
	if notHealthy > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}
