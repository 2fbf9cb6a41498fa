package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/feedbackloop/insight/internal/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func okProbe(context.Context) error   { return nil }
func failProbe(context.Context) error { return errors.New("connection refused") }

func newTestMonitor(probers map[string]Prober) *Monitor {
	m := NewMonitor(MonitorConfig{CacheTTL: time.Hour}, log.NewNop())
	for name, p := range probers {
		m.Register(name, p)
	}
	return m
}

func TestSystemHealth_AllHealthy(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(map[string]Prober{
		"embedder":     okProbe,
		"completion":   okProbe,
		"vector_store": okProbe,
	})

	report := m.SystemHealth(context.Background(), false)

	if report.Status != StatusHealthy {
		t.Errorf("status = %s, want healthy", report.Status)
	}
	if len(report.Components) != 3 {
		t.Fatalf("components = %d, want 3", len(report.Components))
	}
	for _, c := range report.Components {
		if c.Status != StatusHealthy {
			t.Errorf("%s = %s, want healthy", c.Name, c.Status)
		}
	}
}

func TestSystemHealth_DegradedOnMinorityFailure(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(map[string]Prober{
		"embedder":     failProbe,
		"completion":   okProbe,
		"vector_store": okProbe,
	})

	report := m.SystemHealth(context.Background(), false)

	if report.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded", report.Status)
	}
}

func TestSystemHealth_UnhealthyAtHalfFailing(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(map[string]Prober{
		"embedder":   failProbe,
		"completion": okProbe,
	})

	report := m.SystemHealth(context.Background(), false)

	if report.Status != StatusUnhealthy {
		t.Errorf("status = %s, want unhealthy (1 of 2 failing)", report.Status)
	}
}

func TestSystemHealth_ProbePanicCaptured(t *testing.T) {
	t.Parallel()

	m := newTestMonitor(map[string]Prober{
		"flaky": func(context.Context) error { panic("boom") },
		"ok":    okProbe,
		"ok2":   okProbe,
	})

	report := m.SystemHealth(context.Background(), false)

	var flaky *Component
	for i := range report.Components {
		if report.Components[i].Name == "flaky" {
			flaky = &report.Components[i]
		}
	}
	if flaky == nil {
		t.Fatal("flaky component missing from report")
	}
	if flaky.Status != StatusUnhealthy || flaky.Error == "" {
		t.Errorf("panicking probe: status=%s error=%q", flaky.Status, flaky.Error)
	}
}

func TestSystemHealth_CachesReport(t *testing.T) {
	t.Parallel()

	var probes atomic.Int64
	m := newTestMonitor(map[string]Prober{
		"embedder": func(context.Context) error {
			probes.Add(1)
			return nil
		},
	})

	first := m.SystemHealth(context.Background(), false)
	second := m.SystemHealth(context.Background(), false)

	if probes.Load() != 1 {
		t.Errorf("probe ran %d times, want 1 (cached)", probes.Load())
	}
	if first != second {
		t.Error("cached report should be the same instance")
	}

	m.SystemHealth(context.Background(), true)
	if probes.Load() != 2 {
		t.Errorf("force=true should bypass cache, probes = %d", probes.Load())
	}
}

func TestSystemHealth_ProbeTimeout(t *testing.T) {
	t.Parallel()

	m := NewMonitor(MonitorConfig{
		CacheTTL:     time.Hour,
		ProbeTimeout: 20 * time.Millisecond,
	}, log.NewNop())
	m.Register("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})

	start := time.Now()
	report := m.SystemHealth(context.Background(), false)

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("probe not bounded by timeout, took %v", elapsed)
	}
	if report.Components[0].Status != StatusUnhealthy {
		t.Errorf("timed-out probe status = %s, want unhealthy", report.Components[0].Status)
	}
}

func TestMonitor_BreakerFeedback(t *testing.T) {
	t.Parallel()

	m := NewMonitor(MonitorConfig{
		CacheTTL: time.Hour,
		Breaker:  CircuitBreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Hour},
	}, log.NewNop())

	for range 3 {
		m.ReportFailure("completion")
	}

	if err := m.Allow("completion"); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow after threshold failures = %v, want ErrCircuitOpen", err)
	}
	if err := m.Allow("embedder"); err != nil {
		t.Errorf("unrelated dependency gated: %v", err)
	}
}

func TestSystemHealth_HealthyProbeWithOpenBreakerIsDegraded(t *testing.T) {
	t.Parallel()

	m := NewMonitor(MonitorConfig{
		CacheTTL: time.Hour,
		Breaker:  CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 5, Timeout: time.Millisecond},
	}, log.NewNop())
	m.Register("completion", okProbe)
	m.Register("ok", okProbe)
	m.Register("ok2", okProbe)

	// Callers report failures; breaker opens, then probes run.
	m.ReportFailure("completion")
	m.ReportFailure("completion")
	time.Sleep(5 * time.Millisecond)

	report := m.SystemHealth(context.Background(), false)

	for _, c := range report.Components {
		if c.Name == "completion" && c.Status != StatusDegraded {
			t.Errorf("completion = %s, want degraded (breaker recovering)", c.Status)
		}
	}
}

func TestSystemHealth_PassiveBreakerInReport(t *testing.T) {
	t.Parallel()

	m := NewMonitor(MonitorConfig{
		CacheTTL: time.Hour,
		Breaker:  CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 2, Timeout: time.Hour},
	}, log.NewNop())
	m.Register("database", okProbe)
	m.Register("vector_store", okProbe)

	// The embedder has no probe; only caller reports track it.
	m.ReportFailure("embedder")
	m.ReportFailure("embedder")

	report := m.SystemHealth(context.Background(), false)

	if len(report.Components) != 3 {
		t.Fatalf("components = %d, want 3 (2 probed + 1 passive)", len(report.Components))
	}
	var embedder *Component
	for i := range report.Components {
		if report.Components[i].Name == "embedder" {
			embedder = &report.Components[i]
		}
	}
	if embedder == nil {
		t.Fatal("embedder component missing from report")
	}
	if embedder.Status != StatusUnhealthy || embedder.CircuitState != "open" {
		t.Errorf("embedder: status=%s circuit=%s, want unhealthy/open", embedder.Status, embedder.CircuitState)
	}
	if report.Status != StatusDegraded {
		t.Errorf("status = %s, want degraded (1 of 3 failing)", report.Status)
	}
}

func TestAggregate_Empty(t *testing.T) {
	t.Parallel()

	if got := aggregate(nil); got != StatusHealthy {
		t.Errorf("aggregate(nil) = %s, want healthy", got)
	}
}
