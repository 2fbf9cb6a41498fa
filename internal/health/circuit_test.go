package health

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newBreaker(failures, successes int, timeout time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: failures,
		SuccessThreshold: successes,
		Timeout:          timeout,
	})
}

func TestBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	want := DefaultCircuitBreakerConfig()
	if cb.cfg != want {
		t.Errorf("zero config = %+v, want defaults %+v", cb.cfg, want)
	}
	if cb.State() != CircuitClosed {
		t.Error("new breaker should start closed")
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()

	cb := newBreaker(3, 2, 100*time.Millisecond)

	cb.Failure()
	cb.Failure()
	if cb.State() != CircuitClosed {
		t.Error("opened below failure threshold")
	}

	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Error("did not open at threshold")
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow while open = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessClearsFailureRun(t *testing.T) {
	t.Parallel()

	cb := newBreaker(3, 2, 100*time.Millisecond)

	cb.Failure()
	cb.Failure()
	cb.Success()

	// The run restarts, so two more failures stay under the threshold.
	cb.Failure()
	cb.Failure()
	if cb.State() != CircuitClosed {
		t.Error("non-consecutive failures opened the breaker")
	}

	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Error("third consecutive failure should open")
	}
}

func TestBreaker_RecoversThroughHalfOpen(t *testing.T) {
	t.Parallel()

	cb := newBreaker(2, 2, 50*time.Millisecond)

	cb.Failure()
	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(60 * time.Millisecond)

	if err := cb.Allow(); err != nil {
		t.Errorf("Allow after cool-down = %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatal("cool-down should move the breaker to half-open")
	}

	cb.Success()
	if cb.State() != CircuitHalfOpen {
		t.Error("closed before reaching the success threshold")
	}
	cb.Success()
	if cb.State() != CircuitClosed {
		t.Error("did not close after enough trial successes")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cb := newBreaker(2, 2, 50*time.Millisecond)

	cb.Failure()
	cb.Failure()
	time.Sleep(60 * time.Millisecond)
	_ = cb.Allow()

	if cb.State() != CircuitHalfOpen {
		t.Fatal("breaker should be half-open")
	}

	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Error("half-open failure must reopen immediately")
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := newBreaker(1, 2, time.Hour)
	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Fatal("breaker should be open")
	}

	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Error("Reset did not close the breaker")
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("Allow after Reset = %v", err)
	}
}

func TestCircuitState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	// Threshold high enough that the breaker never opens mid-test; the
	// point is the race detector.
	cb := newBreaker(10000, 2, 100*time.Millisecond)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				switch i % 4 {
				case 0:
					_ = cb.Allow()
				case 1:
					cb.Success()
				case 2:
					cb.Failure()
				case 3:
					_ = cb.State()
				}
			}
		}()
	}
	wg.Wait()
}
