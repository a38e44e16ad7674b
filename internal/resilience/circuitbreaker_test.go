package resilience

import (
	"errors"
	"testing"
	"time"
)

var errCarrierDown = errors.New("carrier api: 504 gateway timeout")

// tripBreaker drives cb into the open state with failing calls.
func tripBreaker(t *testing.T, cb *CircuitBreaker, failures int) {
	t.Helper()
	for i := 0; i < failures; i++ {
		_ = cb.Execute(func() error { return errCarrierDown })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after %d failures, want open", cb.State(), failures)
	}
}

func TestBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "telnyx"})
	if cb.trip != 5 {
		t.Errorf("trip threshold = %d, want 5", cb.trip)
	}
	if cb.cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", cb.cooldown)
	}
	if cb.probeQuota != 3 {
		t.Errorf("probe quota = %d, want 3", cb.probeQuota)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestBreaker_ClosedForwardsCalls(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "telnyx"})

	reached := false
	if err := cb.Execute(func() error { reached = true; return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !reached {
		t.Fatal("call never reached the carrier")
	}
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:          "telnyx",
		TripThreshold: 3,
		Cooldown:      time.Hour,
	})
	tripBreaker(t, cb, 3)

	reached := false
	err := cb.Execute(func() error { reached = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if reached {
		t.Fatal("open breaker let a call through")
	}
}

func TestBreaker_SuccessClearsFailureStreak(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "telnyx", TripThreshold: 3})

	_ = cb.Execute(func() error { return errCarrierDown })
	_ = cb.Execute(func() error { return errCarrierDown })
	_ = cb.Execute(func() error { return nil })

	// The streak restarted, so two more failures must not trip it.
	_ = cb.Execute(func() error { return errCarrierDown })
	_ = cb.Execute(func() error { return errCarrierDown })
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestBreaker_CooldownLeadsToProbing(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:          "telnyx",
		TripThreshold: 2,
		Cooldown:      10 * time.Millisecond,
	})
	tripBreaker(t, cb, 2)

	time.Sleep(15 * time.Millisecond)

	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after cooldown", cb.State())
	}
}

func TestBreaker_ProbeSuccessesClose(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:          "telnyx",
		TripThreshold: 2,
		Cooldown:      10 * time.Millisecond,
		ProbeQuota:    2,
	})
	tripBreaker(t, cb, 2)
	time.Sleep(15 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", cb.State())
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:          "telnyx",
		TripThreshold: 2,
		Cooldown:      50 * time.Millisecond,
		ProbeQuota:    3,
	})
	tripBreaker(t, cb, 2)
	time.Sleep(60 * time.Millisecond)

	if err := cb.Execute(func() error { return errCarrierDown }); !errors.Is(err, errCarrierDown) {
		t.Fatalf("probe err = %v, want the carrier error", err)
	}

	// Re-opened with a fresh cooldown, so the next call is rejected outright.
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen after failed probe", err)
	}
}

func TestBreaker_ProbeQuotaBoundsHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:          "telnyx",
		TripThreshold: 2,
		Cooldown:      10 * time.Millisecond,
		ProbeQuota:    1,
	})
	tripBreaker(t, cb, 2)
	time.Sleep(15 * time.Millisecond)

	// One slow probe is in flight; the quota is spent, so a second call
	// must not pile onto a carrier that may still be down.
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen while probe in flight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after the quota's worth of successes", cb.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:          "telnyx",
		TripThreshold: 2,
		Cooldown:      time.Hour,
	})
	tripBreaker(t, cb, 2)

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
