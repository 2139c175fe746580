package circuit

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreaker_InitialState(t *testing.T) {
	b := NewBreaker("test", DefaultConfig())
	if b.State() != StateClosed {
		t.Errorf("expected initial state closed, got %s", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	b := NewBreaker("test", cfg)

	for i := 0; i < 3; i++ {
		_ = b.Call(func() error { return errBoom })
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after %d failures, got %s", cfg.FailureThreshold, b.State())
	}

	err := b.Call(func() error {
		t.Fatal("fn must not run while open")
		return nil
	})
	var open *BreakerOpenError
	if !errors.As(err, &open) {
		t.Fatalf("expected BreakerOpenError, got %v", err)
	}
	if open.Name != "test" {
		t.Fatalf("error names %q", open.Name)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	b := NewBreaker("test", cfg)

	_ = b.Call(func() error { return errBoom })
	_ = b.Call(func() error { return errBoom })
	_ = b.Call(func() error { return nil })
	_ = b.Call(func() error { return errBoom })
	_ = b.Call(func() error { return errBoom })

	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbeAdmitsExactlyOne(t *testing.T) {
	cfg := Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMaxAttempts: 2}
	b := NewBreaker("test", cfg)

	_ = b.Call(func() error { return errBoom })
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	// Within the reset window every call is rejected.
	calls := 0
	for i := 0; i < 5; i++ {
		_ = b.Call(func() error { calls++; return nil })
	}
	if calls != 0 {
		t.Fatalf("expected no admitted calls during reset window, got %d", calls)
	}

	time.Sleep(15 * time.Millisecond)

	// First call after the window is the half-open probe.
	if err := b.Call(func() error { calls++; return nil }); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one probe, got %d", calls)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := Config{FailureThreshold: 1, ResetTimeout: 5 * time.Millisecond, HalfOpenMaxAttempts: 2}
	b := NewBreaker("test", cfg)

	_ = b.Call(func() error { return errBoom })
	time.Sleep(10 * time.Millisecond)

	_ = b.Call(func() error { return errBoom })
	if b.State() != StateOpen {
		t.Fatalf("expected reopen after failed probe, got %s", b.State())
	}
}

func TestBreaker_HalfOpenSuccessesClose(t *testing.T) {
	cfg := Config{FailureThreshold: 1, ResetTimeout: 5 * time.Millisecond, HalfOpenMaxAttempts: 2}
	b := NewBreaker("test", cfg)

	_ = b.Call(func() error { return errBoom })
	time.Sleep(10 * time.Millisecond)

	if err := b.Call(func() error { return nil }); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after one success, got %s", b.State())
	}
	if err := b.Call(func() error { return nil }); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after threshold successes, got %s", b.State())
	}
}

func TestStateString(t *testing.T) {
	if StateClosed.String() != "closed" || StateOpen.String() != "open" || StateHalfOpen.String() != "half-open" {
		t.Fatal("unexpected state strings")
	}
	if State(42).String() != "unknown" {
		t.Fatal("expected unknown for out-of-range state")
	}
}

func TestRegistry_GetAndStatuses(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	a := r.Get("stripe-api")
	b := r.Get("stripe-api")
	if a != b {
		t.Fatal("expected same breaker instance for same name")
	}
	r.Get("pagerduty")

	statuses := r.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	names := map[string]bool{}
	for _, s := range statuses {
		names[s.Name] = true
		if s.State != "closed" {
			t.Errorf("breaker %s state %s", s.Name, s.State)
		}
	}
	if !names["stripe-api"] || !names["pagerduty"] {
		t.Fatalf("missing breaker names: %v", names)
	}
}
