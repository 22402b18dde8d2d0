package breaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreaker_TripsOpenAfterConsecutiveFailures(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, ResetTimeout: time.Hour})
	for i := 0; i < 3; i++ {
		_ = b.Do(func() error { return errBoom })
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want Open after %d consecutive failures", b.State(), 3)
	}
	if err := b.Do(func() error { return nil }); err == nil {
		t.Fatalf("expected Do to short-circuit while Open")
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})
	_ = b.Do(func() error { return errBoom })
	if b.State() != Open {
		t.Fatalf("state = %v, want Open", b.State())
	}

	time.Sleep(20 * time.Millisecond)
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe call after ResetTimeout should be allowed through, got %v", err)
	}
}

func TestBreaker_ClosesAfterEnoughHalfOpenSuccesses(t *testing.T) {
	b := New("test", Config{FailureThreshold: 4, ResetTimeout: 10 * time.Millisecond})
	for i := 0; i < 4; i++ {
		_ = b.Do(func() error { return errBoom })
	}
	time.Sleep(20 * time.Millisecond)

	// halfOpenThreshold = ceil(4/2) = 2
	_ = b.Do(func() error { return nil })
	if b.State() != HalfOpen {
		t.Fatalf("state = %v, want still HalfOpen after 1 of 2 required successes", b.State())
	}
	_ = b.Do(func() error { return nil })
	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed after enough half-open successes", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, ResetTimeout: 10 * time.Millisecond})
	_ = b.Do(func() error { return errBoom })
	time.Sleep(20 * time.Millisecond)

	_ = b.Do(func() error { return errBoom })
	if b.State() != Open {
		t.Fatalf("state = %v, want Open again after a half-open probe fails", b.State())
	}
}

func TestBreaker_SuccessInClosedStateResetsFailureCount(t *testing.T) {
	b := New("test", Config{FailureThreshold: 2, ResetTimeout: time.Hour})
	_ = b.Do(func() error { return errBoom })
	_ = b.Do(func() error { return nil })
	_ = b.Do(func() error { return errBoom })
	if b.State() != Closed {
		t.Fatalf("state = %v, want Closed: the success should have reset the consecutive failure count", b.State())
	}
}
