package supervisor

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func testBreaker(threshold int, resetTimeout time.Duration) (*CircuitBreaker, *time.Time) {
	b := NewCircuitBreaker(threshold, resetTimeout, zap.NewNop())
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	if state := b.State(); state != StateClosed {
		t.Errorf("Expected initial state closed, got %s", state)
	}
	if !b.Allow() {
		t.Error("Expected closed breaker to allow restarts")
	}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	if state := b.State(); state != StateClosed {
		t.Errorf("Expected closed below threshold, got %s", state)
	}

	b.RecordFailure()
	if state := b.State(); state != StateOpen {
		t.Errorf("Expected open at threshold, got %s", state)
	}
	if b.Allow() {
		t.Error("Expected open breaker to block restarts")
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b, now := testBreaker(1, time.Minute)

	b.RecordFailure()
	if state := b.State(); state != StateOpen {
		t.Fatalf("Expected open after failure, got %s", state)
	}

	*now = now.Add(2 * time.Minute)
	if state := b.State(); state != StateHalfOpen {
		t.Errorf("Expected half-open after reset timeout, got %s", state)
	}
	if !b.Allow() {
		t.Error("Expected half-open breaker to allow a probe restart")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := testBreaker(1, time.Minute)

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	if state := b.State(); state != StateHalfOpen {
		t.Fatalf("Expected half-open, got %s", state)
	}

	b.RecordFailure()
	if state := b.State(); state != StateOpen {
		t.Errorf("Expected probe failure to reopen the breaker, got %s", state)
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, now := testBreaker(1, time.Minute)

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	b.State()

	b.RecordSuccess()
	if state := b.State(); state != StateClosed {
		t.Errorf("Expected probe success to close the breaker, got %s", state)
	}
	if got := b.ConsecutiveFailures(); got != 0 {
		t.Errorf("Expected failure count reset on success, got %d", got)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := testBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if state := b.State(); state != StateClosed {
		t.Errorf("Expected closed because failures are not consecutive, got %s", state)
	}
}

func TestBreaker_ForceClose(t *testing.T) {
	b, _ := testBreaker(1, time.Hour)

	b.RecordFailure()
	if state := b.State(); state != StateOpen {
		t.Fatalf("Expected open, got %s", state)
	}

	b.ForceClose()
	if state := b.State(); state != StateClosed {
		t.Errorf("Expected force-close to close the breaker, got %s", state)
	}
	if !b.Allow() {
		t.Error("Expected restarts allowed after force-close")
	}
}
