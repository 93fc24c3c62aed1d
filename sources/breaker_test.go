package sources

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.Failure()
		if b.State() != StateClosed {
			t.Fatalf("state after %d failures = %s, want CLOSED", i+1, b.State())
		}
	}
	b.Failure()
	if b.State() != StateOpen {
		t.Fatalf("state after 3 failures = %s, want OPEN", b.State())
	}
	if err := b.Allow(); err != ErrBreakerOpen {
		t.Fatalf("Allow while open = %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED after the streak was broken", b.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	clock := time.Now()
	b := NewBreaker(1, time.Minute)
	b.now = func() time.Time { return clock }

	b.Failure()
	if err := b.Allow(); err == nil {
		t.Fatal("Allow should fast-fail inside the cooldown window")
	}

	clock = clock.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after cooldown = %v, want probe admitted", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want HALF-OPEN", b.State())
	}

	// A failed probe re-opens immediately, below the threshold or not.
	b.Failure()
	if b.State() != StateOpen {
		t.Fatalf("state after failed probe = %s, want OPEN", b.State())
	}

	clock = clock.Add(2 * time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after second cooldown = %v, want probe admitted", err)
	}
	b.Success()
	if b.State() != StateClosed {
		t.Fatalf("state after successful probe = %s, want CLOSED", b.State())
	}
}

func TestBreakerAdmitsSingleProbe(t *testing.T) {
	clock := time.Now()
	b := NewBreaker(1, time.Minute)
	b.now = func() time.Time { return clock }

	b.Failure()
	clock = clock.Add(2 * time.Minute)

	if err := b.Allow(); err != nil {
		t.Fatalf("first Allow after cooldown = %v, want probe admitted", err)
	}
	// The probe is still in flight; concurrent callers must not pile on.
	if err := b.Allow(); err != ErrBreakerOpen {
		t.Fatalf("second Allow during probe = %v, want ErrBreakerOpen", err)
	}

	b.Success()
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow after settled probe = %v, want closed breaker", err)
	}
}
