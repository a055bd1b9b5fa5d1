package healing

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker"
)

func TestBreaker_AllowsUntilThreshold(t *testing.T) {
	b := NewBreaker(nil)
	failing := func() error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		err := b.Allow("ws01", "firewall_status", failing)
		if err == nil {
			t.Fatalf("attempt %d: expected failure to propagate", i)
		}
		if errors.Is(err, gobreaker.ErrOpenState) {
			t.Fatalf("attempt %d: breaker opened too early", i)
		}
	}

	if b.State("ws01", "firewall_status") != gobreaker.StateOpen {
		t.Fatal("expected bucket open after 3 failures")
	}
}

func TestBreaker_OpenSkipsExecution(t *testing.T) {
	var tripped string
	b := NewBreaker(func(hostname, checkType string) {
		tripped = hostname + ":" + checkType
	})

	for i := 0; i < 3; i++ {
		b.Allow("dc01", "windows_update", func() error { return errors.New("fail") })
	}

	called := false
	err := b.Allow("dc01", "windows_update", func() error {
		called = true
		return nil
	})

	if called {
		t.Fatal("fn should not run while breaker is open")
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
	if tripped != "dc01:windows_update" {
		t.Fatalf("expected onTrip callback for dc01:windows_update, got %q", tripped)
	}
}

func TestBreaker_BucketsAreIndependent(t *testing.T) {
	b := NewBreaker(nil)

	for i := 0; i < 3; i++ {
		b.Allow("ws01", "firewall_status", func() error { return errors.New("fail") })
	}

	if b.State("ws01", "firewall_status") != gobreaker.StateOpen {
		t.Fatal("expected ws01/firewall_status open")
	}
	if b.State("ws01", "windows_update") != gobreaker.StateClosed {
		t.Fatal("unrelated bucket should remain closed")
	}
}

func TestBreaker_SuccessDoesNotTrip(t *testing.T) {
	b := NewBreaker(nil)

	for i := 0; i < 10; i++ {
		err := b.Allow("ws01", "audit_logging", func() error { return nil })
		if err != nil {
			t.Fatalf("attempt %d: unexpected error %v", i, err)
		}
	}

	if b.State("ws01", "audit_logging") != gobreaker.StateClosed {
		t.Fatal("breaker should stay closed on repeated success")
	}
}
