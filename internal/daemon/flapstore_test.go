package daemon

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestFlapStore(t *testing.T) *FlapStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFlapStore(filepath.Join(dir, "flap_suppressions.db"))
	if err != nil {
		t.Fatalf("NewFlapStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFlapStore_FirstOccurrenceNotSuppressed(t *testing.T) {
	s := newTestFlapStore(t)

	suppress, escalate, err := s.RecordAndCheck("ws01", "smb1_protocol")
	if err != nil {
		t.Fatal(err)
	}
	if suppress || escalate {
		t.Fatalf("expected first occurrence to pass through, got suppress=%v escalate=%v", suppress, escalate)
	}
}

func TestFlapStore_FifthToggleDeferredAndEscalated(t *testing.T) {
	s := newTestFlapStore(t)

	var lastSuppress, lastEscalate bool
	for i := 0; i < 5; i++ {
		var err error
		lastSuppress, lastEscalate, err = s.RecordAndCheck("ws01", "smb1_protocol")
		if err != nil {
			t.Fatal(err)
		}
		if i < 4 && lastSuppress {
			t.Fatalf("occurrence %d should not be suppressed yet", i+1)
		}
	}

	if !lastSuppress {
		t.Fatal("5th toggle within the window should be deferred")
	}
	if !lastEscalate {
		t.Fatal("5th toggle should trigger a one-time L3 escalation")
	}
}

func TestFlapStore_SubsequentTogglesSuppressedWithoutReescalation(t *testing.T) {
	s := newTestFlapStore(t)

	for i := 0; i < 5; i++ {
		if _, _, err := s.RecordAndCheck("ws01", "smb1_protocol"); err != nil {
			t.Fatal(err)
		}
	}

	suppress, escalate, err := s.RecordAndCheck("ws01", "smb1_protocol")
	if err != nil {
		t.Fatal(err)
	}
	if !suppress {
		t.Fatal("6th toggle should still be suppressed")
	}
	if escalate {
		t.Fatal("6th toggle should not re-escalate the same day")
	}
}

func TestFlapStore_BucketsAreIndependent(t *testing.T) {
	s := newTestFlapStore(t)

	for i := 0; i < 5; i++ {
		if _, _, err := s.RecordAndCheck("ws01", "smb1_protocol"); err != nil {
			t.Fatal(err)
		}
	}

	suppress, _, err := s.RecordAndCheck("ws01", "windows_update")
	if err != nil {
		t.Fatal(err)
	}
	if suppress {
		t.Fatal("unrelated check_type bucket should not be suppressed")
	}
}

func TestFlapStore_WindowLapseResetsCount(t *testing.T) {
	s := newTestFlapStore(t)

	// Force an old last_flap by writing directly, simulating occurrences
	// that happened outside the 30-minute window.
	now := time.Now().UTC()
	old := now.Add(-flapWindowDur - time.Minute)
	if _, err := s.db.Exec(
		`INSERT INTO flap_suppressions (host, check_type, first_seen, last_flap, flap_count, escalated_on) VALUES (?, ?, ?, ?, ?, '')`,
		"dc01", "firewall_status", old, old, 3,
	); err != nil {
		t.Fatal(err)
	}

	suppress, escalate, err := s.RecordAndCheck("dc01", "firewall_status")
	if err != nil {
		t.Fatal(err)
	}
	if suppress || escalate {
		t.Fatal("a toggle after the window lapses should start a fresh bucket")
	}
}
