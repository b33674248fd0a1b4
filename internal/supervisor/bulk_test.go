package supervisor

import (
	"testing"
	"time"
)

func TestBulkStartSessions(t *testing.T) {
	sup := newTestSupervisor(t, nil, disabledRecovery())

	started, failed := sup.BulkStartSessions(BulkStartRequest{
		Count: 3,
		Tags:  []string{"fleet"},
	})
	if len(failed) != 0 {
		t.Fatalf("failed = %v, want none", failed)
	}
	if len(started) != 3 {
		t.Fatalf("started %d sessions, want 3", len(started))
	}

	seen := make(map[int]bool)
	for _, s := range started {
		if s.Status != StatusRunning {
			t.Fatalf("session %s status = %q, want running", s.ID, s.Status)
		}
		if seen[s.Port] {
			t.Fatalf("port %d assigned twice", s.Port)
		}
		seen[s.Port] = true
	}

	if got := sup.SessionsByTag("fleet"); len(got) != 3 {
		t.Fatalf("SessionsByTag(fleet) = %d sessions, want 3", len(got))
	}
}

func TestBulkStartCollectsFailures(t *testing.T) {
	reg := newStubRegistry()
	reg.setAvailable(false)
	sup := newTestSupervisor(t, reg, disabledRecovery())

	started, failed := sup.BulkStartSessions(BulkStartRequest{Count: 2})
	if len(started) != 0 {
		t.Fatalf("started = %v, want none", started)
	}
	if len(failed) != 2 {
		t.Fatalf("failed %d, want 2", len(failed))
	}
	if failed[0].Index != 0 || failed[1].Index != 1 {
		t.Fatalf("failure indices = %v", failed)
	}
	if failed[0].Error == "" {
		t.Fatal("expected failure reason")
	}
}

func TestBulkStartStagger(t *testing.T) {
	sup := newTestSupervisor(t, nil, disabledRecovery())

	begin := time.Now()
	started, failed := sup.BulkStartSessions(BulkStartRequest{
		Count:        3,
		StaggerDelay: 50 * time.Millisecond,
	})
	elapsed := time.Since(begin)

	if len(failed) != 0 || len(started) != 3 {
		t.Fatalf("started=%d failed=%d", len(started), len(failed))
	}
	// Two gaps between three starts.
	if elapsed < 100*time.Millisecond {
		t.Fatalf("bulk start took %s, want >= 100ms with stagger", elapsed)
	}
}

func TestBulkStopSessions(t *testing.T) {
	sup := newTestSupervisor(t, nil, disabledRecovery())

	started, failed := sup.BulkStartSessions(BulkStartRequest{Count: 3})
	if len(failed) != 0 || len(started) != 3 {
		t.Fatalf("started=%d failed=%d", len(started), len(failed))
	}

	stopped := sup.BulkStopSessions(nil)
	if stopped != 3 {
		t.Fatalf("stopped = %d, want 3", stopped)
	}
	for _, s := range sup.Sessions() {
		if s.Status != StatusStopped {
			t.Fatalf("session %s status = %q, want stopped", s.ID, s.Status)
		}
	}
}

func TestBulkStopUnknownIDs(t *testing.T) {
	sup := newTestSupervisor(t, nil, disabledRecovery())

	snap, err := sup.CreateSession(CreateConfig{ID: "only"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := sup.StartSession(snap.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	stopped := sup.BulkStopSessions([]string{"only", "ghost"})
	if stopped != 1 {
		t.Fatalf("stopped = %d, want 1 (unknown IDs are skipped)", stopped)
	}
}
