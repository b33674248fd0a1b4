package supervisor

import (
	"os"
	"testing"
	"time"
)

func countOpenFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skipf("procfs unavailable: %v", err)
	}
	return len(entries)
}

func TestSpawnFailureClosesPipes(t *testing.T) {
	reg := newStubRegistry()
	reg.setCommand("/nonexistent/definitely-not-a-binary")
	sup := newTestSupervisor(t, reg, disabledRecovery())

	if _, err := sup.CreateSession(CreateConfig{ID: "leaky"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Warm up once so lazily-opened descriptors don't skew the baseline.
	if _, err := sup.StartSession("leaky"); err == nil {
		t.Fatal("expected spawn failure")
	}
	before := countOpenFDs(t)

	for i := 0; i < 20; i++ {
		if _, err := sup.StartSession("leaky"); err == nil {
			t.Fatal("expected spawn failure")
		}
	}

	after := countOpenFDs(t)
	if after > before+4 {
		t.Fatalf("descriptors grew from %d to %d across failed spawns", before, after)
	}
}

func TestStopEscalatesAfterGracefulTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the graceful stop window")
	}

	reg := newStubRegistry()
	reg.setCommand("sh", "-c", `trap "" TERM; while :; do sleep 0.2; done`)
	sup := newTestSupervisor(t, reg, disabledRecovery())

	if _, err := sup.CreateSession(CreateConfig{ID: "stubborn"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := sup.StartSession("stubborn"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	begin := time.Now()
	if err := sup.StopSession("stubborn"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	elapsed := time.Since(begin)

	if elapsed < gracefulStopTimeout {
		t.Fatalf("stop returned after %s, before the %s graceful window", elapsed, gracefulStopTimeout)
	}
	if elapsed > gracefulStopTimeout+5*time.Second {
		t.Fatalf("stop took %s, escalation to SIGKILL did not bound it", elapsed)
	}

	snap, err := sup.GetSession("stubborn")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if snap.Status != StatusStopped {
		t.Fatalf("status = %q, want stopped", snap.Status)
	}
	if snap.PID != 0 {
		t.Fatalf("pid = %d after forced stop, want 0", snap.PID)
	}
}
