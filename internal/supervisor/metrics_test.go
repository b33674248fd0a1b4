package supervisor

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCollectorCounts(t *testing.T) {
	c := NewPrometheusMetricsCollector("test")

	c.StateTransition("claude-code", StatusIdle, StatusStarting)
	c.StateTransition("claude-code", StatusStarting, StatusRunning)
	c.Restart("claude-code")
	c.RecoveryExhausted("claude-code")
	c.ProbeResult("claude-code", true)
	c.ProbeResult("claude-code", false)
	c.SpawnDuration("claude-code", 50*time.Millisecond, nil)
	c.SpawnDuration("claude-code", 10*time.Millisecond, errors.New("boom"))
	c.SessionsLive(4)

	if got := testutil.ToFloat64(c.restarts.WithLabelValues("claude-code")); got != 1 {
		t.Fatalf("restarts = %v", got)
	}
	if got := testutil.ToFloat64(c.exhausted.WithLabelValues("claude-code")); got != 1 {
		t.Fatalf("exhausted = %v", got)
	}
	if got := testutil.ToFloat64(c.probes.WithLabelValues("claude-code", "failure")); got != 1 {
		t.Fatalf("probe failures = %v", got)
	}
	if got := testutil.ToFloat64(c.live); got != 4 {
		t.Fatalf("live = %v", got)
	}

	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("registry gathered no metric families")
	}
}

func TestNoopCollectorIsSafe(t *testing.T) {
	var m MetricsCollector = NoopMetricsCollector{}
	m.StateTransition("x", StatusIdle, StatusRunning)
	m.Restart("x")
	m.RecoveryExhausted("x")
	m.SpawnDuration("x", time.Second, nil)
	m.ProbeResult("x", false)
	m.SessionsLive(0)
}
