package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// HealthCheckConfig controls the periodic liveness poller.
type HealthCheckConfig struct {
	Enabled     bool
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
}

// DefaultHealthCheckConfig mirrors the operational defaults.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Enabled:     true,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		MaxFailures: 3,
	}
}

// healthLoop probes running sessions on the configured interval until the
// supervisor shuts down. The interval is re-read every cycle so runtime
// reconfiguration takes effect on the next tick.
func (sup *Supervisor) healthLoop() {
	defer sup.loopWG.Done()

	for {
		interval := sup.healthConfig().Interval
		select {
		case <-sup.shutdownCtx.Done():
			return
		case <-time.After(interval):
		}

		cfg := sup.healthConfig()
		if !cfg.Enabled {
			continue
		}
		sup.runHealthChecks(cfg)
	}
}

// runHealthChecks probes every running session concurrently. Each probe is
// isolated: a hung or failing probe affects only its own session.
func (sup *Supervisor) runHealthChecks(cfg HealthCheckConfig) {
	sup.mu.RLock()
	records := make([]*session, 0, len(sup.sessions))
	for _, sess := range sup.sessions {
		records = append(records, sess)
	}
	sup.mu.RUnlock()

	for _, sess := range records {
		sess.mu.Lock()
		skip := sess.status != StatusRunning || sess.probing
		if !skip {
			sess.probing = true
		}
		sess.mu.Unlock()
		if skip {
			continue
		}

		go sup.probeSession(sess, cfg)
	}
}

// probeSession performs one HTTP liveness probe and applies the result. The
// result is discarded if the session left the running state while the probe
// was in flight.
func (sup *Supervisor) probeSession(sess *session, cfg HealthCheckConfig) {
	path := sup.cliReg.HealthEndpointPath(sess.cliType)
	url := fmt.Sprintf("http://localhost:%d%s", sess.port, path)

	ctx, cancel := context.WithTimeout(sup.shutdownCtx, cfg.Timeout)
	defer cancel()

	var probeErr error
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		probeErr = err
	} else {
		resp, err := sup.probeClient.Do(req)
		if err != nil {
			probeErr = err
		} else {
			resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				probeErr = fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
			}
		}
	}
	ok := probeErr == nil

	escalate := false
	sess.mu.Lock()
	sess.probing = false
	if sess.status != StatusRunning {
		// Stale result: the session was stopped or crashed mid-probe.
		sess.mu.Unlock()
		return
	}
	sess.health.LastCheck = time.Now().UTC()
	if ok {
		sess.health.ConsecutiveFailures = 0
		sess.health.Status = HealthHealthy
		sess.health.ErrorMessage = ""
	} else {
		sess.health.ConsecutiveFailures++
		sess.health.ErrorMessage = probeErr.Error()
		if sess.health.ConsecutiveFailures >= cfg.MaxFailures {
			sess.health.Status = HealthUnresponsive
			escalate = true
		} else {
			sess.health.Status = HealthDegraded
		}
		sess.appendLog("warn", fmt.Sprintf("health probe failed (%d/%d): %v",
			sess.health.ConsecutiveFailures, cfg.MaxFailures, probeErr), "health")
	}
	snap := sess.snapshotLocked()
	sess.mu.Unlock()

	sup.metrics.ProbeResult(sess.cliType, ok)
	sup.publishSession(EventSessionHealth, snap, snap.Health.ErrorMessage)

	if escalate {
		slog.Warn("Session unresponsive, escalating to recovery",
			"session", sess.id, "failures", snap.Health.ConsecutiveFailures)
		if sup.recoveryConfig().Enabled {
			go sup.attemptRecovery(sess.id)
		}
	}
}
