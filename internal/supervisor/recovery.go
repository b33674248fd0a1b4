package supervisor

import (
	"errors"
	"log/slog"
	"math"
	"time"
)

// RecoveryConfig controls automatic restart of crashed sessions.
type RecoveryConfig struct {
	Enabled            bool
	MaxRestartAttempts int
	RestartDelay       time.Duration
	BackoffMultiplier  float64
	MaxBackoff         time.Duration
}

// DefaultRecoveryConfig mirrors the operational defaults.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Enabled:            true,
		MaxRestartAttempts: 3,
		RestartDelay:       1 * time.Second,
		BackoffMultiplier:  2.0,
		MaxBackoff:         30 * time.Second,
	}
}

// BackoffDelay computes the delay before restart attempt n (zero-based):
// min(delay * multiplier^n, max). Monotonically non-decreasing in n.
func (c RecoveryConfig) BackoffDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	mult := c.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(c.RestartDelay) * math.Pow(mult, float64(n)))
	if d < 0 || d > c.MaxBackoff {
		// Negative means float overflow wrapped around.
		d = c.MaxBackoff
	}
	return d
}

// attemptRecovery tries one automatic restart of a crashed session. It runs
// on background paths (exit callbacks, health escalation) and therefore never
// returns an error: failures are logged and reflected in session state only.
//
// The ceiling check and the restart happen under one opMu critical section:
// a crash callback and a health escalation can both trigger recovery for the
// same session, and only the serialized re-check keeps restartCount at or
// below the ceiling.
func (sup *Supervisor) attemptRecovery(id string) {
	cfg := sup.recoveryConfig()
	if !cfg.Enabled {
		return
	}

	sess, ok := sup.lookup(id)
	if !ok {
		return
	}

	sess.opMu.Lock()
	defer sess.opMu.Unlock()

	sess.mu.Lock()
	count := sess.health.RestartCount
	sess.mu.Unlock()

	if count >= cfg.MaxRestartAttempts {
		slog.Warn("Recovery halted, leaving session in error state",
			"session", id, "restartCount", count, "max", cfg.MaxRestartAttempts,
			"error", ErrRecoveryExhausted)
		sess.mu.Lock()
		sess.appendLog("error", "automatic recovery halted: "+ErrRecoveryExhausted.Error(), "system")
		sess.mu.Unlock()
		sup.metrics.RecoveryExhausted(sess.cliType)
		return
	}

	if _, err := sup.restartLocked(sess); err != nil {
		if errors.Is(err, ErrShuttingDown) {
			return
		}
		slog.Error("Automatic restart failed", "session", id, "error", err)
		sess.mu.Lock()
		sess.appendLog("error", "automatic restart failed: "+err.Error(), "system")
		sess.mu.Unlock()
	}
}
