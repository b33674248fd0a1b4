package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options configures a Supervisor instance.
type Options struct {
	// Registry resolves CLI kinds to run commands and health endpoints.
	// Required.
	Registry CLIRegistry

	// PortBase is where the port allocator starts counting.
	PortBase int

	// DefaultWorkDir is used when a session is created without a working
	// directory. Defaults to the process working directory.
	DefaultWorkDir string

	HealthCheck HealthCheckConfig
	Recovery    RecoveryConfig

	// Metrics receives instrumentation; defaults to a no-op collector.
	Metrics MetricsCollector
}

// Supervisor owns a registry of managed sessions and drives their lifecycle.
// Multiple independent supervisors can coexist in one process; there is no
// global state.
type Supervisor struct {
	cliReg         CLIRegistry
	metrics        MetricsCollector
	bus            *Bus
	ports          *PortAllocator
	defaultWorkDir string
	probeClient    *http.Client

	mu       sync.RWMutex
	sessions map[string]*session

	cfgMu       sync.RWMutex
	healthCfg   HealthCheckConfig
	recoveryCfg RecoveryConfig

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	loopWG         sync.WaitGroup
	shutdownOnce   sync.Once
}

// New creates a supervisor and starts its health-monitor loop. Call Shutdown
// to stop it.
func New(opts Options) (*Supervisor, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("supervisor: CLI registry is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetricsCollector{}
	}
	if opts.HealthCheck.Interval <= 0 {
		opts.HealthCheck = DefaultHealthCheckConfig()
	}
	if opts.Recovery.MaxBackoff <= 0 {
		opts.Recovery = DefaultRecoveryConfig()
	}
	workDir := opts.DefaultWorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolve default workdir: %w", err)
		}
		workDir = wd
	}

	ctx, cancel := context.WithCancel(context.Background())
	sup := &Supervisor{
		cliReg:         opts.Registry,
		metrics:        opts.Metrics,
		bus:            NewBus(),
		ports:          NewPortAllocator(opts.PortBase),
		defaultWorkDir: workDir,
		probeClient:    &http.Client{},
		sessions:       make(map[string]*session),
		healthCfg:      opts.HealthCheck,
		recoveryCfg:    opts.Recovery,
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}

	sup.loopWG.Add(1)
	go sup.healthLoop()

	return sup, nil
}

// Events returns the supervisor's event bus for observers to subscribe to.
func (sup *Supervisor) Events() *Bus { return sup.bus }

// CreateConfig describes a session to create. Zero values fall back to
// supervisor defaults.
type CreateConfig struct {
	ID               string
	CLIType          string
	WorkingDirectory string
	Port             int
	Tags             []string
	TemplateName     string
	Env              map[string]string
	Metadata         map[string]string
}

// CreateSession registers a new session in status idle. No process is
// started.
func (sup *Supervisor) CreateSession(cfg CreateConfig) (Session, error) {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	cliType := cfg.CLIType
	if cliType == "" {
		cliType = sup.cliReg.DefaultCLIType()
	}
	workDir := cfg.WorkingDirectory
	if workDir == "" {
		workDir = sup.defaultWorkDir
	}
	if abs, err := filepath.Abs(workDir); err == nil {
		workDir = abs
	}

	var port int
	if cfg.Port > 0 {
		if err := sup.ports.Reserve(cfg.Port); err != nil {
			return Session{}, fmt.Errorf("create session %s: %w", id, err)
		}
		port = cfg.Port
	} else {
		port = sup.ports.Next()
	}

	sess := &session{
		id:               id,
		cliType:          cliType,
		status:           StatusIdle,
		port:             port,
		workingDirectory: workDir,
		createdAt:        time.Now().UTC(),
		health:           Health{Status: HealthHealthy},
		tags:             make(map[string]struct{}),
		env:              make(map[string]string),
		metadata:         make(map[string]string),
		logs:             NewLogRing(MaxLogEntries),
	}
	for _, tag := range cfg.Tags {
		sess.tags[tag] = struct{}{}
	}
	for k, v := range cfg.Env {
		sess.env[k] = v
	}
	for k, v := range cfg.Metadata {
		sess.metadata[k] = v
	}
	sess.templateName = cfg.TemplateName

	// Every captured log line (system entries and subprocess output alike)
	// is broadcast as a session.log event. The closure runs while sess.mu
	// may be held, so it only touches fields immutable after creation.
	sess.logs.notify = func(entry LogEntry) {
		sup.bus.Publish(Event{
			Kind:    EventSessionLog,
			Session: &Session{ID: sess.id, CLIType: sess.cliType},
			Log:     &entry,
		})
	}

	sup.mu.Lock()
	if _, exists := sup.sessions[id]; exists {
		sup.mu.Unlock()
		sup.ports.Release(port)
		return Session{}, fmt.Errorf("create session: %w: %s", ErrAlreadyExists, id)
	}
	sup.sessions[id] = sess
	sup.mu.Unlock()

	sess.mu.Lock()
	sess.appendLog("info", fmt.Sprintf("session created (cli=%s, port=%d, dir=%s)", cliType, port, workDir), "system")
	snap := sess.snapshotLocked()
	sess.mu.Unlock()

	slog.Info("Session created", "session", id, "cliType", cliType, "port", port)
	sup.publishSession(EventSessionCreated, snap, "")
	return snap, nil
}

// StartSession spawns the session's subprocess. Starting an already-running
// session is a no-op.
func (sup *Supervisor) StartSession(id string) (Session, error) {
	sess, ok := sup.lookup(id)
	if !ok {
		return Session{}, fmt.Errorf("start session %s: %w", id, ErrNotFound)
	}

	sess.opMu.Lock()
	defer sess.opMu.Unlock()
	return sup.startLocked(sess)
}

// startLocked spawns the process. Caller holds sess.opMu.
func (sup *Supervisor) startLocked(sess *session) (Session, error) {
	if sup.shutdownCtx.Err() != nil {
		return Session{}, ErrShuttingDown
	}

	sess.mu.Lock()
	if sess.status == StatusRunning {
		snap := sess.snapshotLocked()
		sess.mu.Unlock()
		return snap, nil
	}
	id := sess.id
	cliType := sess.cliType
	port := sess.port
	dir := sess.workingDirectory
	env := make(map[string]string, len(sess.env))
	for k, v := range sess.env {
		env[k] = v
	}
	sess.mu.Unlock()

	if !sup.cliReg.IsAvailable(cliType) {
		return Session{}, fmt.Errorf("start session %s: %w: %s", id, ErrToolUnavailable, cliType)
	}
	run, ok := sup.cliReg.ResolveRunCommand(cliType, port)
	if !ok {
		return Session{}, fmt.Errorf("start session %s: %w: %s", id, ErrToolUnavailable, cliType)
	}

	sup.transition(sess, StatusStarting)
	sess.mu.Lock()
	sess.appendLog("info", fmt.Sprintf("starting: %s", run.Command), "system")
	sess.mu.Unlock()

	spawnStart := time.Now()
	proc, err := launch(run, dir, env, port, sess.logs)
	sup.metrics.SpawnDuration(cliType, time.Since(spawnStart), err)
	if err != nil {
		sess.mu.Lock()
		sess.status = StatusError
		sess.health.Status = HealthCrashed
		sess.health.ErrorMessage = err.Error()
		sess.appendLog("error", "spawn failed: "+err.Error(), "system")
		snap := sess.snapshotLocked()
		sess.mu.Unlock()
		sup.metrics.StateTransition(cliType, StatusStarting, StatusError)
		sup.publishSession(EventSessionError, snap, err.Error())
		slog.Error("Session spawn failed", "session", id, "cliType", cliType, "error", err)
		return Session{}, &SpawnError{SessionID: id, CLIType: cliType, Err: err}
	}

	now := time.Now().UTC()
	sess.mu.Lock()
	sess.proc = proc
	sess.status = StatusRunning
	sess.startedAt = &now
	sess.lastActivity = &now
	sess.appendLog("info", fmt.Sprintf("process started (pid=%d)", proc.pid), "system")
	snap := sess.snapshotLocked()
	sess.mu.Unlock()

	sup.metrics.StateTransition(cliType, StatusStarting, StatusRunning)
	sup.updateLiveGauge()
	sup.publishSession(EventSessionStarted, snap, "")
	slog.Info("Session started", "session", id, "cliType", cliType, "pid", proc.pid, "port", port)

	go func() {
		<-proc.exited
		sup.handleProcessExit(sess, proc)
	}()

	return snap, nil
}

// StopSession terminates the session's subprocess, gracefully first and
// forcefully after the stop timeout. Stopping a session with no live process
// is a no-op.
func (sup *Supervisor) StopSession(id string) error {
	sess, ok := sup.lookup(id)
	if !ok {
		return fmt.Errorf("stop session %s: %w", id, ErrNotFound)
	}

	sess.opMu.Lock()
	defer sess.opMu.Unlock()
	sup.stopLocked(sess)
	return nil
}

// stopLocked terminates the live process if any. Caller holds sess.opMu.
func (sup *Supervisor) stopLocked(sess *session) {
	sess.mu.Lock()
	proc := sess.proc
	from := sess.status
	sess.mu.Unlock()

	if proc == nil {
		return
	}

	proc.terminate()

	sess.mu.Lock()
	if sess.proc == proc {
		sess.proc = nil
	}
	sess.status = StatusStopped
	sess.touch()
	sess.appendLog("info", "process stopped", "system")
	snap := sess.snapshotLocked()
	sess.mu.Unlock()

	sup.metrics.StateTransition(sess.cliType, from, StatusStopped)
	sup.updateLiveGauge()
	sup.publishSession(EventSessionStopped, snap, "")
	slog.Info("Session stopped", "session", sess.id)
}

// RestartSession stops the session, waits the recovery backoff for its
// current restart count, then starts it again.
func (sup *Supervisor) RestartSession(id string) (Session, error) {
	sess, ok := sup.lookup(id)
	if !ok {
		return Session{}, fmt.Errorf("restart session %s: %w", id, ErrNotFound)
	}

	sess.opMu.Lock()
	defer sess.opMu.Unlock()
	return sup.restartLocked(sess)
}

// restartLocked performs the stop, backoff wait, counter increment and start.
// Caller holds sess.opMu.
func (sup *Supervisor) restartLocked(sess *session) (Session, error) {
	sup.stopLocked(sess)

	cfg := sup.recoveryConfig()
	sess.mu.Lock()
	delay := cfg.BackoffDelay(sess.health.RestartCount)
	sess.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-sup.shutdownCtx.Done():
			return Session{}, ErrShuttingDown
		}
	}

	now := time.Now().UTC()
	sess.mu.Lock()
	sess.health.RestartCount++
	sess.health.LastRestartAt = &now
	sess.appendLog("info", fmt.Sprintf("restart attempt %d (waited %s)", sess.health.RestartCount, delay), "system")
	sess.mu.Unlock()
	sup.metrics.Restart(sess.cliType)

	snap, err := sup.startLocked(sess)
	if err != nil {
		return Session{}, err
	}
	sup.publishSession(EventSessionRestarted, snap, "")
	return snap, nil
}

// RetrySession is the manual recovery path: it resets the restart counter
// and starts the session, re-arming automatic recovery.
func (sup *Supervisor) RetrySession(id string) (Session, error) {
	sess, ok := sup.lookup(id)
	if !ok {
		return Session{}, fmt.Errorf("retry session %s: %w", id, ErrNotFound)
	}

	sess.opMu.Lock()
	defer sess.opMu.Unlock()

	sess.mu.Lock()
	sess.health.RestartCount = 0
	sess.health.ConsecutiveFailures = 0
	sess.health.ErrorMessage = ""
	sess.appendLog("info", "manual retry: restart counter reset", "system")
	sess.mu.Unlock()

	return sup.startLocked(sess)
}

// RemoveSession stops the session if live and deletes its record.
func (sup *Supervisor) RemoveSession(id string) error {
	sess, ok := sup.lookup(id)
	if !ok {
		return fmt.Errorf("remove session %s: %w", id, ErrNotFound)
	}

	sess.opMu.Lock()
	sup.stopLocked(sess)
	sess.opMu.Unlock()

	sup.mu.Lock()
	delete(sup.sessions, id)
	sup.mu.Unlock()
	sup.ports.Release(sess.port)

	slog.Info("Session removed", "session", id)
	return nil
}

// handleProcessExit applies a process exit to the state machine. It only
// acts if the session is still running this exact process; exits observed
// after a concurrent stop or restart are stale and ignored.
func (sup *Supervisor) handleProcessExit(sess *session, proc *process) {
	sess.opMu.Lock()
	defer sess.opMu.Unlock()

	sess.mu.Lock()
	if sess.proc != proc || sess.status != StatusRunning {
		sess.mu.Unlock()
		return
	}
	sess.proc = nil
	from := sess.status

	code := proc.exitCode
	crashed := code != 0 || proc.exitErr != nil

	var to Status
	if crashed {
		to = StatusError
		sess.health.Status = HealthCrashed
		if proc.exitErr != nil {
			sess.health.ErrorMessage = proc.exitErr.Error()
		} else {
			sess.health.ErrorMessage = fmt.Sprintf("process exited with code %d", code)
		}
		sess.appendLog("error", sess.health.ErrorMessage, "system")
	} else {
		to = StatusCompleted
		sess.health.Status = HealthHealthy
		sess.health.ErrorMessage = ""
		sess.appendLog("info", "process exited cleanly", "system")
	}
	sess.status = to
	sess.touch()
	snap := sess.snapshotLocked()
	sess.mu.Unlock()

	sup.metrics.StateTransition(sess.cliType, from, to)
	sup.updateLiveGauge()

	if crashed {
		sup.publishSession(EventSessionError, snap, snap.Health.ErrorMessage)
		slog.Warn("Session process crashed", "session", sess.id, "exitCode", code)
		if sup.recoveryConfig().Enabled {
			go sup.attemptRecovery(sess.id)
		}
	} else {
		sup.publishSession(EventSessionStopped, snap, "")
		slog.Info("Session process completed", "session", sess.id)
	}
}

// AssignTask records the session's current task and bumps its activity
// timestamp.
func (sup *Supervisor) AssignTask(id, task string) (Session, error) {
	sess, ok := sup.lookup(id)
	if !ok {
		return Session{}, fmt.Errorf("assign task to session %s: %w", id, ErrNotFound)
	}

	sess.mu.Lock()
	sess.currentTask = task
	sess.touch()
	sess.appendLog("info", "task assigned: "+task, "system")
	snap := sess.snapshotLocked()
	sess.mu.Unlock()
	return snap, nil
}

// AddTags adds labels to a session.
func (sup *Supervisor) AddTags(id string, tags ...string) error {
	sess, ok := sup.lookup(id)
	if !ok {
		return fmt.Errorf("tag session %s: %w", id, ErrNotFound)
	}
	sess.mu.Lock()
	for _, tag := range tags {
		sess.tags[tag] = struct{}{}
	}
	sess.mu.Unlock()
	return nil
}

// RemoveTag removes a label from a session.
func (sup *Supervisor) RemoveTag(id, tag string) error {
	sess, ok := sup.lookup(id)
	if !ok {
		return fmt.Errorf("untag session %s: %w", id, ErrNotFound)
	}
	sess.mu.Lock()
	delete(sess.tags, tag)
	sess.mu.Unlock()
	return nil
}

// GetSession returns a snapshot of one session.
func (sup *Supervisor) GetSession(id string) (Session, error) {
	sess, ok := sup.lookup(id)
	if !ok {
		return Session{}, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	return sess.snapshot(), nil
}

// SessionLogs returns up to n of the session's most recent log entries,
// oldest first. n <= 0 returns everything retained.
func (sup *Supervisor) SessionLogs(id string, n int) ([]LogEntry, error) {
	sess, ok := sup.lookup(id)
	if !ok {
		return nil, fmt.Errorf("logs for session %s: %w", id, ErrNotFound)
	}
	return sess.logs.Tail(n), nil
}

// Sessions returns snapshots of all sessions ordered by creation time.
func (sup *Supervisor) Sessions() []Session {
	return sup.filter(func(Session) bool { return true })
}

// SessionsByStatus returns sessions currently in the given status.
func (sup *Supervisor) SessionsByStatus(status Status) []Session {
	return sup.filter(func(s Session) bool { return s.Status == status })
}

// SessionsByCLIType returns sessions of the given CLI kind.
func (sup *Supervisor) SessionsByCLIType(cliType string) []Session {
	return sup.filter(func(s Session) bool { return s.CLIType == cliType })
}

// SessionsByTag returns sessions carrying the given tag.
func (sup *Supervisor) SessionsByTag(tag string) []Session {
	return sup.filter(func(s Session) bool {
		for _, t := range s.Tags {
			if t == tag {
				return true
			}
		}
		return false
	})
}

func (sup *Supervisor) filter(keep func(Session) bool) []Session {
	sup.mu.RLock()
	records := make([]*session, 0, len(sup.sessions))
	for _, sess := range sup.sessions {
		records = append(records, sess)
	}
	sup.mu.RUnlock()

	result := make([]Session, 0, len(records))
	for _, sess := range records {
		snap := sess.snapshot()
		if keep(snap) {
			result = append(result, snap)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Stats summarizes the fleet.
type Stats struct {
	Total     int            `json:"total"`
	Running   int            `json:"running"`
	Stopped   int            `json:"stopped"`
	Error     int            `json:"error"`
	ByCLIType map[string]int `json:"byCliType"`
}

// GetStats returns fleet-wide counters.
func (sup *Supervisor) GetStats() Stats {
	stats := Stats{ByCLIType: make(map[string]int)}
	for _, s := range sup.Sessions() {
		stats.Total++
		stats.ByCLIType[s.CLIType]++
		switch s.Status {
		case StatusRunning, StatusStarting:
			stats.Running++
		case StatusStopped, StatusCompleted:
			stats.Stopped++
		case StatusError:
			stats.Error++
		}
	}
	return stats
}

// HealthCheckUpdate is a partial health-monitor reconfiguration; nil fields
// keep their current value.
type HealthCheckUpdate struct {
	Enabled     *bool
	Interval    *time.Duration
	Timeout     *time.Duration
	MaxFailures *int
}

// ConfigureHealthCheck applies a partial update to the health monitor.
func (sup *Supervisor) ConfigureHealthCheck(u HealthCheckUpdate) HealthCheckConfig {
	sup.cfgMu.Lock()
	defer sup.cfgMu.Unlock()
	if u.Enabled != nil {
		sup.healthCfg.Enabled = *u.Enabled
	}
	if u.Interval != nil && *u.Interval > 0 {
		sup.healthCfg.Interval = *u.Interval
	}
	if u.Timeout != nil && *u.Timeout > 0 {
		sup.healthCfg.Timeout = *u.Timeout
	}
	if u.MaxFailures != nil && *u.MaxFailures > 0 {
		sup.healthCfg.MaxFailures = *u.MaxFailures
	}
	return sup.healthCfg
}

// RecoveryUpdate is a partial recovery-policy reconfiguration; nil fields
// keep their current value.
type RecoveryUpdate struct {
	Enabled            *bool
	MaxRestartAttempts *int
	RestartDelay       *time.Duration
	BackoffMultiplier  *float64
	MaxBackoff         *time.Duration
}

// ConfigureRecovery applies a partial update to the recovery policy.
func (sup *Supervisor) ConfigureRecovery(u RecoveryUpdate) RecoveryConfig {
	sup.cfgMu.Lock()
	defer sup.cfgMu.Unlock()
	if u.Enabled != nil {
		sup.recoveryCfg.Enabled = *u.Enabled
	}
	if u.MaxRestartAttempts != nil && *u.MaxRestartAttempts >= 0 {
		sup.recoveryCfg.MaxRestartAttempts = *u.MaxRestartAttempts
	}
	if u.RestartDelay != nil && *u.RestartDelay > 0 {
		sup.recoveryCfg.RestartDelay = *u.RestartDelay
	}
	if u.BackoffMultiplier != nil && *u.BackoffMultiplier >= 1 {
		sup.recoveryCfg.BackoffMultiplier = *u.BackoffMultiplier
	}
	if u.MaxBackoff != nil && *u.MaxBackoff > 0 {
		sup.recoveryCfg.MaxBackoff = *u.MaxBackoff
	}
	return sup.recoveryCfg
}

// Shutdown stops the health monitor, bulk-stops every live session and
// closes the event bus. It is safe to call more than once.
func (sup *Supervisor) Shutdown(ctx context.Context) error {
	var err error
	sup.shutdownOnce.Do(func() {
		slog.Info("Supervisor shutting down")
		sup.shutdownCancel()

		stopped := sup.BulkStopSessions(nil)
		slog.Info("Bulk stop on shutdown complete", "stopped", stopped)

		done := make(chan struct{})
		go func() {
			sup.loopWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}

		sup.bus.Close()
		sup.metrics.SessionsLive(0)
	})
	return err
}

func (sup *Supervisor) lookup(id string) (*session, bool) {
	sup.mu.RLock()
	defer sup.mu.RUnlock()
	sess, ok := sup.sessions[id]
	return sess, ok
}

func (sup *Supervisor) recoveryConfig() RecoveryConfig {
	sup.cfgMu.RLock()
	defer sup.cfgMu.RUnlock()
	return sup.recoveryCfg
}

func (sup *Supervisor) healthConfig() HealthCheckConfig {
	sup.cfgMu.RLock()
	defer sup.cfgMu.RUnlock()
	return sup.healthCfg
}

// transition sets a session's status and records the metric. Caller must not
// hold sess.mu.
func (sup *Supervisor) transition(sess *session, to Status) {
	sess.mu.Lock()
	from := sess.status
	sess.status = to
	sess.mu.Unlock()
	sup.metrics.StateTransition(sess.cliType, from, to)
}

// updateLiveGauge recounts sessions with a live subprocess.
func (sup *Supervisor) updateLiveGauge() {
	sup.mu.RLock()
	records := make([]*session, 0, len(sup.sessions))
	for _, sess := range sup.sessions {
		records = append(records, sess)
	}
	sup.mu.RUnlock()

	live := 0
	for _, sess := range records {
		sess.mu.Lock()
		if sess.proc != nil {
			live++
		}
		sess.mu.Unlock()
	}
	sup.metrics.SessionsLive(live)
}

func (sup *Supervisor) publishSession(kind EventKind, snap Session, errMsg string) {
	sup.bus.Publish(Event{Kind: kind, Session: &snap, Error: errMsg})
}
