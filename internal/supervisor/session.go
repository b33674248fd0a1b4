// Package supervisor manages long-running CLI agent subprocesses: lifecycle,
// log capture, health polling, crash recovery and bulk fleet operations.
package supervisor

import (
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of a managed session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused" // reserved; nothing transitions into it
	StatusStopped   Status = "stopped"
	StatusError     Status = "error"
	StatusCompleted Status = "completed"
)

// HealthStatus classifies the outcome of liveness probes.
type HealthStatus string

const (
	HealthHealthy      HealthStatus = "healthy"
	HealthDegraded     HealthStatus = "degraded"
	HealthUnresponsive HealthStatus = "unresponsive"
	HealthCrashed      HealthStatus = "crashed"
)

// Health holds probe and recovery state for a session.
type Health struct {
	Status              HealthStatus `json:"status"`
	LastCheck           time.Time    `json:"lastCheck"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	RestartCount        int          `json:"restartCount"`
	LastRestartAt       *time.Time   `json:"lastRestartAt,omitempty"`
	ErrorMessage        string       `json:"errorMessage,omitempty"`
}

// Session is an immutable snapshot of a managed session, safe to hand to
// callers and observers.
type Session struct {
	ID               string            `json:"id"`
	CLIType          string            `json:"cliType"`
	Status           Status            `json:"status"`
	Port             int               `json:"port"`
	WorkingDirectory string            `json:"workingDirectory"`
	PID              int               `json:"pid,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	LastActivity     *time.Time        `json:"lastActivity,omitempty"`
	Health           Health            `json:"health"`
	Tags             []string          `json:"tags"`
	TemplateName     string            `json:"templateName,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	CurrentTask      string            `json:"currentTask,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// session is the mutable record. mu guards all fields; opMu serializes
// lifecycle operations (start/stop/restart/remove) and process exit callbacks
// for this session relative to each other.
type session struct {
	mu   sync.Mutex
	opMu sync.Mutex

	id               string
	cliType          string
	status           Status
	port             int
	workingDirectory string
	createdAt        time.Time
	startedAt        *time.Time
	lastActivity     *time.Time
	health           Health
	tags             map[string]struct{}
	templateName     string
	env              map[string]string
	currentTask      string
	metadata         map[string]string

	logs *LogRing

	// proc is non-nil iff status is starting or running and the process has
	// not exited. The handle is owned exclusively by this session.
	proc *process

	// probing guards against overlapping health probes when a probe outlasts
	// the monitor interval.
	probing bool
}

// snapshot copies the record into an exported Session. Caller must not hold
// s.mu.
func (s *session) snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *session) snapshotLocked() Session {
	snap := Session{
		ID:               s.id,
		CLIType:          s.cliType,
		Status:           s.status,
		Port:             s.port,
		WorkingDirectory: s.workingDirectory,
		CreatedAt:        s.createdAt,
		Health:           s.health,
		TemplateName:     s.templateName,
		CurrentTask:      s.currentTask,
	}
	if s.proc != nil {
		snap.PID = s.proc.pid
	}
	if s.startedAt != nil {
		t := *s.startedAt
		snap.StartedAt = &t
	}
	if s.lastActivity != nil {
		t := *s.lastActivity
		snap.LastActivity = &t
	}
	if s.health.LastRestartAt != nil {
		t := *s.health.LastRestartAt
		snap.Health.LastRestartAt = &t
	}
	snap.Tags = make([]string, 0, len(s.tags))
	for tag := range s.tags {
		snap.Tags = append(snap.Tags, tag)
	}
	sort.Strings(snap.Tags)
	if len(s.env) > 0 {
		snap.Env = make(map[string]string, len(s.env))
		for k, v := range s.env {
			snap.Env[k] = v
		}
	}
	if len(s.metadata) > 0 {
		snap.Metadata = make(map[string]string, len(s.metadata))
		for k, v := range s.metadata {
			snap.Metadata[k] = v
		}
	}
	return snap
}

// appendLog records a log line in the session's ring buffer.
func (s *session) appendLog(level, message, source string) {
	s.logs.Append(LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Source:    source,
	})
}

func (s *session) touch() {
	now := time.Now().UTC()
	s.lastActivity = &now
}
