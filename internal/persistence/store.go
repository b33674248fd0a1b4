// Package persistence snapshots restart-relevant session state to a JSON
// file so a supervisor restart can resume the fleet where it left off.
package persistence

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/workspace/cli-supervisor/internal/supervisor"
)

// Config controls snapshotting and resume behaviour.
type Config struct {
	Enabled           bool
	FilePath          string
	AutoSaveInterval  time.Duration
	AutoResumeOnStart bool
}

// DefaultConfig mirrors the operational defaults.
func DefaultConfig(path string) Config {
	return Config{
		Enabled:           true,
		FilePath:          path,
		AutoSaveInterval:  30 * time.Second,
		AutoResumeOnStart: true,
	}
}

// Record is the persisted projection of one session. Live process handles,
// in-memory logs and allocator counters are deliberately excluded.
type Record struct {
	ID               string            `json:"id"`
	CLIType          string            `json:"cliType"`
	Status           supervisor.Status `json:"status"`
	Port             int               `json:"port"`
	WorkingDirectory string            `json:"workingDirectory"`
	StartedAt        *time.Time        `json:"startedAt,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	TemplateName     string            `json:"templateName,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// RecordFromSession projects a session snapshot into its persisted form.
func RecordFromSession(s supervisor.Session) Record {
	return Record{
		ID:               s.ID,
		CLIType:          s.CLIType,
		Status:           s.Status,
		Port:             s.Port,
		WorkingDirectory: s.WorkingDirectory,
		StartedAt:        s.StartedAt,
		Tags:             s.Tags,
		TemplateName:     s.TemplateName,
		Env:              s.Env,
		Metadata:         s.Metadata,
	}
}

// SnapshotFunc produces the current projection of every session.
type SnapshotFunc func() []Record

// Store writes the snapshot file. Each save replaces the previous document
// atomically (temp file + rename) under an advisory file lock so two
// supervisor processes cannot interleave writes.
type Store struct {
	mu   sync.RWMutex
	cfg  Config
	snap SnapshotFunc
	lock *flock.Flock

	done     chan struct{}
	loopWG   sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// NewStore creates a store. Call Start to begin periodic autosaves.
func NewStore(cfg Config, snap SnapshotFunc) *Store {
	if cfg.AutoSaveInterval <= 0 {
		cfg.AutoSaveInterval = 30 * time.Second
	}
	return &Store{
		cfg:  cfg,
		snap: snap,
		lock: flock.New(cfg.FilePath + ".lock"),
		done: make(chan struct{}),
	}
}

// Start launches the autosave loop. No-op when persistence is disabled.
func (s *Store) Start() {
	s.mu.Lock()
	if s.started || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.loopWG.Add(1)
	go s.autosaveLoop()
}

func (s *Store) autosaveLoop() {
	defer s.loopWG.Done()

	for {
		s.mu.RLock()
		interval := s.cfg.AutoSaveInterval
		s.mu.RUnlock()

		select {
		case <-s.done:
			return
		case <-time.After(interval):
		}

		s.mu.RLock()
		enabled := s.cfg.Enabled
		s.mu.RUnlock()
		if !enabled {
			continue
		}
		if err := s.Save(); err != nil {
			slog.Error("Autosave failed", "error", err)
		}
	}
}

// Close stops the autosave loop and writes a final snapshot.
func (s *Store) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.loopWG.Wait()

		s.mu.RLock()
		enabled := s.cfg.Enabled
		s.mu.RUnlock()
		if enabled {
			err = s.Save()
		}
	})
	return err
}

// Save writes the current snapshot, replacing the prior file atomically.
func (s *Store) Save() error {
	s.mu.RLock()
	path := s.cfg.FilePath
	s.mu.RUnlock()

	records := s.snap()
	if records == nil {
		records = []Record{}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock snapshot file: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}

	slog.Debug("Snapshot saved", "path", path, "sessions", len(records))
	return nil
}

// Load reads the snapshot file. A missing file yields an empty slice, not an
// error.
func (s *Store) Load() ([]Record, error) {
	s.mu.RLock()
	path := s.cfg.FilePath
	s.mu.RUnlock()

	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock snapshot file: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return records, nil
}

// ConfigUpdate is a partial reconfiguration; nil fields keep their value.
type ConfigUpdate struct {
	Enabled           *bool
	AutoSaveInterval  *time.Duration
	AutoResumeOnStart *bool
}

// Configure applies a partial update and returns the resulting config.
func (s *Store) Configure(u ConfigUpdate) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Enabled != nil {
		s.cfg.Enabled = *u.Enabled
	}
	if u.AutoSaveInterval != nil && *u.AutoSaveInterval > 0 {
		s.cfg.AutoSaveInterval = *u.AutoSaveInterval
	}
	if u.AutoResumeOnStart != nil {
		s.cfg.AutoResumeOnStart = *u.AutoResumeOnStart
	}
	return s.cfg
}

// AutoResume reports whether resume-on-initialize is enabled.
func (s *Store) AutoResume() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Enabled && s.cfg.AutoResumeOnStart
}

// Resume recreates and starts every persisted session that was running at
// save time, preserving its identifier. Failures for one session are logged
// and do not block resuming the rest. Returns the number of sessions
// started.
func Resume(store *Store, sup *supervisor.Supervisor) (int, error) {
	records, err := store.Load()
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, rec := range records {
		if rec.Status != supervisor.StatusRunning {
			continue
		}
		_, err := sup.CreateSession(supervisor.CreateConfig{
			ID:               rec.ID,
			CLIType:          rec.CLIType,
			WorkingDirectory: rec.WorkingDirectory,
			Port:             rec.Port,
			Tags:             rec.Tags,
			TemplateName:     rec.TemplateName,
			Env:              rec.Env,
			Metadata:         rec.Metadata,
		})
		if err != nil {
			slog.Error("Resume: failed to recreate session", "session", rec.ID, "error", err)
			continue
		}
		if _, err := sup.StartSession(rec.ID); err != nil {
			slog.Error("Resume: failed to start session", "session", rec.ID, "error", err)
			continue
		}
		resumed++
	}

	if resumed > 0 {
		slog.Info("Resumed sessions from snapshot", "count", resumed)
	}
	return resumed, nil
}
