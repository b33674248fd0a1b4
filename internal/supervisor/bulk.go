package supervisor

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// BulkStartRequest describes a fleet start: create and start Count sessions
// sharing the given attributes.
type BulkStartRequest struct {
	Count            int
	CLIType          string
	WorkingDirectory string
	Tags             []string
	TemplateName     string
	Env              map[string]string

	// StaggerDelay inserts a pause between successive starts (not after the
	// last one) to avoid thundering-herd startup load.
	StaggerDelay time.Duration
}

// BulkFailure records one failed index of a bulk start.
type BulkFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// BulkStartSessions creates and starts sessions sequentially. Per-index
// failures are collected and the batch continues; partial success is the
// expected outcome, not an aborted batch.
func (sup *Supervisor) BulkStartSessions(req BulkStartRequest) ([]Session, []BulkFailure) {
	var (
		started []Session
		failed  []BulkFailure
	)

	for i := 0; i < req.Count; i++ {
		if i > 0 && req.StaggerDelay > 0 {
			select {
			case <-time.After(req.StaggerDelay):
			case <-sup.shutdownCtx.Done():
				failed = append(failed, BulkFailure{Index: i, Error: ErrShuttingDown.Error()})
				continue
			}
		}

		snap, err := sup.CreateSession(CreateConfig{
			CLIType:          req.CLIType,
			WorkingDirectory: req.WorkingDirectory,
			Tags:             req.Tags,
			TemplateName:     req.TemplateName,
			Env:              req.Env,
		})
		if err != nil {
			failed = append(failed, BulkFailure{Index: i, Error: err.Error()})
			continue
		}

		snap, err = sup.StartSession(snap.ID)
		if err != nil {
			failed = append(failed, BulkFailure{Index: i, Error: err.Error()})
			continue
		}
		started = append(started, snap)
	}

	slog.Info("Bulk start complete", "requested", req.Count, "started", len(started), "failed", len(failed))
	sup.bus.Publish(Event{Kind: EventBulkStarted, Count: len(started)})
	return started, failed
}

// BulkStopSessions stops the given sessions concurrently, best effort.
// A nil or empty list means every known session. Individual failures are
// swallowed; the return value is the number of successful stops.
func (sup *Supervisor) BulkStopSessions(ids []string) int {
	if len(ids) == 0 {
		for _, s := range sup.Sessions() {
			ids = append(ids, s.ID)
		}
	}

	var (
		wg      sync.WaitGroup
		stopped atomic.Int64
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := sup.StopSession(id); err != nil {
				slog.Warn("Bulk stop: session failed to stop", "session", id, "error", err)
				return
			}
			stopped.Add(1)
		}(id)
	}
	wg.Wait()

	count := int(stopped.Load())
	slog.Info("Bulk stop complete", "requested", len(ids), "stopped", count)
	sup.bus.Publish(Event{Kind: EventBulkStopped, Count: count})
	return count
}
