package supervisor

import (
	"sync"
	"time"
)

// MaxLogEntries is the per-session log retention: the ring keeps the most
// recent entries and evicts from the front.
const MaxLogEntries = 1000

// LogEntry is one captured log line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source"` // system, stdout, stderr, console, health
}

// LogRing is a fixed-capacity circular buffer of log entries. It overwrites
// the oldest entry when full, maintaining a bounded memory footprint.
// Thread-safe for concurrent append and read access.
type LogRing struct {
	mu       sync.Mutex
	entries  []LogEntry
	capacity int
	writePos int
	written  int64

	// notify, when set, is called after each append with the stored entry.
	// Invoked outside the ring lock; must not re-enter the ring.
	notify func(LogEntry)
}

// NewLogRing allocates a ring holding at most capacity entries.
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = MaxLogEntries
	}
	return &LogRing{
		entries:  make([]LogEntry, capacity),
		capacity: capacity,
	}
}

// Append adds an entry, evicting the oldest one if the ring is full.
func (r *LogRing) Append(e LogEntry) {
	r.mu.Lock()
	r.entries[r.writePos] = e
	r.writePos = (r.writePos + 1) % r.capacity
	r.written++
	notify := r.notify
	r.mu.Unlock()

	if notify != nil {
		notify(e)
	}
}

// Entries returns a copy of all buffered entries in chronological order,
// oldest first.
func (r *LogRing) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.lenLocked()
	if n == 0 {
		return nil
	}

	result := make([]LogEntry, n)
	if r.written <= int64(r.capacity) {
		copy(result, r.entries[:n])
	} else {
		tail := r.capacity - r.writePos
		copy(result, r.entries[r.writePos:])
		copy(result[tail:], r.entries[:r.writePos])
	}
	return result
}

// Tail returns up to n of the most recent entries, oldest first.
func (r *LogRing) Tail(n int) []LogEntry {
	all := r.Entries()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Len returns the number of entries currently stored.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lenLocked()
}

func (r *LogRing) lenLocked() int {
	if r.written <= int64(r.capacity) {
		return int(r.written)
	}
	return r.capacity
}
