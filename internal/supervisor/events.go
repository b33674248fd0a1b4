package supervisor

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind identifies a supervisor event.
type EventKind string

const (
	EventSessionCreated   EventKind = "session.created"
	EventSessionStarted   EventKind = "session.started"
	EventSessionStopped   EventKind = "session.stopped"
	EventSessionError     EventKind = "session.error"
	EventSessionHealth    EventKind = "session.health"
	EventSessionRestarted EventKind = "session.restarted"
	EventSessionLog       EventKind = "session.log"
	EventBulkStarted      EventKind = "bulk.started"
	EventBulkStopped      EventKind = "bulk.stopped"
)

// Event carries a session snapshot to observers. For bulk events Session is
// nil and Count holds the batch size. For log events Log holds the captured
// entry and Session carries only the identifying fields.
type Event struct {
	ID      string    `json:"id"`
	Kind    EventKind `json:"kind"`
	Time    time.Time `json:"time"`
	Session *Session  `json:"session,omitempty"`
	Log     *LogEntry `json:"log,omitempty"`
	Error   string    `json:"error,omitempty"`
	Count   int       `json:"count,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full loses the event rather than stalling the supervisor.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber with the given channel buffer.
// The returned cancel function unregisters and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers an event to all subscribers without blocking.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber; drop.
		}
	}
}

// Close closes all subscriber channels. Subsequent publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
