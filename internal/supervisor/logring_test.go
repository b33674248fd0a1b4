package supervisor

import (
	"fmt"
	"testing"
	"time"
)

func ringEntry(i int) LogEntry {
	return LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     "info",
		Message:   fmt.Sprintf("line %d", i),
		Source:    "stdout",
	}
}

func TestLogRingOrder(t *testing.T) {
	r := NewLogRing(10)
	for i := 0; i < 5; i++ {
		r.Append(ringEntry(i))
	}

	got := r.Entries()
	if len(got) != 5 {
		t.Fatalf("len = %d, want 5", len(got))
	}
	for i, e := range got {
		want := fmt.Sprintf("line %d", i)
		if e.Message != want {
			t.Fatalf("entry[%d] = %q, want %q", i, e.Message, want)
		}
	}
}

func TestLogRingEvictsOldest(t *testing.T) {
	r := NewLogRing(3)
	for i := 0; i < 5; i++ {
		r.Append(ringEntry(i))
	}

	if r.Len() != 3 {
		t.Fatalf("len = %d, want capacity 3", r.Len())
	}
	got := r.Entries()
	if got[0].Message != "line 2" || got[2].Message != "line 4" {
		t.Fatalf("entries = [%s .. %s], want oldest evicted", got[0].Message, got[2].Message)
	}
}

func TestLogRingCapacityBound(t *testing.T) {
	r := NewLogRing(MaxLogEntries)
	for i := 0; i < MaxLogEntries+1; i++ {
		r.Append(ringEntry(i))
	}

	if r.Len() != MaxLogEntries {
		t.Fatalf("len = %d, want %d", r.Len(), MaxLogEntries)
	}
	got := r.Entries()
	if got[0].Message != "line 1" {
		t.Fatalf("oldest = %q, want first entry evicted", got[0].Message)
	}
	if got[len(got)-1].Message != fmt.Sprintf("line %d", MaxLogEntries) {
		t.Fatalf("newest = %q", got[len(got)-1].Message)
	}
}

func TestLogRingTail(t *testing.T) {
	r := NewLogRing(10)
	for i := 0; i < 6; i++ {
		r.Append(ringEntry(i))
	}

	tail := r.Tail(2)
	if len(tail) != 2 {
		t.Fatalf("tail len = %d, want 2", len(tail))
	}
	if tail[0].Message != "line 4" || tail[1].Message != "line 5" {
		t.Fatalf("tail = [%s %s]", tail[0].Message, tail[1].Message)
	}

	if got := r.Tail(0); len(got) != 6 {
		t.Fatalf("Tail(0) len = %d, want all 6", len(got))
	}
	if got := r.Tail(100); len(got) != 6 {
		t.Fatalf("Tail(100) len = %d, want all 6", len(got))
	}
}

func TestLogRingEmpty(t *testing.T) {
	r := NewLogRing(4)
	if r.Len() != 0 {
		t.Fatalf("len = %d, want 0", r.Len())
	}
	if got := r.Entries(); got != nil {
		t.Fatalf("Entries() = %v, want nil", got)
	}
}
