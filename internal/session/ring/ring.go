// Package ring implements the per-session bounded monotonic event log used
// for reconnect catch-up (spec §4.2). It has no knowledge of the session
// manager or the wire protocol beyond protocol.ServerMessage; it is a pure
// data structure guarded by a single mutex.
package ring

import (
	"fmt"
	"sync"

	"github.com/duh17/oppi-sub004/pkg/protocol"
)

// Record is one entry in the ring: a sequenced, timestamped ServerMessage.
type Record struct {
	Seq       int64
	Event     protocol.ServerMessage
	Timestamp int64 // unix ms
}

// Ring is a fixed-capacity FIFO buffer of Records with strictly increasing
// sequence numbers. It never reuses or decreases a seq across its lifetime,
// even across evictions (invariant 2 in spec §3).
type Ring struct {
	mu       sync.Mutex
	capacity int
	buf      []Record
	head     int // index of oldest record in buf, valid when len(buf) > 0
	current  int64
}

// New creates a Ring with the given capacity. Capacity must be positive.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{capacity: capacity}
}

// Push appends a record. seq must be strictly greater than the ring's
// current head sequence, or Push returns an error without mutating state.
func (r *Ring) Push(event protocol.ServerMessage, seq int64, timestampMs int64) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if seq <= r.current {
		return Record{}, fmt.Errorf("ring: seq %d is not strictly greater than current %d", seq, r.current)
	}

	rec := Record{Seq: seq, Event: event, Timestamp: timestampMs}
	if len(r.buf) < r.capacity {
		r.buf = append(r.buf, rec)
	} else {
		// FIFO eviction: overwrite the oldest slot.
		r.buf[r.head] = rec
		r.head = (r.head + 1) % r.capacity
	}
	r.current = seq
	return rec, nil
}

// NextSeq returns the seq that the next Push must use (current + 1). Callers
// that assign seq numbers (the session manager's broadcast path) call this
// under the same lock ordering they use to call Push, so the pair is atomic
// from the perspective of a single producer goroutine.
func (r *Ring) NextSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current + 1
}

// CurrentSeq returns the most recently pushed sequence number, or 0 if the
// ring is empty.
func (r *Ring) CurrentSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// OldestSeq returns the sequence number of the oldest record still in the
// ring, or 0 if the ring is empty.
func (r *Ring) OldestSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.oldestSeqLocked()
}

func (r *Ring) oldestSeqLocked() int64 {
	if len(r.buf) == 0 {
		return 0
	}
	if len(r.buf) < r.capacity {
		return r.buf[0].Seq
	}
	return r.buf[r.head].Seq
}

// CanServe reports whether Since(seq) can return a gapless range, i.e. the
// ring still holds the record immediately after seq (or the ring is ahead
// of seq entirely and holds everything since the beginning).
func (r *Ring) CanServe(seq int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return seq == r.current
	}
	return seq >= r.oldestSeqLocked()-1
}

// Since returns all records with Seq strictly greater than seq, oldest
// first. The caller should check CanServe first; Since does not itself
// report whether the range is gapless, it simply returns what it has.
func (r *Ring) Since(seq int64) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.buf))
	for i := 0; i < len(r.buf); i++ {
		idx := i
		if len(r.buf) == r.capacity {
			idx = (r.head + i) % r.capacity
		}
		if r.buf[idx].Seq > seq {
			out = append(out, r.buf[idx])
		}
	}
	return out
}
