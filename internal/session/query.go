package session

import (
	"github.com/duh17/oppi-sub004/internal/session/ring"
	"github.com/duh17/oppi-sub004/pkg/protocol"
)

// CurrentSeq returns the session's event ring's most recently assigned
// sequence number.
func (s *Session) CurrentSeq() int64 { return s.ring.CurrentSeq() }

// CanServeSince reports whether the ring can produce a gapless replay for
// every event after seq (spec §4.2's canServe).
func (s *Session) CanServeSince(seq int64) bool { return s.ring.CanServe(seq) }

// ReplaySince returns every buffered event with seq strictly greater than
// the given seq, oldest first.
func (s *Session) ReplaySince(seq int64) []ring.Record { return s.ring.Since(seq) }

// Snapshot builds a StateSnapshot carrying the session's current status and
// its remembered thinking level. Model and running tallies are not tracked
// here and are left empty.
func (s *Session) Snapshot() protocol.StateSnapshot {
	return protocol.StateSnapshot{
		Status:   string(s.Status()),
		Thinking: s.rememberedThinkingLevel(),
	}
}
