package session

import (
	"time"

	"github.com/duh17/oppi-sub004/pkg/protocol"
)

// Subscribe adds handler to the session's subscriber set and returns a
// function that removes it. Safe to call concurrently with Broadcast.
func (s *Session) Subscribe(handler Subscriber) (unsubscribe func()) {
	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = handler
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// Broadcast assigns msg the next session seq, appends it to the event
// ring, and delivers it synchronously to every subscriber (spec §4.1
// "Broadcast"). Subscribers must not block; they enqueue to their own
// outbound buffer.
func (s *Session) Broadcast(msg protocol.ServerMessage) protocol.ServerMessage {
	seq := s.ring.NextSeq()
	now := time.Now().UnixMilli()
	withEnvelope := protocol.WithEnvelope(msg, s.ID, seq, now)

	for {
		if _, err := s.ring.Push(withEnvelope, seq, now); err == nil {
			break
		}
		// A concurrent producer (turn delivery, the event pump, an abort
		// timer) took this seq first; take the next one rather than
		// silently drop the event.
		seq = s.ring.NextSeq()
		withEnvelope = protocol.WithEnvelope(msg, s.ID, seq, now)
	}

	s.subsMu.Lock()
	subs := make([]Subscriber, 0, len(s.subs))
	for _, h := range s.subs {
		subs = append(subs, h)
	}
	s.subsMu.Unlock()

	for _, h := range subs {
		h(withEnvelope)
	}
	return withEnvelope
}
