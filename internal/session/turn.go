package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/duh17/oppi-sub004/internal/session/dedupe"
	"github.com/duh17/oppi-sub004/pkg/protocol"
)

// ErrClientTurnConflict is returned when a clientTurnId is reused with a
// different payload than the one first associated with it.
var ErrClientTurnConflict = errors.New("session: clientTurnId conflict")

// TurnKind selects which wire command a turn is delivered as.
type TurnKind string

const (
	TurnPrompt   TurnKind = "prompt"
	TurnSteer   TurnKind = "steer"
	TurnFollowUp TurnKind = "follow_up"
)

// TurnRequest is the client-initiated turn payload (spec §4.1).
type TurnRequest struct {
	ClientTurnID      string
	RequestID         string
	Message           string
	Images            []string
	Command           string
	StreamingBehavior string
	Timestamp         int64
}

// SendTurn implements spec §4.1's sendPrompt/sendSteer/sendFollowUp
// algorithm, shared across all three turn kinds (they differ only in which
// wire command is written to the subprocess).
func (m *Manager) SendTurn(ctx context.Context, sessionID string, kind TurnKind, req TurnRequest) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session: %s not found", sessionID)
	}

	return m.workspace.WithSessionLock(sessionID, func() error {
		payload := TurnPayload{Message: req.Message, Images: req.Images, Command: req.Command}
		payloadHash := hashPayload(payload)
		now := time.Now()

		if existing, ok := s.dedupe.Get(req.ClientTurnID, now); ok {
			if existing.PayloadHash != payloadHash {
				return ErrClientTurnConflict
			}
			s.Broadcast(&protocol.TurnAck{
				ClientTurnID: req.ClientTurnID,
				RequestID:    req.RequestID,
				Stage:        protocol.TurnAckStage(existing.Stage),
				Duplicate:    true,
			})
			return nil
		}

		s.dedupe.Set(req.ClientTurnID, dedupe.Record{
			Command:     dedupeCommandFor(kind),
			PayloadHash: payloadHash,
			Stage:       dedupe.StageAccepted,
			AcceptedAt:  now,
			UpdatedAt:   now,
		}, now)
		s.Broadcast(&protocol.TurnAck{
			ClientTurnID: req.ClientTurnID,
			RequestID:    req.RequestID,
			Stage:        protocol.StageAccepted,
		})

		wire, err := encodeTurnCommand(kind, req)
		if err != nil {
			return err
		}
		if err := s.proc.Write(ctx, wire); err != nil {
			s.dedupe.Delete(req.ClientTurnID)
			return fmt.Errorf("session: write turn command: %w", err)
		}

		s.dedupe.UpdateStage(req.ClientTurnID, dedupe.StageDispatched, time.Now())
		s.Broadcast(&protocol.TurnAck{
			ClientTurnID: req.ClientTurnID,
			RequestID:    req.RequestID,
			Stage:        protocol.StageDispatched,
		})

		s.pendingMu.Lock()
		s.pendingTurnStarts = append(s.pendingTurnStarts, req.ClientTurnID)
		s.pendingMu.Unlock()

		s.setStatus(StatusBusy)
		return nil
	})
}

func dedupeCommandFor(kind TurnKind) dedupe.Command {
	switch kind {
	case TurnSteer:
		return dedupe.CommandSteer
	case TurnFollowUp:
		return dedupe.CommandFollowUp
	default:
		return dedupe.CommandPrompt
	}
}

func encodeTurnCommand(kind TurnKind, req TurnRequest) ([]byte, error) {
	return json.Marshal(map[string]any{
		"type":              string(kind),
		"clientTurnId":      req.ClientTurnID,
		"message":           req.Message,
		"images":            req.Images,
		"command":           req.Command,
		"streamingBehavior": req.StreamingBehavior,
		"timestamp":         req.Timestamp,
	})
}

// onAgentTurnStart pops the oldest pendingTurnStarts entry and transitions
// its dedupe record to started (spec §4.1 step 5). Called by the event
// translator when a raw turn_start event arrives.
func (s *Session) onAgentTurnStart() (clientTurnID string, ok bool) {
	s.pendingMu.Lock()
	if len(s.pendingTurnStarts) == 0 {
		s.pendingMu.Unlock()
		return "", false
	}
	clientTurnID = s.pendingTurnStarts[0]
	s.pendingTurnStarts = s.pendingTurnStarts[1:]
	s.pendingMu.Unlock()

	s.dedupe.UpdateStage(clientTurnID, dedupe.StageStarted, time.Now())
	return clientTurnID, true
}
