package session

import (
	"encoding/json"

	"github.com/duh17/oppi-sub004/pkg/protocol"
)

// translate folds one RawEvent into zero or more ServerMessages and
// broadcasts them, implementing spec §4.1's "Event translation" table. Its
// only state lives on s.translator.
func (m *Manager) translate(s *Session, ev RawEvent) {
	switch ev.Kind {
	case "agent_start":
		s.Broadcast(&protocol.AgentStart{})

	case "agent_end":
		if s.Status() == StatusStopping {
			s.onAgentEndDuringStop()
			return
		}
		s.setStatus(StatusEnded)
		s.Broadcast(&protocol.AgentEnd{ExitCode: ev.ExitCode, Reason: ev.Reason})

	case "turn_start":
		clientTurnID, ok := s.onAgentTurnStart()
		s.Broadcast(&protocol.TurnStart{ClientTurnID: clientTurnID})
		if ok {
			s.Broadcast(&protocol.TurnAck{
				ClientTurnID: clientTurnID,
				Stage:        protocol.StageStarted,
			})
		}

	case "turn_end":
		s.setStatus(StatusReady)
		s.Broadcast(&protocol.TurnEnd{StopReason: ev.StopReason})

	case "text_delta":
		s.translator.streamedAssistantText.WriteString(ev.Text)
		s.Broadcast(&protocol.TextDelta{MessageID: ev.MessageID, Delta: ev.Text})

	case "thinking_delta":
		s.translator.hasStreamedThinking = true
		s.Broadcast(&protocol.ThinkingDelta{MessageID: ev.MessageID, Delta: ev.Text})

	case "message_end":
		s.translator.streamedAssistantText.Reset()
		s.translator.hasStreamedThinking = false
		s.Broadcast(&protocol.MessageEnd{MessageID: ev.MessageID})

	case "tool_execution_start":
		s.Broadcast(&protocol.ToolStart{
			ToolCallID: ev.ToolCallID,
			Tool:       ev.Details,
			Input:      json.RawMessage(ev.Input),
		})

	case "tool_execution_update":
		last := s.translator.toolAccumulated[ev.ToolCallID]
		delta := deltaSince(last, ev.Text)
		s.translator.toolAccumulated[ev.ToolCallID] = ev.Text
		if delta != "" {
			s.Broadcast(&protocol.ToolOutput{ToolCallID: ev.ToolCallID, Delta: delta})
		}

	case "tool_execution_end":
		delete(s.translator.toolAccumulated, ev.ToolCallID)
		s.Broadcast(&protocol.ToolEnd{
			ToolCallID: ev.ToolCallID,
			IsError:    ev.IsError,
			Details:    ev.Details,
		})

	case "compaction_start":
		s.Broadcast(&protocol.CompactionStart{})
	case "compaction_end":
		s.Broadcast(&protocol.CompactionEnd{})
	case "retry_start":
		s.Broadcast(&protocol.RetryStart{Reason: ev.Reason})
	case "retry_end":
		s.Broadcast(&protocol.RetryEnd{})

	case "error":
		s.setStatus(StatusError)
		s.Broadcast(&protocol.ErrorMessage{Message: ev.Text, Fatal: ev.IsError})

	default:
		// Unrecognized raw event kinds (spec's "most fold to empty") are
		// silently dropped; they carry no wire-protocol representation.
	}
}

// deltaSince computes the incremental text between two full-accumulation
// snapshots of a tool's streamed output (spec §4.1: "output is the DELTA
// computed as fullText - lastAccumulatedText keyed by toolCallId").
func deltaSince(previous, full string) string {
	if len(full) <= len(previous) || full[:len(previous)] != previous {
		// Accumulation reset or diverged; surface the whole new text rather
		// than guessing at a partial delta.
		return full
	}
	return full[len(previous):]
}
