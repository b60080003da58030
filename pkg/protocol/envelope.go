// Package protocol defines the wire types exchanged over the /stream
// WebSocket: a closed ClientMessage union decoded from the client and a
// closed ServerMessage union encoded back to it. Every variant is a
// concrete Go struct; the `type` field on the wire is the discriminant and
// is never consulted anywhere except Decode/the MarshalJSON of each side.
package protocol

import (
	"encoding/json"
	"fmt"
)

// envelope is the shape every frame shares on the wire: a type discriminant
// plus the variant-specific fields flattened alongside it. Using
// json.RawMessage-free flattened fields (rather than a nested "payload" key)
// matches the spec's wire examples, which show fields like clientTurnId and
// sessionId directly on the frame next to "type".
type envelope struct {
	Type string `json:"type"`
}

// peekType reads only the discriminant field out of a raw frame.
func peekType(raw []byte) (string, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if e.Type == "" {
		return "", fmt.Errorf("protocol: frame missing \"type\"")
	}
	return e.Type, nil
}
