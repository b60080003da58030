package session

import (
	"encoding/json"
	"hash/fnv"
	"sort"
)

// TurnPayload is the portion of a prompt/steer/follow_up request that must
// hash identically regardless of field order, used to detect a genuine
// clientTurnId conflict (same id, different payload) versus a legitimate
// retry (spec §4.1 step 2, §9 Open Question 2).
type TurnPayload struct {
	Message string   `json:"message"`
	Images  []string `json:"images,omitempty"`
	Command string   `json:"command,omitempty"`
}

// hashPayload computes a stable fnv-1a hash over the canonical (sorted-key)
// JSON encoding of payload. This is a dedupe fingerprint, not a security
// boundary, so a non-cryptographic hash is sufficient.
func hashPayload(payload TurnPayload) string {
	canonical := canonicalJSON(map[string]any{
		"message": payload.Message,
		"images":  payload.Images,
		"command": payload.Command,
	})

	h := fnv.New64a()
	_, _ = h.Write(canonical)
	return fmtHex(h.Sum64())
}

// canonicalJSON renders v with object keys sorted, so semantically
// identical payloads hash identically regardless of field order.
func canonicalJSON(v map[string]any) []byte {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(v[k])
		ordered = append(ordered, kb...)
		ordered = append(ordered, ':')
		ordered = append(ordered, vb...)
	}
	ordered = append(ordered, '}')
	return ordered
}

func fmtHex(v uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf)
}
