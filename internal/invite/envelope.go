// Package invite builds and verifies the v2-signed invite envelope a
// paired mobile client uses to discover and trust a server (spec §6).
package invite

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Format is the only accepted invite envelope version. Unsigned v1 invites
// are rejected outright — there is no migration path, only refusal.
const Format = "v2-signed"

// Payload is the signed content of an invite: enough for a client to dial
// the server, verify its identity, and know what security posture to
// expect before pairing.
type Payload struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Token           string `json:"token"`
	Name            string `json:"name"`
	Fingerprint     string `json:"fingerprint"`
	SecurityProfile string `json:"securityProfile"`
}

// Envelope is the wire form: a signed payload plus the key id the
// signature was produced under and an absolute expiry.
type Envelope struct {
	Format  string `json:"format"`
	Payload string `json:"payload"` // base64-encoded canonical JSON of Payload
	Sig     string `json:"sig"`     // base64-encoded ed25519 signature over Payload bytes
	Kid     string `json:"kid"`
	Exp     int64  `json:"exp"` // unix millis
}

// Sign builds a v2-signed Envelope for payload, expiring at exp, signed by
// key under identifier kid.
func Sign(payload Payload, key ed25519.PrivateKey, kid string, exp time.Time) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("invite: marshal payload: %w", err)
	}

	sig := ed25519.Sign(key, data)

	return &Envelope{
		Format:  Format,
		Payload: base64.RawURLEncoding.EncodeToString(data),
		Sig:     base64.RawURLEncoding.EncodeToString(sig),
		Kid:     kid,
		Exp:     exp.UnixMilli(),
	}, nil
}

// KeyResolver looks up the public key that should have produced a
// signature under kid. Returns ok=false for an unknown or tampered kid.
type KeyResolver func(kid string) (ed25519.PublicKey, bool)

// Verify checks Format, signature validity (including a tampered payload
// or tampered kid), and expiry, in that order. Freshness beyond expiry
// (e.g. "was this invite generated in the last five minutes") is an
// orthogonal policy check left to the caller, per spec §6.
func Verify(env *Envelope, resolve KeyResolver, now time.Time) (Payload, error) {
	var zero Payload

	if env.Format != Format {
		return zero, fmt.Errorf("invite: unsupported format %q", env.Format)
	}

	pub, ok := resolve(env.Kid)
	if !ok {
		return zero, fmt.Errorf("invite: unknown kid %q", env.Kid)
	}

	data, err := base64.RawURLEncoding.DecodeString(env.Payload)
	if err != nil {
		return zero, fmt.Errorf("invite: malformed payload encoding: %w", err)
	}

	sig, err := base64.RawURLEncoding.DecodeString(env.Sig)
	if err != nil {
		return zero, fmt.Errorf("invite: malformed signature encoding: %w", err)
	}

	if !ed25519.Verify(pub, data, sig) {
		return zero, fmt.Errorf("invite: signature verification failed")
	}

	if now.UnixMilli() >= env.Exp {
		return zero, fmt.Errorf("invite: expired")
	}

	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return zero, fmt.Errorf("invite: unmarshal payload: %w", err)
	}
	return payload, nil
}
