// Package pairing implements the unauthenticated pairing-token →
// device-token exchange (spec §6): a short-lived, server-issued pairing
// token (e.g. shown in a QR code) is traded once for a long-lived device
// token a mobile client then uses as its bearer token.
package pairing

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
)

// minTokenBytes yields a base32 string encoding at least 160 bits of
// entropy, per spec §6 ("opaque random strings ≥ 160 bits").
const minTokenBytes = 20

func randomToken(prefix string) (string, error) {
	buf := make([]byte, minTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("pairing: read random bytes: %w", err)
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	if prefix == "" {
		return encoded, nil
	}
	return prefix + encoded, nil
}

// DeviceTokenPrefix marks every issued device token (spec §6: "prefix dt_").
const DeviceTokenPrefix = "dt_"
