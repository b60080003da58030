package invite

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint derives the short server identity string embedded in an
// invite payload, letting a client confirm it reached the same host it
// was invited to. blake2b is already in the dependency graph as the
// teacher's indirect crypto surface; used directly here for a keyless,
// fast content hash — no certificate-chain validation is implied.
func Fingerprint(serverPublicKeyOrCert []byte) string {
	sum := blake2b.Sum256(serverPublicKeyOrCert)
	return hex.EncodeToString(sum[:16])
}
