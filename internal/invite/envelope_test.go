package invite

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pub, priv
}

func resolverFor(kid string, pub ed25519.PublicKey) KeyResolver {
	return func(k string) (ed25519.PublicKey, bool) {
		if k != kid {
			return nil, false
		}
		return pub, true
	}
}

func TestSignVerify_RoundTrips(t *testing.T) {
	pub, priv := testKeyPair(t)
	payload := Payload{Host: "192.168.1.10", Port: 8443, Token: "tok", Name: "Dev Box", Fingerprint: "abc123", SecurityProfile: "standard"}

	env, err := Sign(payload, priv, "key-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	got, err := Verify(env, resolverFor("key-1", pub), time.Now())
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestVerify_RejectsTamperedPayload(t *testing.T) {
	pub, priv := testKeyPair(t)
	env, err := Sign(Payload{Host: "h", Port: 1, Token: "t"}, priv, "key-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	env.Payload = env.Payload[:len(env.Payload)-2] + "aa"

	_, err = Verify(env, resolverFor("key-1", pub), time.Now())
	assert.Error(t, err)
}

func TestVerify_RejectsTamperedKid(t *testing.T) {
	pub, priv := testKeyPair(t)
	env, err := Sign(Payload{Host: "h", Port: 1, Token: "t"}, priv, "key-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	env.Kid = "key-2"

	_, err = Verify(env, resolverFor("key-1", pub), time.Now())
	assert.Error(t, err)
}

func TestVerify_RejectsExpired(t *testing.T) {
	pub, priv := testKeyPair(t)
	env, err := Sign(Payload{Host: "h", Port: 1, Token: "t"}, priv, "key-1", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = Verify(env, resolverFor("key-1", pub), time.Now())
	assert.Error(t, err)
}

func TestVerify_RejectsUnsignedV1Format(t *testing.T) {
	pub, priv := testKeyPair(t)
	env, err := Sign(Payload{Host: "h", Port: 1, Token: "t"}, priv, "key-1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	env.Format = "v1"

	_, err = Verify(env, resolverFor("key-1", pub), time.Now())
	assert.Error(t, err)
}
