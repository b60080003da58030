package pairing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExchange_ValidTokenIssuesDeviceToken(t *testing.T) {
	store := NewStore()
	token, err := store.IssuePairingToken(time.Minute)
	require.NoError(t, err)

	ex := NewExchanger(store, 6, time.Second)
	deviceToken, err := ex.Exchange(token, "My Phone")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(deviceToken, DeviceTokenPrefix))

	name, ok := store.DeviceName(deviceToken)
	require.True(t, ok)
	assert.Equal(t, "My Phone", name)
}

func TestExchange_ReplayRejected(t *testing.T) {
	store := NewStore()
	token, err := store.IssuePairingToken(time.Minute)
	require.NoError(t, err)

	ex := NewExchanger(store, 6, time.Second)
	_, err = ex.Exchange(token, "Phone")
	require.NoError(t, err)

	_, err = ex.Exchange(token, "Phone")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExchange_ExpiredRejected(t *testing.T) {
	store := NewStore()
	token, err := store.IssuePairingToken(time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	ex := NewExchanger(store, 6, time.Second)
	_, err = ex.Exchange(token, "Phone")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExchange_RateLimitsRepeatedFailures(t *testing.T) {
	store := NewStore()
	ex := NewExchanger(store, 3, time.Hour)

	var sawRateLimited bool
	for i := 0; i < 5; i++ {
		_, err := ex.Exchange("bogus-token", "Phone")
		if err == ErrRateLimited {
			sawRateLimited = true
			break
		}
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
	assert.True(t, sawRateLimited, "expected rate limiting after repeated invalid attempts")
}

func TestAuthenticate_UnknownTokenRejected(t *testing.T) {
	store := NewStore()
	_, ok := store.Authenticate("dt_nonexistent")
	assert.False(t, ok)
}

func TestAuthenticate_ValidDeviceTokenResolvesOwner(t *testing.T) {
	store := NewStore()
	token, err := store.issueDeviceToken("Tablet")
	require.NoError(t, err)

	name, ok := store.Authenticate(token)
	require.True(t, ok)
	assert.Equal(t, "Tablet", name)
}
