package pairing

import (
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrInvalidToken is returned for an unknown, expired, or already-used
// pairing token.
var ErrInvalidToken = errors.New("pairing: invalid or expired pairing token")

// ErrRateLimited is returned once repeated invalid attempts have
// exhausted the failure budget (spec §6: "after N rapid invalids... 429").
var ErrRateLimited = errors.New("pairing: rate limited")

// Exchanger performs the pairing-token-for-device-token exchange with a
// failure-budget rate limiter shared across all attempts (single-owner
// server, so there is no per-caller key to partition by).
type Exchanger struct {
	store   *Store
	limiter *rate.Limiter
}

// NewExchanger builds an Exchanger whose failure budget holds burst
// invalid attempts before replenishing one slot every replenish interval.
// Spec suggests burst in the 5-8 range.
func NewExchanger(store *Store, burst int, replenish time.Duration) *Exchanger {
	if burst <= 0 {
		burst = 6
	}
	if replenish <= 0 {
		replenish = 10 * time.Second
	}
	return &Exchanger{
		store:   store,
		limiter: rate.NewLimiter(rate.Every(replenish), burst),
	}
}

// Exchange redeems pairingToken for a new device token named deviceName.
// A valid token always succeeds. An invalid one consumes one slot from the
// failure budget; once that budget is exhausted, further invalid attempts
// are rejected with ErrRateLimited instead of ErrInvalidToken until it
// replenishes (spec §6 only requires rate-limiting repeated invalids).
func (e *Exchanger) Exchange(pairingToken, deviceName string) (string, error) {
	if !e.store.redeem(pairingToken, time.Now()) {
		if !e.limiter.Allow() {
			return "", ErrRateLimited
		}
		return "", ErrInvalidToken
	}
	return e.store.issueDeviceToken(deviceName)
}
