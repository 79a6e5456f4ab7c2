package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for expiration
	// checks. It prevents false invalid_grant responses caused by minor time
	// drift between the hosts that created and redeem a grant. 5 seconds
	// covers typical NTP drift while keeping the lifetime extension small.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks whether expiresAt has passed at instant now, with the
// default clock skew grace period
func IsExpired(expiresAt, now time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, now, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks whether expiresAt has passed at instant now
// with a custom grace period. A zero expiresAt never expires.
func IsExpiredWithGracePeriod(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}
