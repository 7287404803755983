package session

import "errors"

var (
	// ErrSessionNotFound means the id references no stored session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired means the session existed but its TTL lapsed, or
	// the id is unknown to the live store. Callers re-authenticate.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionSecurityViolation means the request fingerprint did not
	// match the stored one. The session is destroyed before this surfaces.
	ErrSessionSecurityViolation = errors.New("session security violation")

	// ErrStoreUnavailable means the backing store could not be reached.
	// Callers choose degraded-mode behavior; nothing retries transparently.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrVersionConflict means an optimistic update lost the version race
	// after internal retries were exhausted.
	ErrVersionConflict = errors.New("session version conflict")
)
