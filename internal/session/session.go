// Package session implements the dual-backend session subsystem: a keyed
// TTL store behind the Store interface (memory or sqlite primary) and a
// Manager that owns id generation, optimistic versioning, fingerprint
// validation, and the audit trail.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"
)

// Record is the server-side session state persisted in the Store.
type Record struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	PlatformConnectionID string    `json:"platform_connection_id,omitempty"`
	CSRFToken            string    `json:"csrf_token"`
	Fingerprint          string    `json:"fingerprint,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	LastActivity         time.Time `json:"last_activity"`
	Version              int64     `json:"version"`
}

// NewID returns a 256-bit cryptographically random session id. Session ids
// are capability tokens; uuids are not unguessable enough.
func NewID() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// NewCSRFToken returns a random double-submit token.
func NewCSRFToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Fingerprint hashes the user agent and the IP class of the remote address.
// Only the /24 (or /48 for IPv6) prefix participates so that NAT churn and
// mobile hops within one network do not invalidate the session.
func Fingerprint(userAgent, remoteAddr string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	class := host
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			class = fmt.Sprintf("%d.%d.%d.0/24", v4[0], v4[1], v4[2])
		} else {
			class = ip.Mask(net.CIDRMask(48, 128)).String() + "/48"
		}
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(userAgent) + "|" + class))
	return hex.EncodeToString(sum[:16])
}
