package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Freshness classifies a cached entry relative to its age.
type Freshness int

const (
	// Fresh entries are served directly.
	Fresh Freshness = iota

	// Stale entries are past their TTL but inside the stale window;
	// they may be served while a background revalidation runs.
	Stale

	// Expired entries are past the stale window and must not be
	// served.
	Expired
)

// String returns the freshness name.
func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Entry is a cached response document.
type Entry struct {
	// Body is the response payload.
	Body []byte `json:"body"`

	// StatusCode is the upstream HTTP status.
	StatusCode int `json:"statusCode"`

	// Headers holds the response headers captured at store time.
	Headers map[string]string `json:"headers,omitempty"`

	// CreatedAt is when the entry was stored.
	CreatedAt time.Time `json:"createdAt"`

	// TTL is the freshness lifetime.
	TTL time.Duration `json:"ttl"`

	// StaleWindow is how long past the TTL the entry remains
	// servable while being revalidated.
	StaleWindow time.Duration `json:"staleWindow"`

	// ETag is the strong validator for conditional requests.
	ETag string `json:"etag,omitempty"`

	// LastModified backs If-Modified-Since checks. Truncated to
	// seconds to match HTTP date resolution.
	LastModified time.Time `json:"lastModified"`

	// Tags name the data dependencies used for invalidation.
	Tags []string `json:"tags,omitempty"`
}

// Classify returns the entry's freshness at the given time. Fresh
// while age < ttl, stale while ttl <= age < ttl+staleWindow, expired
// from ttl+staleWindow on.
func (e *Entry) Classify(now time.Time) Freshness {
	age := now.Sub(e.CreatedAt)
	switch {
	case age < e.TTL:
		return Fresh
	case age < e.TTL+e.StaleWindow:
		return Stale
	default:
		return Expired
	}
}

// Age returns the entry's age at the given time, never negative.
func (e *Entry) Age(now time.Time) time.Duration {
	age := now.Sub(e.CreatedAt)
	if age < 0 {
		return 0
	}
	return age
}

// ComputeETag derives a strong validator from the body content.
func ComputeETag(body []byte) string {
	hash := sha256.Sum256(body)
	return `"` + hex.EncodeToString(hash[:16]) + `"`
}
