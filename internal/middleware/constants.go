// Package middleware provides the HTTP integration layer for admission
// control and response caching.
package middleware

// HTTP header constants.
const (
	// HeaderContentType is the Content-Type header name.
	HeaderContentType = "Content-Type"

	// HeaderRetryAfter is the Retry-After header name.
	HeaderRetryAfter = "Retry-After"

	// HeaderXRequestID is the X-Request-ID header name.
	HeaderXRequestID = "X-Request-ID"

	// HeaderRateLimitLimit reports the effective limit of the binding
	// window.
	HeaderRateLimitLimit = "X-RateLimit-Limit"

	// HeaderRateLimitRemaining reports how many requests remain in the
	// binding window.
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"

	// HeaderRateLimitReset reports the binding window's reset time as
	// epoch milliseconds.
	HeaderRateLimitReset = "X-RateLimit-Reset"

	// HeaderRateLimitWarning reports the progressive warning level.
	HeaderRateLimitWarning = "X-RateLimit-Warning"

	// HeaderXCache reports the cache outcome: HIT, STALE, or MISS.
	HeaderXCache = "X-Cache"

	// HeaderCacheControl is the Cache-Control header name.
	HeaderCacheControl = "Cache-Control"

	// HeaderETag is the ETag header name.
	HeaderETag = "ETag"

	// HeaderLastModified is the Last-Modified header name.
	HeaderLastModified = "Last-Modified"

	// HeaderVary is the Vary header name.
	HeaderVary = "Vary"

	// HeaderAge is the Age header name.
	HeaderAge = "Age"

	// HeaderIfNoneMatch is the If-None-Match header name.
	HeaderIfNoneMatch = "If-None-Match"

	// HeaderIfModifiedSince is the If-Modified-Since header name.
	HeaderIfModifiedSince = "If-Modified-Since"
)

// X-Cache outcome values.
const (
	CacheHit   = "HIT"
	CacheStale = "STALE"
	CacheMiss  = "MISS"
)

// Content type constants.
const (
	// ContentTypeJSON is the JSON content type.
	ContentTypeJSON = "application/json"
)

// Error response constants.
const (
	// ErrRateLimitExceeded is the error body for rejected requests.
	ErrRateLimitExceeded = `{"error":"rate limit exceeded"}`

	// ErrTooManyConnections is the error body for connection rejections.
	ErrTooManyConnections = `{"error":"too many concurrent connections"}`

	// ErrInternalServerError is the error body for recovered panics.
	ErrInternalServerError = `{"error":"internal server error"}`
)
