package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Fingerprint derives a deterministic cache key from the route, the
// query parameters, and the values of the vary headers. Parameter and
// header order never changes the result; two requests differing only in
// ordering share an entry, while any differing vary header value yields
// a distinct one. The sanitized route is kept as a readable prefix so
// pattern invalidation can target entries by route or entity id.
func Fingerprint(route string, query url.Values, headers http.Header, varyHeaders []string) string {
	h := sha256.New()
	h.Write([]byte(route))
	h.Write([]byte{0})

	// Zero bytes separate every name and value so that distinct value
	// lists can never collapse into the same byte stream (a=1,2 versus
	// a=1&a=2).
	params := make([]string, 0, len(query))
	for name, values := range query {
		sorted := make([]string, len(values))
		copy(sorted, values)
		sort.Strings(sorted)
		params = append(params, name+"\x00"+strings.Join(sorted, "\x00"))
	}
	sort.Strings(params)
	for _, p := range params {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}

	vary := make([]string, 0, len(varyHeaders))
	for _, name := range varyHeaders {
		canonical := http.CanonicalHeaderKey(name)
		value := ""
		if headers != nil {
			value = strings.Join(headers.Values(canonical), "\x00")
		}
		vary = append(vary, canonical+"\x00"+value)
	}
	sort.Strings(vary)
	for _, v := range vary {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}

	return sanitizeRoute(route) + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}

// sanitizeRoute strips characters that would break glob patterns or
// key conventions.
func sanitizeRoute(route string) string {
	replacer := strings.NewReplacer(
		" ", "_",
		"*", "_",
		"?", "_",
		"[", "_",
		"]", "_",
		"\n", "",
		"\r", "",
		"\t", "",
	)
	return replacer.Replace(route)
}

// FingerprintRequest derives the fingerprint for an HTTP request using
// its method-qualified path as the route.
func FingerprintRequest(r *http.Request, varyHeaders []string) string {
	return Fingerprint(r.Method+":"+r.URL.Path, r.URL.Query(), r.Header, varyHeaders)
}
