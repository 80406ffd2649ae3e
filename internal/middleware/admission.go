package middleware

import (
	"io"
	"net/http"
	"strconv"

	"github.com/tenantgate/tenantgate/internal/admission"
	"github.com/tenantgate/tenantgate/internal/observability"
)

// Identity headers consumed by the default extractor. In production the
// values come from the authentication layer in front of this service.
const (
	HeaderXTenantID = "X-Tenant-ID"
	HeaderXUserID   = "X-User-ID"
)

// IdentityExtractor resolves the tenant and user a request acts for.
type IdentityExtractor func(r *http.Request) (tenantID, userID string)

// HeaderIdentityExtractor reads the identity from request headers.
func HeaderIdentityExtractor(r *http.Request) (string, string) {
	return r.Header.Get(HeaderXTenantID), r.Header.Get(HeaderXUserID)
}

// Admission returns a middleware that runs the progressive multi-window
// check for every request and annotates responses with rate limit
// headers. Rejected requests get a 429 with Retry-After; requests with
// no tenant identity pass through untouched.
func Admission(
	controller *admission.Controller,
	extract IdentityExtractor,
	logger observability.Logger,
) func(http.Handler) http.Handler {
	if extract == nil {
		extract = HeaderIdentityExtractor
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, userID := extract(r)
			if tenantID == "" {
				next.ServeHTTP(w, r)
				return
			}

			scope := tenantID + ":" + r.Method + ":" + r.URL.Path

			pr, err := controller.CheckProgressive(r.Context(), scope, tenantID, userID)
			if err != nil && pr == nil {
				logger.Error("admission check failed",
					observability.String("tenant", tenantID),
					observability.String("scope", scope),
					observability.Error(err),
				)
				w.Header().Set(HeaderContentType, ContentTypeJSON)
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = io.WriteString(w, ErrInternalServerError)
				return
			}
			if err != nil {
				// Store outage: the result already reflects the
				// fail-open/fail-closed policy.
				logger.Warn("admission check degraded",
					observability.String("tenant", tenantID),
					observability.Bool("allowed", pr.Allowed),
					observability.Error(err),
				)
			}

			setRateLimitHeaders(w, pr)

			if !pr.Allowed {
				if pr.Result != nil && pr.Result.RetryAfter > 0 {
					w.Header().Set(HeaderRetryAfter,
						strconv.Itoa(int(pr.Result.RetryAfter.Seconds())))
				}
				w.Header().Set(HeaderContentType, ContentTypeJSON)
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, ErrRateLimitExceeded)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// setRateLimitHeaders writes the X-RateLimit-* headers from the binding
// window's result.
func setRateLimitHeaders(w http.ResponseWriter, pr *admission.ProgressiveResult) {
	result := pr.Result
	if result == nil {
		return
	}

	w.Header().Set(HeaderRateLimitLimit, strconv.Itoa(result.Limit))
	w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(result.Remaining))
	if !result.ResetTime.IsZero() {
		w.Header().Set(HeaderRateLimitReset,
			strconv.FormatInt(result.ResetTime.UnixMilli(), 10))
	}
	if pr.WarningLevel > 0 {
		w.Header().Set(HeaderRateLimitWarning, strconv.Itoa(pr.WarningLevel))
	}
}
