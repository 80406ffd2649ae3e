package cache

import (
	"context"
	"sync"
	"time"

	"github.com/tenantgate/tenantgate/internal/observability"
)

// RecomputeFunc rebuilds a cache entry from the source of truth.
type RecomputeFunc func(ctx context.Context) (*Entry, error)

// RevalidationScheduler refreshes stale entries in the background. At
// most one revalidation runs per fingerprint at a time; callers keep
// serving the stale copy while it runs. Each attempt is detached from
// the request context and bounded by a timeout; a failed attempt is
// logged and the stale entry retained.
type RevalidationScheduler struct {
	cache   *ResponseCache
	logger  observability.Logger
	timeout time.Duration

	inflight sync.Map
	wg       sync.WaitGroup
}

// defaultRevalidationTimeout bounds a single recompute attempt.
const defaultRevalidationTimeout = 30 * time.Second

// NewRevalidationScheduler creates a scheduler writing refreshed
// entries back through the given cache.
func NewRevalidationScheduler(cache *ResponseCache, timeout time.Duration, logger observability.Logger) *RevalidationScheduler {
	if timeout <= 0 {
		timeout = defaultRevalidationTimeout
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RevalidationScheduler{
		cache:   cache,
		logger:  logger,
		timeout: timeout,
	}
}

// Schedule starts a background revalidation for the fingerprint unless
// one is already running. It never blocks; the return value reports
// whether a new attempt was started.
func (s *RevalidationScheduler) Schedule(fingerprint string, recompute RecomputeFunc) bool {
	if _, loaded := s.inflight.LoadOrStore(fingerprint, struct{}{}); loaded {
		return false
	}

	s.wg.Add(1)
	go s.run(fingerprint, recompute)
	return true
}

// InFlight reports whether a revalidation is currently running for the
// fingerprint.
func (s *RevalidationScheduler) InFlight(fingerprint string) bool {
	_, ok := s.inflight.Load(fingerprint)
	return ok
}

// Drain waits for all running revalidations to finish or the context
// to expire.
func (s *RevalidationScheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RevalidationScheduler) run(fingerprint string, recompute RecomputeFunc) {
	defer s.wg.Done()
	defer s.inflight.Delete(fingerprint)
	defer func() {
		if r := recover(); r != nil {
			cacheRevalidationsTotal.WithLabelValues("panic").Inc()
			s.logger.Error("panic during cache revalidation",
				observability.String("fingerprint", fingerprint),
				observability.Any("panic", r),
			)
		}
	}()

	// Detached from the request that noticed staleness; the requester
	// is not waiting for this.
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	entry, err := recompute(ctx)
	if err != nil {
		cacheRevalidationsTotal.WithLabelValues("failure").Inc()
		s.logger.Warn("cache revalidation failed, keeping stale entry",
			observability.String("fingerprint", fingerprint),
			observability.Error(err),
		)
		return
	}

	if err := s.cache.Store(ctx, fingerprint, entry); err != nil {
		cacheRevalidationsTotal.WithLabelValues("failure").Inc()
		s.logger.Warn("failed to store revalidated entry",
			observability.String("fingerprint", fingerprint),
			observability.Error(err),
		)
		return
	}

	cacheRevalidationsTotal.WithLabelValues("success").Inc()
	s.logger.Debug("cache entry revalidated",
		observability.String("fingerprint", fingerprint),
	)
}
