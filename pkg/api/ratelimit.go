package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimitPolicy describes a token bucket: sustained requests per minute plus a
// burst allowance.
type LimitPolicy struct {
	RPM   int
	Burst int
}

// LimiterStore decides whether an actor may proceed.
type LimiterStore interface {
	Allow(ctx context.Context, actorID string, policy LimitPolicy, cost int) (bool, error)
}

// MemoryLimiterStore keeps one rate.Limiter per actor in process memory.
type MemoryLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMemoryLimiterStore creates an empty in-memory limiter store.
func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{limiters: make(map[string]*rate.Limiter)}
}

// Allow consumes cost tokens from the actor's bucket.
func (s *MemoryLimiterStore) Allow(_ context.Context, actorID string, policy LimitPolicy, cost int) (bool, error) {
	s.mu.Lock()
	lim, ok := s.limiters[actorID]
	if !ok {
		perSec := rate.Limit(float64(policy.RPM) / 60.0)
		if perSec <= 0 {
			perSec = 1
		}
		burst := policy.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(perSec, burst)
		s.limiters[actorID] = lim
	}
	s.mu.Unlock()

	return lim.AllowN(nowFunc(), cost), nil
}

// nowFunc is replaceable in tests.
var nowFunc = time.Now

// RateLimitMiddleware enforces per-client rate limiting at the HTTP layer.
// The actor is the remote address. Fails open when store is nil (dev mode) or
// when the store itself errors, to avoid blocking all traffic on limiter
// outages.
func RateLimitMiddleware(store LimiterStore, policy LimitPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := store.Allow(r.Context(), r.RemoteAddr, policy, 1)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				retryAfter := 60 / policy.RPM
				if retryAfter < 1 {
					retryAfter = 1
				}
				WriteTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
