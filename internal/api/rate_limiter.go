package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"

	apperrors "github.com/job-pipeline/internal/errors"
	"github.com/job-pipeline/internal/types"
	"golang.org/x/time/rate"
)

// RateLimiter manages rate limiting for API requests. Staff get a higher limit than
// pilots, clients and anonymous callers.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	defaultLimit rate.Limit
	staffLimit   rate.Limit

	// Burst size (number of requests that can be made in a burst)
	burstSize int
}

// NewRateLimiter creates a new rate limiter. A non-positive rate disables limiting for that tier.
func NewRateLimiter(defaultRPS, staffRPS int) *RateLimiter {
	return &RateLimiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultLimit: toLimit(defaultRPS),
		staffLimit:   toLimit(staffRPS),
		burstSize:    10,
	}
}

func toLimit(rps int) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// getLimiter returns the limiter for one caller. The limit is fixed when the caller is first seen.
func (rl *RateLimiter) getLimiter(key string, staff bool) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	limit := rl.defaultLimit
	if staff {
		limit = rl.staffLimit
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check in case another goroutine created it
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	burst := rl.burstSize
	if limit != rate.Inf && int(limit) > burst {
		burst = int(limit)
	}
	limiter = rate.NewLimiter(limit, burst)
	rl.limiters[key] = limiter

	return limiter
}

// RateLimitMiddleware creates a middleware that enforces rate limiting. It runs after
// ActorMiddleware; anonymous callers are keyed by remote IP.
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, staff := "ip:"+remoteIP(r), false
			if actor, ok := ActorFromContext(r.Context()); ok {
				key = "user:" + strconv.FormatInt(actor.ID, 10)
				staff = actor.HasAnyRole(types.RoleAdmin, types.RoleManager)
			}

			limiter := rl.getLimiter(key, staff)
			if !limiter.Allow() {
				respondServiceError(w, r, apperrors.NewRateLimitError(float64(limiter.Limit())))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
