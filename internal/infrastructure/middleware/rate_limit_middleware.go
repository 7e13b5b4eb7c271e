package middleware

import (
	"net"
	"net/http"
	"sync"

	"jamlink/pkg/config"
	apperrors "jamlink/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore keeps one limiter per client IP.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
}

func newRateLimiterStore(r rate.Limit, burst int) *rateLimiterStore {
	return &rateLimiterStore{
		limiters:  make(map[string]*rate.Limiter),
		rate:      r,
		burstSize: burst,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(s.rate, s.burstSize)
		s.limiters[key] = limiter
	}
	return limiter
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := net.ParseIP(xff); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewHTTPRateLimitMiddleware returns Gin middleware applying per-IP rate
// limiting to the REST API.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	store := newRateLimiterStore(
		rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond),
		cfg.RateLimiting.HTTP.Burst,
	)

	return func(c *gin.Context) {
		limiter := store.getLimiter(clientIP(c.Request))
		if !limiter.Allow() {
			appErr := apperrors.NewAppError(apperrors.ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
			c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{"error": appErr.Message, "code": appErr.Code})
			return
		}
		c.Next()
	}
}

// NewWSConnectRateLimit wraps the signaling upgrade handler with a per-IP
// connection-rate guard. Message-level limits are not needed; the relay is
// O(room size) and rooms are small.
func NewWSConnectRateLimit(cfg *config.Config, next http.HandlerFunc) http.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return next
	}

	store := newRateLimiterStore(
		rate.Limit(cfg.RateLimiting.WebSocket.ConnectionsPerSecond),
		cfg.RateLimiting.WebSocket.Burst,
	)

	return func(w http.ResponseWriter, r *http.Request) {
		limiter := store.getLimiter(clientIP(r))
		if !limiter.Allow() {
			http.Error(w, "connection rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
