package middleware

import (
	"net/http"
	"sync"
	"time"

	"pushwatch/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
)

// PrincipalKey is the gin context key holding the authenticated services.Principal
const PrincipalKey = "pushwatch.principal"

// Authenticator validates a bearer token
type Authenticator interface {
	Authenticate(token string) (services.Principal, error)
}

// limiterIdleTTL is how long an IP may stay silent before its limiter is
// dropped. Any bucket is full again long before that.
const limiterIdleTTL = 10 * time.Minute

// RateLimiter implements token bucket rate limiting per IP
type RateLimiter struct {
	limiters  map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
	mu        sync.Mutex
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond requests per IP with a burst of twice that
func NewRateLimiter(perSecond float64) *RateLimiter {
	burst := int(perSecond * 2)
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters:  make(map[string]*clientLimiter),
		limit:     rate.Limit(perSecond),
		burst:     burst,
		now:       time.Now,
		lastSweep: time.Now(),
	}
}

// GetLimiter gets or creates a limiter for an IP address. Limiters idle for
// longer than limiterIdleTTL are evicted along the way.
func (rl *RateLimiter) GetLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) >= limiterIdleTTL {
		for key, cl := range rl.limiters {
			if now.Sub(cl.lastSeen) >= limiterIdleTTL {
				delete(rl.limiters, key)
			}
		}
		rl.lastSweep = now
	}

	if cl, exists := rl.limiters[ip]; exists {
		cl.lastSeen = now
		return cl.limiter
	}

	cl := &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst), lastSeen: now}
	rl.limiters[ip] = cl
	return cl.limiter
}

// RateLimitMiddleware enforces rate limiting per IP
func RateLimitMiddleware(limiter *RateLimiter, sl *SecurityLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.GetLimiter(ip).Allow() {
			sl.LogRateLimited(ip, c.FullPath())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": 1,
			})
			return
		}
		c.Next()
	}
}

// BearerAuthMiddleware rejects requests without an accepted bearer token.
// allowQuery also accepts ?token= for clients that cannot set headers (WebSocket).
func BearerAuthMiddleware(auth Authenticator, sl *SecurityLogger, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := services.BearerToken(c.GetHeader("Authorization"))
		if !ok && allowQuery {
			token = c.Query("token")
		}

		principal, err := auth.Authenticate(token)
		if err != nil {
			sl.LogFailedAuth(c.ClientIP(), c.FullPath(), err.Error())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}

		c.Set(PrincipalKey, principal)
		c.Next()
	}
}

// PrincipalFrom returns the principal stored by BearerAuthMiddleware
func PrincipalFrom(c *gin.Context) (services.Principal, bool) {
	v, ok := c.Get(PrincipalKey)
	if !ok {
		return services.Principal{}, false
	}
	p, ok := v.(services.Principal)
	return p, ok
}

// SecurityHeadersMiddleware adds security headers to all responses
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Header("Content-Security-Policy", "default-src 'none'")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// RequestLogger replaces gin.Logger with structured access logs
func RequestLogger(log logr.Logger) gin.HandlerFunc {
	log = log.WithName("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		kv := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"ip", c.ClientIP(),
			"latency", time.Since(start).String(),
		}
		if len(c.Errors) > 0 {
			kv = append(kv, "errors", c.Errors.String())
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Info("request failed", kv...)
			return
		}
		log.V(1).Info("request", kv...)
	}
}

// SecurityLogger logs security events
type SecurityLogger struct {
	log logr.Logger
}

func NewSecurityLogger(log logr.Logger) *SecurityLogger {
	return &SecurityLogger{log: log.WithName("security")}
}

// LogFailedAuth logs failed authentication attempts
func (sl *SecurityLogger) LogFailedAuth(ip, path, reason string) {
	sl.log.Info("failed authentication", "ip", ip, "path", path, "reason", reason)
}

// LogRateLimited logs requests refused by the rate limiter
func (sl *SecurityLogger) LogRateLimited(ip, path string) {
	sl.log.Info("rate limit exceeded", "ip", ip, "path", path)
}

// LogStreamConnected logs live feed connections
func (sl *SecurityLogger) LogStreamConnected(ip string, principal services.Principal) {
	sl.log.Info("stream connected", "ip", ip, "principal", principal.Name, "method", principal.Method)
}
