package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RequestLogger logs one line per request with the zap logger.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Int("size", c.Writer.Size()),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			logger.Error("request failed", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("request rejected", fields...)
		default:
			logger.Info("request served", fields...)
		}
	}
}

// idleLimiterTTL is how long a client's bucket is kept after its last request.
const idleLimiterTTL = 10 * time.Minute

type clientLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	mu    sync.Mutex
	store *gocache.Cache
}

// newClientLimiter keeps one token bucket per client and evicts buckets idle
// for longer than ttl. ttl is raised to the bucket's full refill time so an
// evicted client never gets more tokens back than it would have regained.
func newClientLimiter(limit rate.Limit, burst int, ttl time.Duration) *clientLimiter {
	if refill := time.Duration(float64(burst) / float64(limit) * float64(time.Second)); refill > ttl {
		ttl = refill
	}
	return &clientLimiter{
		limit: limit,
		burst: burst,
		ttl:   ttl,
		store: gocache.New(ttl, ttl),
	}
}

func (l *clientLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.store.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
	}
	l.store.Set(ip, limiter, l.ttl)
	return limiter.(*rate.Limiter)
}

// RateLimit allows perSecond requests per client IP with the given burst.
// A non-positive perSecond returns nil, which RegisterRoutes treats as no limit.
func RateLimit(perSecond float64, burst int, logger *zap.Logger) gin.HandlerFunc {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	limiter := newClientLimiter(rate.Limit(perSecond), burst, idleLimiterTTL)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiter.limiterFor(ip).Allow() {
			logger.Warn("too many requests", zap.String("client_ip", ip))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// SentryHub attaches a per-request clone of the current Sentry hub to the
// request context and reports panics before handing them to gin.Recovery.
func SentryHub() gin.HandlerFunc {
	return func(c *gin.Context) {
		hub := sentry.CurrentHub().Clone()
		hub.Scope().SetRequest(c.Request)
		c.Request = c.Request.WithContext(sentry.SetHubOnContext(c.Request.Context(), hub))

		defer func() {
			if recovered := recover(); recovered != nil {
				hub.RecoverWithContext(c.Request.Context(), recovered)
				panic(recovered)
			}
		}()
		c.Next()
	}
}
