// Package ratelimit throttles guest and realtor calls that move money or
// open disputes, keyed by the calling actor.
package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/mbd888/shortlet/internal/auth"
)

const keyPrefix = "shortlet:ratelimit"

var (
	rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "ratelimit",
		Name:      "rejected_total",
		Help:      "Requests rejected by the rate limiter, by route.",
	}, []string{"route"})

	storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shortlet",
		Subsystem: "ratelimit",
		Name:      "store_errors_total",
		Help:      "Rate limit lookups that failed and were let through.",
	})
)

func init() {
	prometheus.MustRegister(rejected, storeErrors)
}

// NewMemoryStore keeps counters in process. Each engine instance then
// enforces its own budget.
func NewMemoryStore() limiter.Store {
	return memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          keyPrefix,
		CleanUpInterval: limiter.DefaultCleanUpInterval,
	})
}

// NewRedisStore shares counters between engine instances.
func NewRedisStore(client *redis.Client) (limiter.Store, error) {
	return sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix:   keyPrefix,
		MaxRetry: 3,
	})
}

// Limiter is a fixed-window limiter per actor.
type Limiter struct {
	inner  *limiter.Limiter
	logger *slog.Logger
}

// New allows perMinute requests per key per minute.
func New(perMinute int, store limiter.Store, logger *slog.Logger) *Limiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	rate := limiter.Rate{Period: time.Minute, Limit: int64(perMinute)}
	return &Limiter{inner: limiter.New(store, rate), logger: logger}
}

// Middleware limits by actor when the request carries one and by client
// IP otherwise. Store failures let the request through.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if actor, ok := auth.GetActor(c); ok && actor.ID != "" {
			key = "actor:" + actor.String()
		}

		lc, err := l.inner.Get(c.Request.Context(), key)
		if err != nil {
			storeErrors.Inc()
			l.logger.Warn("rate limit lookup failed", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))

		if lc.Reached {
			rejected.WithLabelValues(c.FullPath()).Inc()
			retry := lc.Reset - time.Now().Unix()
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retry, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
