package mw

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"coolvibeclub/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// KeyFunc 决定请求落入哪个令牌桶。
type KeyFunc func(c *gin.Context) string

// ByRoute 按客户端 IP + 路由模板分桶。
func ByRoute(c *gin.Context) string {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	return c.ClientIP() + "|" + path
}

// ByUser 按已认证用户分桶，必须挂在鉴权中间件之后；未认证时退回到 IP。
func ByUser(c *gin.Context) string {
	if uid := c.GetString("userID"); uid != "" {
		return "user|" + uid
	}
	return "ip|" + c.ClientIP()
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter 是按 key 维护的令牌桶集合。超过 idle 未使用的桶在下一次清扫时回收。
type Limiter struct {
	name  string
	r     rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func NewLimiter(name string, r rate.Limit, burst int, idle time.Duration) *Limiter {
	return &Limiter{
		name:    name,
		r:       r,
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow 消耗 key 对应桶中的一个令牌。
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) > l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.idle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.r, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Len 返回当前持有的桶数量。
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware 用 key 分桶限速，超限时返回 429 并附带 Retry-After。
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	retryAfter := "1"
	if l.r > 0 {
		if secs := int(1/float64(l.r) + 0.999); secs > 1 {
			retryAfter = strconv.Itoa(secs)
		}
	}
	return func(c *gin.Context) {
		k := key(c)
		if !l.Allow(k) {
			metrics.RateLimited.WithLabelValues(l.name).Inc()
			log.Debug().Str("limiter", l.name).Str("key", k).Msg("rate limited")
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

// RateLimit 是 IP + 路由维度的默认限速中间件。
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	return NewLimiter("route", r, burst, 2*time.Minute).Middleware(ByRoute)
}
