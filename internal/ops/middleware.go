package ops

import (
	"bytes"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

type cachedResponse struct {
	status  int
	headers http.Header
	body    []byte
}

type bodyCacheWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w bodyCacheWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w bodyCacheWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Cached is a middleware for in-memory caching of GET requests. Status
// endpoints are polled by dashboards; caching keeps them from hammering the
// store.
func Cached(store *cache.Cache, duration time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := c.Request.RequestURI
		if resp, found := store.Get(key); found {
			cached := resp.(cachedResponse)
			c.Writer.WriteHeader(cached.status)
			for k, v := range cached.headers {
				c.Writer.Header()[k] = v
			}
			c.Writer.Write(cached.body)
			c.Abort()
			return
		}

		blw := &bodyCacheWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		// Only cache successful responses
		if blw.Status() >= 200 && blw.Status() < 300 {
			response := cachedResponse{
				status:  blw.Status(),
				headers: blw.Header().Clone(),
				body:    blw.body.Bytes(),
			}
			store.Set(key, response, duration)
		}
	}
}

type ipRateLimiter struct {
	ips map[string]*rate.Limiter
	mu  sync.RWMutex
	r   rate.Limit
	b   int
}

func (i *ipRateLimiter) limiter(ip string) *rate.Limiter {
	i.mu.RLock()
	limiter, exists := i.ips[ip]
	i.mu.RUnlock()
	if exists {
		return limiter
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if limiter, exists := i.ips[ip]; exists {
		return limiter
	}
	limiter = rate.NewLimiter(i.r, i.b)
	i.ips[ip] = limiter
	return limiter
}

// RateLimited is a middleware for IP-based rate limiting.
func RateLimited(r rate.Limit, b int) gin.HandlerFunc {
	limiter := &ipRateLimiter{ips: make(map[string]*rate.Limiter), r: r, b: b}
	return func(c *gin.Context) {
		if !limiter.limiter(c.ClientIP()).Allow() {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}
