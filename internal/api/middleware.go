package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"example.com/backstage/services/dispenser/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	deviceKey  = "device"
	patientKey = "patient_id"
)

// RequestLogger logs HTTP requests
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		latency := time.Since(start)
		if raw != "" {
			path = path + "?" + raw
		}

		entry := logger.WithFields(logrus.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
			"method":     c.Request.Method,
			"path":       path,
			"user_agent": c.Request.UserAgent(),
		})
		if code := c.Param("code"); code != "" {
			entry = entry.WithField("device_code", code)
		}
		entry.Info("HTTP Request")
	}
}

// DeviceLookup rejects requests for unknown device codes and stores the
// resolved device in the context.
func DeviceLookup(devices *core.DeviceRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Param("code")
		if code == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "device code required"})
			c.Abort()
			return
		}

		device, err := devices.Lookup(c.Request.Context(), code)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			c.Abort()
			return
		}

		c.Set(deviceKey, device)
		c.Next()
	}
}

// PatientParam parses the patient id from the path.
func PatientParam() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("patient_id"), 10, 32)
		if err != nil || id == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid patient_id"})
			c.Abort()
			return
		}

		c.Set(patientKey, uint(id))
		c.Next()
	}
}

// CORS enables cross-origin requests
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
		c.Writer.Header().Set("Access-Control-Max-Age", "300")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// WindowCounter counts hits in a fixed window. The Redis cache implements it.
type WindowCounter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)
}

// memoryCounter is the per-process fallback used when Redis is disabled or
// unreachable.
type memoryCounter struct {
	mu      sync.Mutex
	clients map[string]*rateLimitClient
	now     func() time.Time
}

type rateLimitClient struct {
	lastReset time.Time
	requests  int64
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{clients: make(map[string]*rateLimitClient), now: time.Now}
}

func (m *memoryCounter) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	client, ok := m.clients[key]
	if !ok || now.Sub(client.lastReset) > window {
		client = &rateLimitClient{lastReset: now}
		m.clients[key] = client
	}
	client.requests++
	return client.requests, nil
}

// RateLimiter limits requests per client IP. A nil counter or a counter
// error falls back to in-process counting.
func RateLimiter(counter WindowCounter, limit int, window time.Duration, logger *logrus.Logger) gin.HandlerFunc {
	fallback := newMemoryCounter()
	if limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if window <= 0 {
		window = time.Minute
	}

	return func(c *gin.Context) {
		key := "ratelimit:" + c.ClientIP()

		var (
			n   int64
			err error
		)
		if counter != nil {
			n, err = counter.IncrWindow(c.Request.Context(), key, window)
			if err != nil {
				logger.WithError(err).Warn("Rate limit counter unavailable, using local counter")
			}
		}
		if counter == nil || err != nil {
			n, _ = fallback.IncrWindow(c.Request.Context(), key, window)
		}

		if n > int64(limit) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": int(window.Seconds()),
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Recovery handles panics and prevents server crashes
func Recovery(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithFields(logrus.Fields{
					"error":  err,
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				}).Error("Panic recovered")

				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}
