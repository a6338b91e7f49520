package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestLimiterAllow_Burst(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 5})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("test-ip"), "request %d is within the burst", i)
	}
	assert.False(t, limiter.Allow("test-ip"))
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 3})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	assert.False(t, limiter.Allow("client-a"))
	assert.True(t, limiter.Allow("client-b"))
}

func TestLimiterTokenReplenishment(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 600, BurstSize: 1}) // 10 per second
	defer limiter.Stop()

	assert.True(t, limiter.Allow("test"))
	assert.False(t, limiter.Allow("test"))

	time.Sleep(110 * time.Millisecond)
	assert.True(t, limiter.Allow("test"))
}

func TestLimiterStopIsIdempotent(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	limiter.Stop()
}

func TestMiddleware_RejectsOverLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerMinute: 1, BurstSize: 2})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Authorization", "Bearer dk_same_key")
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// A different key has its own bucket.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer dk_other_key")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConfigs(t *testing.T) {
	def := DefaultConfig()
	assert.Equal(t, 60, def.RequestsPerMinute)
	assert.Equal(t, 10, def.BurstSize)
	assert.Equal(t, time.Minute, def.CleanupInterval)

	step := StepUpConfig()
	assert.Less(t, step.RequestsPerMinute, def.RequestsPerMinute)
}
