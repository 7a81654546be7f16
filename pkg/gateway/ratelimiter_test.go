package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFrameRateLimiter_Allow(t *testing.T) {
	t.Run("should allow frames under limit", func(t *testing.T) {
		limiter := NewFrameRateLimiter(5)

		for i := 0; i < 5; i++ {
			assert.True(t, limiter.Allow())
		}
		assert.Equal(t, 5, limiter.Count())
	})

	t.Run("should reject when limit exceeded", func(t *testing.T) {
		limiter := NewFrameRateLimiter(3)

		for i := 0; i < 3; i++ {
			limiter.Allow()
		}
		assert.False(t, limiter.Allow())
		// rejected frames are not recorded
		assert.Equal(t, 3, limiter.Count())
	})

	t.Run("should allow frames after window slides", func(t *testing.T) {
		now := time.Now()
		limiter := NewFrameRateLimiter(2)
		limiter.now = func() time.Time { return now }

		assert.True(t, limiter.Allow())
		assert.True(t, limiter.Allow())
		assert.False(t, limiter.Allow())

		now = now.Add(rateWindow + time.Second)
		assert.True(t, limiter.Allow())
		assert.Equal(t, 1, limiter.Count())
	})

	t.Run("should not limit when disabled", func(t *testing.T) {
		limiter := NewFrameRateLimiter(0)
		for i := 0; i < 100; i++ {
			assert.True(t, limiter.Allow())
		}
	})
}

func TestFrameRateLimiter_SetLimit(t *testing.T) {
	limiter := NewFrameRateLimiter(1)
	assert.True(t, limiter.Allow())
	assert.False(t, limiter.Allow())

	limiter.SetLimit(2)
	assert.True(t, limiter.Allow())
}

func TestFrameRateLimiter_Concurrent(t *testing.T) {
	limiter := NewFrameRateLimiter(50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}
