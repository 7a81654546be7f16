package commandqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupCache_Shutdown(t *testing.T) {
	cache := newDedupCache(context.Background(), 50*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		cache.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatalf("dedup cache cleanup did not stop within timeout")
	}
}

func TestDedupCache_Expiry(t *testing.T) {
	cache := newDedupCache(context.Background(), 20*time.Millisecond)
	defer cache.Stop()

	cache.Set("s1", "k", taskResult{value: "v"})
	got, ok := cache.Get("s1", "k")
	assert.True(t, ok)
	assert.Equal(t, "v", got.value)

	assert.Eventually(t, func() bool { return cache.Size() == 0 }, time.Second, 5*time.Millisecond)
	_, ok = cache.Get("s1", "k")
	assert.False(t, ok)
}

func TestDedupCache_DropLane(t *testing.T) {
	cache := newDedupCache(context.Background(), time.Minute)
	defer cache.Stop()

	cache.Set("s1", "k", taskResult{})
	cache.Set("s2", "k", taskResult{})
	cache.DropLane("s1")

	_, ok := cache.Get("s1", "k")
	assert.False(t, ok)
	assert.Equal(t, 1, cache.Size())
}
