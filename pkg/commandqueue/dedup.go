package commandqueue

import (
	"context"
	"sync"
	"time"
)

type dedupEntry struct {
	result    taskResult
	timestamp time.Time
}

// dedupCache holds successful task results keyed by lane and dedup key for a bounded time
type dedupCache struct {
	entries map[string]map[string]*dedupEntry
	ttl     time.Duration
	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(ctx)
	cache := &dedupCache{
		entries: make(map[string]map[string]*dedupEntry),
		ttl:     ttl,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go cache.cleanup(cleanupInterval(ttl))

	return cache
}

func cleanupInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

func (dc *dedupCache) Stop() {
	dc.cancel()
	<-dc.done
}

// Get retrieves a cached result if it exists and is not expired
func (dc *dedupCache) Get(lane, key string) (taskResult, bool) {
	if key == "" {
		return taskResult{}, false
	}

	dc.mu.RLock()
	defer dc.mu.RUnlock()

	entry, exists := dc.entries[lane][key]
	if !exists || time.Since(entry.timestamp) > dc.ttl {
		return taskResult{}, false
	}
	return entry.result, true
}

// Set stores a result in the cache
func (dc *dedupCache) Set(lane, key string, result taskResult) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	keys, ok := dc.entries[lane]
	if !ok {
		keys = make(map[string]*dedupEntry)
		dc.entries[lane] = keys
	}
	keys[key] = &dedupEntry{result: result, timestamp: time.Now()}
}

// DropLane forgets all keys for a lane
func (dc *dedupCache) DropLane(lane string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	delete(dc.entries, lane)
}

// Size returns the number of entries in the cache
func (dc *dedupCache) Size() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	n := 0
	for _, keys := range dc.entries {
		n += len(keys)
	}
	return n
}

func (dc *dedupCache) cleanup(interval time.Duration) {
	defer close(dc.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-dc.ctx.Done():
			return
		case <-ticker.C:
			dc.mu.Lock()
			now := time.Now()
			for lane, keys := range dc.entries {
				for key, entry := range keys {
					if now.Sub(entry.timestamp) > dc.ttl {
						delete(keys, key)
					}
				}
				if len(keys) == 0 {
					delete(dc.entries, lane)
				}
			}
			dc.mu.Unlock()
		}
	}
}
