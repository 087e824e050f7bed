package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter provides per-API-key rate limiting. Entries are created
// on first use and dropped after a quiet period so the map cannot grow
// without bound.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry

	cleanupInterval time.Duration
	entryTTL        time.Duration
	stopCleanup     chan struct{}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewKeyedLimiter starts the cleanup goroutine; call Stop to end it.
func NewKeyedLimiter() *KeyedLimiter {
	kl := &KeyedLimiter{
		limiters:        make(map[string]*limiterEntry),
		cleanupInterval: 5 * time.Minute,
		entryTTL:        10 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go kl.cleanupLoop()
	return kl
}

// Allow checks whether the key may make another request at rpm
// requests per minute, and returns the tokens still available.
func (kl *KeyedLimiter) Allow(key string, rpm int) (allowed bool, remaining int) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	entry, ok := kl.limiters[key]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		}
		kl.limiters[key] = entry
	}
	entry.lastAccess = time.Now()

	allowed = entry.limiter.Allow()
	remaining = int(entry.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining
}

func (kl *KeyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(kl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			kl.cleanup()
		case <-kl.stopCleanup:
			return
		}
	}
}

func (kl *KeyedLimiter) cleanup() {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	cutoff := time.Now().Add(-kl.entryTTL)
	for key, entry := range kl.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(kl.limiters, key)
		}
	}
}

// Stop ends the cleanup goroutine.
func (kl *KeyedLimiter) Stop() {
	close(kl.stopCleanup)
}
