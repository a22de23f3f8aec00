package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Keyed hands out one token-bucket limiter per key (client IP, target host).
type Keyed struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewKeyed(perSecond float64, burst int) *Keyed {
	if burst < 1 {
		burst = 1
	}
	return &Keyed{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

// PerMinute builds a limiter set allowing requestsPerMinute with a tenth of it as burst.
func PerMinute(requestsPerMinute int) *Keyed {
	return NewKeyed(float64(requestsPerMinute)/60.0, requestsPerMinute/10)
}

func (k *Keyed) Get(key string) *rate.Limiter {
	k.mu.RLock()
	limiter, exists := k.limiters[key]
	k.mu.RUnlock()

	if exists {
		return limiter
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := k.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(k.rate, k.burst)
	k.limiters[key] = limiter

	return limiter
}

func (k *Keyed) Allow(key string) bool {
	return k.Get(key).Allow()
}

// Wait blocks until key may proceed or ctx is done.
func (k *Keyed) Wait(ctx context.Context, key string) error {
	return k.Get(key).Wait(ctx)
}
