package api

import (
	"math"
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter is a per-client sliding-window limiter keyed by IP.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	hits     map[string][]time.Time
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter allowing perMinute requests per IP. A
// non-positive perMinute disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	rl := &RateLimiter{
		limit: perMinute,
		hits:  make(map[string][]time.Time),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go rl.cleanupLoop(5 * time.Minute)
	return rl
}

// Allow records a request from ip and reports whether it is within the limit.
// When it is not, retryAfter is the number of whole seconds until the oldest
// request in the window expires.
func (rl *RateLimiter) Allow(ip string) (ok bool, retryAfter int) {
	if rl.limit <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	recent := prune(rl.hits[ip], now)
	if len(recent) >= rl.limit {
		rl.hits[ip] = recent
		wait := rateWindow - now.Sub(recent[0])
		return false, int(math.Ceil(wait.Seconds()))
	}
	rl.hits[ip] = append(recent, now)
	return true, 0
}

func prune(hits []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(hits) && now.Sub(hits[i]) >= rateWindow {
		i++
	}
	return hits[i:]
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, hits := range rl.hits {
		if recent := prune(hits, now); len(recent) == 0 {
			delete(rl.hits, ip)
		} else {
			rl.hits[ip] = recent
		}
	}
}

// Stop ends the background cleanup.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}
