package kernel

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// Rate Limit Config & Result
// =============================================================================

// RateLimitConfig defines the inbound limit applied to each session.
type RateLimitConfig struct {
	MessagesPerMinute int `json:"messages_per_minute"`
	BurstSize         int `json:"burst_size"`
}

// Enabled reports whether the config limits anything.
func (c RateLimitConfig) Enabled() bool {
	return c.MessagesPerMinute > 0
}

// RateLimitResult represents the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// =============================================================================
// Rate Limiter
// =============================================================================

type sessionBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per session, so one flooding customer
// cannot monopolise the generation budget.
type RateLimiter struct {
	config  RateLimitConfig
	buckets map[string]*sessionBucket
	mu      sync.Mutex
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	return &RateLimiter{
		config:  cfg,
		buckets: make(map[string]*sessionBucket),
		now:     time.Now,
	}
}

// Check records one inbound message for sessionID.
func (r *RateLimiter) Check(sessionID string) RateLimitResult {
	if !r.config.Enabled() {
		return RateLimitResult{Allowed: true}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[sessionID]
	if !ok {
		perSecond := rate.Limit(float64(r.config.MessagesPerMinute) / 60.0)
		b = &sessionBucket{limiter: rate.NewLimiter(perSecond, r.config.BurstSize)}
		r.buckets[sessionID] = b
	}
	b.lastSeen = now

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return RateLimitResult{Allowed: false}
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return RateLimitResult{Allowed: false, RetryAfter: delay}
	}
	return RateLimitResult{Allowed: true}
}

// Reset drops the bucket of sessionID.
func (r *RateLimiter) Reset(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buckets, sessionID)
}

// CleanupExpired drops buckets idle for longer than maxIdle.
// Should be called periodically to prevent memory growth.
func (r *RateLimiter) CleanupExpired(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxIdle)
	cleaned := 0
	for id, b := range r.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(r.buckets, id)
			cleaned++
		}
	}
	return cleaned
}

// Len returns the number of tracked sessions.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
