// Copyright 2025 Certen Protocol

package server

import (
	"sync"
	"time"
)

// rateLimiter is a minimal token-bucket limiter for the optional prove
// proxy. The proxy is a single stateless indexer concern, not a shared
// infra component, so a small in-process bucket is enough.
type rateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	last       time.Time
}

func newRateLimiter(perSecond int) *rateLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &rateLimiter{
		tokens:     float64(perSecond),
		maxTokens:  float64(perSecond),
		refillRate: float64(perSecond),
		last:       time.Now(),
	}
}

func (r *rateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.last).Seconds()
	r.last = now

	r.tokens += elapsed * r.refillRate
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}
