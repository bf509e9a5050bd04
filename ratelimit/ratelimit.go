// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RequesterLimiter throttles group key requests per requester address.
// A misbehaving subscriber cannot make a publisher spend unbounded RSA work.
type RequesterLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Config holds key request rate limiting settings.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // requests per second per requester
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for idle requesters
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Rate:            1,
		Burst:           10,
		CleanupInterval: 5 * time.Minute,
	}
}

// New creates a limiter from cfg. A disabled config yields nil, which allows everything.
func New(cfg Config) *RequesterLimiter {
	if !cfg.Enabled {
		return nil
	}
	return NewRequesterLimiter(cfg.Rate, cfg.Burst, cfg.CleanupInterval)
}

// NewRequesterLimiter creates a limiter allowing r requests per second with
// the given burst per requester.
func NewRequesterLimiter(r float64, burst int, cleanupInterval time.Duration) *RequesterLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &RequesterLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a request from address may be served now.
func (l *RequesterLimiter) Allow(address string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	e, ok := l.limiters[address]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[address] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove forgets the limiter of address.
func (l *RequesterLimiter) Remove(address string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, address)
}

// Len returns the number of tracked requesters.
func (l *RequesterLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *RequesterLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now())
		case <-l.stopCh:
			return
		}
	}
}

func (l *RequesterLimiter) removeStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(-l.cleanup * 2)
	for addr, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, addr)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *RequesterLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
}
