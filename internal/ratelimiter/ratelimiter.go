// Package ratelimiter throttles handshake processing per source
// address using token buckets. Entries are garbage collected once a
// source goes quiet.
package ratelimiter

import (
	"net/netip"
	"sync"
	"time"
)

const (
	packetsPerSecond = 20
	packetsBurstable = 5
	packetCost       = int64(time.Second) / packetsPerSecond
	maxTokens        = packetCost * packetsBurstable

	// entryExpiry is how long a quiet source keeps its bucket.
	entryExpiry = time.Second
)

type bucket struct {
	mu       sync.Mutex
	lastTime time.Time
	tokens   int64
}

// Ratelimiter tracks a token bucket per remote address. The zero
// value is not usable; call New.
type Ratelimiter struct {
	mu      sync.RWMutex
	timeNow func() time.Time
	table   map[netip.Addr]*bucket
}

// New creates a rate limiter. timeNow may be nil, in which case the
// wall clock is used; tests inject their own.
func New(timeNow func() time.Time) *Ratelimiter {
	if timeNow == nil {
		timeNow = time.Now
	}
	return &Ratelimiter{
		timeNow: timeNow,
		table:   make(map[netip.Addr]*bucket),
	}
}

// Allow reports whether a handshake message from addr should be
// processed, consuming one token if so.
func (rl *Ratelimiter) Allow(addr netip.Addr) bool {
	rl.mu.RLock()
	entry := rl.table[addr]
	rl.mu.RUnlock()

	if entry == nil {
		entry = &bucket{
			tokens:   maxTokens - packetCost,
			lastTime: rl.timeNow(),
		}
		rl.mu.Lock()
		rl.table[addr] = entry
		rl.mu.Unlock()
		return true
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	now := rl.timeNow()
	entry.tokens += now.Sub(entry.lastTime).Nanoseconds()
	entry.lastTime = now
	if entry.tokens > maxTokens {
		entry.tokens = maxTokens
	}
	if entry.tokens >= packetCost {
		entry.tokens -= packetCost
		return true
	}
	return false
}

// Sweep drops buckets that have been idle past expiry. The owner calls
// this from its periodic tick; there is no internal goroutine.
func (rl *Ratelimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.timeNow()
	for addr, entry := range rl.table {
		entry.mu.Lock()
		idle := now.Sub(entry.lastTime) > entryExpiry
		entry.mu.Unlock()
		if idle {
			delete(rl.table, addr)
		}
	}
}

// Len returns the number of tracked sources.
func (rl *Ratelimiter) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.table)
}
