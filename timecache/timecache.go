// Package timecache remembers keys for a fixed duration.
package timecache

import (
	"sync"
	"time"

	"github.com/filecoin-project/go-clock"
)

// TimeCache remembers keys for a fixed TTL. Re-adding a key does not extend
// its lifetime. Expired entries are dropped by Sweep.
type TimeCache[K comparable] struct {
	clock clock.Clock

	lk  sync.Mutex
	m   map[K]time.Time
	ttl time.Duration
}

// New creates an empty cache whose entries live for ttl on clk.
func New[K comparable](clk clock.Clock, ttl time.Duration) *TimeCache[K] {
	return &TimeCache[K]{
		clock: clk,
		m:     make(map[K]time.Time),
		ttl:   ttl,
	}
}

// Has reports whether key was added and has not expired yet.
func (tc *TimeCache[K]) Has(key K) bool {
	tc.lk.Lock()
	defer tc.lk.Unlock()

	expiry, ok := tc.m[key]
	return ok && !expiry.Before(tc.clock.Now())
}

// Add remembers key. It reports false if key was already present.
func (tc *TimeCache[K]) Add(key K) bool {
	tc.lk.Lock()
	defer tc.lk.Unlock()

	if expiry, ok := tc.m[key]; ok && !expiry.Before(tc.clock.Now()) {
		return false
	}
	tc.m[key] = tc.clock.Now().Add(tc.ttl)
	return true
}

// Len returns the number of entries, including expired ones not yet swept.
func (tc *TimeCache[K]) Len() int {
	tc.lk.Lock()
	defer tc.lk.Unlock()
	return len(tc.m)
}

// Sweep drops the entries that expired before now.
func (tc *TimeCache[K]) Sweep(now time.Time) {
	tc.lk.Lock()
	defer tc.lk.Unlock()

	for k, expiry := range tc.m {
		if expiry.Before(now) {
			delete(tc.m, k)
		}
	}
}
