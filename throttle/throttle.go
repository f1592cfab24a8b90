// Package throttle implements a per-source-IP request rate limiter, owned
// solely by the socket accept task so it never needs its own locking
// beyond what guards its internal state against the occasional
// age-out call from the event loop's maintenance tick.
package throttle

import (
	"net"
	"sync"
	"time"

	"github.com/decred/dcrd/lru"
)

type windowState struct {
	count       int
	windowStart time.Time
}

// Throttler bounds how many requests per window a single source IP may
// make before Allow starts reporting false. The set of IPs it actively
// tracks is itself bounded via an LRU cache, so a flood of spoofed source
// addresses can't grow its memory use without limit.
type Throttler struct {
	mu     sync.Mutex
	hot    *lru.Cache
	states map[string]*windowState
	limit  int
	window time.Duration
}

// New creates a Throttler tracking up to capacity distinct source IPs at
// once, each allowed up to limit requests per window.
func New(capacity uint, limit int, window time.Duration) *Throttler {
	return &Throttler{
		hot:    lru.NewCache(capacity),
		states: make(map[string]*windowState),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether a request from ip should be processed, bumping
// its per-window counter whether or not it is. The window resets lazily:
// the first call after a window elapses starts a fresh count rather than
// accruing negative debt.
func (t *Throttler) Allow(ip net.IP) bool {
	key := ip.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.hot.Add(key)
	st, ok := t.states[key]
	now := time.Now()
	if !ok {
		st = &windowState{windowStart: now}
		t.states[key] = st
	}
	if now.Sub(st.windowStart) >= t.window {
		st.count = 0
		st.windowStart = now
	}
	st.count++
	return st.count <= t.limit
}

// Age drops tracked state for any IP the LRU cache has since evicted,
// keeping the states map from drifting larger than the cache's capacity
// over a long-running process. The event loop calls this on the same
// maintenance tick it uses for bucket pruning.
func (t *Throttler) Age() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.states {
		if !t.hot.Contains(k) {
			delete(t.states, k)
		}
	}
}
