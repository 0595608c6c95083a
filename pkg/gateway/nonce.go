package gateway

import (
	"strconv"
	"sync"
	"time"
)

// NonceGuard is the replay-protection window: a request carrying a nonce
// and timestamp is rejected when the timestamp falls outside the window or
// the nonce was already seen inside it. The seen set is bounded with FIFO
// eviction so a flood of unique nonces cannot grow it without limit.
type NonceGuard struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	seen   map[string]time.Time
	order  []string
	now    func() time.Time
}

func NewNonceGuard(window time.Duration, maxSeen int) *NonceGuard {
	if window <= 0 {
		window = 300 * time.Second
	}
	if maxSeen <= 0 {
		maxSeen = 100000
	}
	return &NonceGuard{
		window: window,
		max:    maxSeen,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (g *NonceGuard) WithClock(now func() time.Time) *NonceGuard {
	g.now = now
	return g
}

// Check validates a nonce + unix-seconds timestamp pair. Requests without
// a nonce pass: replay protection is opt-in per client, and the mandate
// and decision path stand on their own without it.
func (g *NonceGuard) Check(nonce, timestamp string) (ok bool, reason string) {
	if nonce == "" {
		return true, ""
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false, "nonce present but timestamp is not unix seconds"
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	drift := now.Sub(time.Unix(ts, 0))
	if drift < -g.window || drift > g.window {
		return false, "timestamp outside the replay window"
	}

	if seenAt, dup := g.seen[nonce]; dup && now.Sub(seenAt) <= g.window {
		return false, "nonce already seen"
	}

	g.evictExpiredLocked(now)
	for len(g.seen) >= g.max {
		oldest := g.order[0]
		g.order = g.order[1:]
		delete(g.seen, oldest)
	}
	g.seen[nonce] = now
	g.order = append(g.order, nonce)
	return true, ""
}

func (g *NonceGuard) evictExpiredLocked(now time.Time) {
	for len(g.order) > 0 {
		oldest := g.order[0]
		if seenAt, ok := g.seen[oldest]; ok && now.Sub(seenAt) <= g.window {
			return
		}
		g.order = g.order[1:]
		delete(g.seen, oldest)
	}
}
