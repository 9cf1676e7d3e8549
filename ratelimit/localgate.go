package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// localGate is an in-process token-bucket pre-filter keyed by client IP,
// grounded on keithlinneman-linnemanlabs-web's internal/ratelimit.IPLimiter.
// It sits in front of the KV-backed sliding window: a burst sized to the
// tier's own limit lets any traffic the window would admit through
// untouched, but an IP blowing far past its limit gets turned away locally,
// in-process, without spending a round trip on Redis to find out. The
// sliding window below it still makes the real, distributed admission
// decision — this is purely a shed valve for the most egregious floods.
type localGate struct {
	mu       sync.Mutex
	visitors map[string]*gateVisitor
	rps      rate.Limit
	burst    int
	ttl      time.Duration
}

type gateVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newLocalGate creates a gate refilling at limit/window per second with a
// burst equal to limit, so it never rejects anything the sliding window
// itself would admit.
func newLocalGate(limit int64, window time.Duration, ttl time.Duration) *localGate {
	g := &localGate{
		visitors: make(map[string]*gateVisitor),
		rps:      rate.Limit(float64(limit) / window.Seconds()),
		burst:    int(limit),
		ttl:      ttl,
	}
	go g.evictLoop()
	return g
}

// allow reports whether ip's local token bucket has a token available,
// creating the bucket on first sight.
func (g *localGate) allow(ip string) bool {
	g.mu.Lock()
	v, ok := g.visitors[ip]
	if !ok {
		v = &gateVisitor{limiter: rate.NewLimiter(g.rps, g.burst)}
		g.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	limiter := v.limiter
	g.mu.Unlock()
	return limiter.Allow()
}

func (g *localGate) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-g.ttl)
		g.mu.Lock()
		for ip, v := range g.visitors {
			if v.lastSeen.Before(cutoff) {
				delete(g.visitors, ip)
			}
		}
		g.mu.Unlock()
	}
}
