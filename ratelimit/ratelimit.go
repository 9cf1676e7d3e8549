// Package ratelimit implements the sliding-window request limiter that
// guards the proxy's three tiers — per-IP, per-/24-subnet, and global —
// plus independent per-rule windows driven by the rules engine.
//
// Every tier is a Redis (or in-memory) sorted set keyed on the tier's
// identity, scored by request timestamp. A check trims expired entries,
// adds a uniquely-named member for the current request, and compares the
// resulting cardinality against the tier's limit, one tier at a time. Each
// tier's trim+add+card+expire runs as a single store.Pipeline batch so no
// other request's check can land between the trim and the cardinality
// read — applied here across three keys per request, the same technique
// the underlying store's sliding-window log uses for a single key.
//
// The per-IP tier is additionally guarded by an in-process localGate: a
// golang.org/x/time/rate token bucket per IP, sized so it never rejects
// anything the sliding window would admit, that turns away the most
// egregious floods before they ever reach the KV backend.
package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/sentinel-proxy/sentinel/store"
)

const window = 60 * time.Second

// Limiter enforces sliding-window limits across the per-IP, per-subnet,
// and global tiers, and exposes a separate per-rule check for the rules
// engine's escalation ladders.
type Limiter struct {
	store store.Store

	perIP     int64
	perSubnet int64
	global    int64

	ipGate *localGate
}

// New creates a Limiter backed by s, with the given per-minute limits for
// each tier. A limit of 0 disables that tier's check (always allows).
func New(s store.Store, perIP, perSubnet, global int64) *Limiter {
	l := &Limiter{store: s, perIP: perIP, perSubnet: perSubnet, global: global}
	if perIP > 0 {
		l.ipGate = newLocalGate(perIP, window, 10*time.Minute)
	}
	return l
}

// Allow reports whether a request from clientIP is within all three tiers'
// limits. On a store error, the check fails open (allowed=true) — a down
// Redis must never itself become a denial-of-service vector.
func (l *Limiter) Allow(ctx context.Context, clientIP string) (bool, error) {
	allowed, _, err := l.AllowWithCount(ctx, clientIP)
	return allowed, err
}

// AllowWithCount is like Allow but also returns the caller's current
// per-IP request count in the window. When the in-process gate turns the
// request away, the store is not consulted and the returned count is 0.
func (l *Limiter) AllowWithCount(ctx context.Context, clientIP string) (bool, int64, error) {
	if l.ipGate != nil && !l.ipGate.allow(clientIP) {
		return false, 0, nil
	}

	now := time.Now()
	member := uniqueMember(now)

	ipKey := "rl:ip:" + clientIP
	ipAllowed, ipErr := l.checkKey(ctx, ipKey, now, member, l.perIP)
	if ipErr != nil {
		return true, 0, ipErr
	}
	if !ipAllowed {
		count, _ := l.count(ctx, ipKey, now)
		return false, count, nil
	}

	subnet := ToSubnet(clientIP)
	subKey := "rl:sub:" + subnet
	subAllowed, subErr := l.checkKey(ctx, subKey, now, member, l.perSubnet)
	if subErr != nil {
		return true, 0, subErr
	}
	if !subAllowed {
		count, _ := l.count(ctx, ipKey, now)
		return false, count, nil
	}

	globalAllowed, globalErr := l.checkKey(ctx, "rl:global", now, member, l.global)
	if globalErr != nil {
		return true, 0, globalErr
	}
	if !globalAllowed {
		count, _ := l.count(ctx, ipKey, now)
		return false, count, nil
	}

	count, _ := l.count(ctx, ipKey, now)
	return true, count, nil
}

// CheckRule enforces a single named rule's own window (e.g. "5 per minute
// on /api/login"), independent of the three standing tiers. Fails open.
func (l *Limiter) CheckRule(ctx context.Context, ruleName, clientIP string, limit int64, windowSec int) (bool, int64, error) {
	now := time.Now()
	member := uniqueMember(now)
	key := fmt.Sprintf("rl:rule:%s:%s", ruleName, clientIP)
	windowStart := now.Add(-time.Duration(windowSec) * time.Second)

	pipe := l.store.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", scoreStr(windowStart))
	pipe.ZAdd(ctx, key, float64(now.UnixNano()), member)
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, time.Duration(windowSec)*time.Second+10*time.Second)
	if err := pipe.Exec(ctx); err != nil {
		return true, 0, err
	}
	if count.Err != nil {
		return true, 0, count.Err
	}
	return count.Val <= limit, count.Val, nil
}

// IPCount returns the current per-IP request count in the standing window.
func (l *Limiter) IPCount(ctx context.Context, clientIP string) (int64, error) {
	return l.count(ctx, "rl:ip:"+clientIP, time.Now())
}

func (l *Limiter) count(ctx context.Context, key string, now time.Time) (int64, error) {
	windowStart := now.Add(-window)
	if err := l.store.ZRemRangeByScore(ctx, key, "-inf", scoreStr(windowStart)); err != nil {
		return 0, err
	}
	return l.store.ZCard(ctx, key)
}

// checkKey trims, adds, and counts a single tier's sorted set. A limit
// of 0 means the tier is unbounded.
func (l *Limiter) checkKey(ctx context.Context, key string, now time.Time, member string, limit int64) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	windowStart := now.Add(-window)

	pipe := l.store.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", scoreStr(windowStart))
	pipe.ZAdd(ctx, key, float64(now.UnixNano()), member)
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+10*time.Second)
	if err := pipe.Exec(ctx); err != nil {
		return true, err
	}
	if count.Err != nil {
		return true, count.Err
	}
	return count.Val <= limit, nil
}

func uniqueMember(now time.Time) string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%d:%s", now.UnixNano(), hex.EncodeToString(buf[:]))
}

func scoreStr(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

// ToSubnet collapses an IPv4 address to its /24 network, e.g.
// "203.0.113.42" -> "203.0.113.0/24". Non-IPv4 input (including IPv6 and
// unparsable strings) is returned unchanged, matching the original
// implementation's fallback behavior.
func ToSubnet(ip string) string {
	addr := net.ParseIP(ip)
	if addr == nil {
		return ip
	}
	v4 := addr.To4()
	if v4 == nil {
		return ip
	}
	network := &net.IPNet{IP: v4.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}
	return network.String()
}
