// Package mitigation holds the proxy's enforcement primitives: the per-IP
// blocklist and allowlist, and (in challenge.go) the HMAC+proof-of-work
// browser challenge used at the js_challenge protection level.
package mitigation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-proxy/sentinel/store"
)

const (
	blocklistKey = "sentinel:blocklist"
	allowlistKey = "sentinel:allowlist"
)

// Blocker manages per-IP blocking. An allowlisted IP always wins
// over any block, permanent or TTL'd.
type Blocker struct {
	store store.Store
	log   *zap.Logger
}

// NewBlocker creates a Blocker backed by s.
func NewBlocker(s store.Store, log *zap.Logger) *Blocker {
	return &Blocker{store: s, log: log}
}

// IsBlocked reports whether ip is currently blocked: not allowlisted, and
// either present as a TTL'd block key or a member of the permanent
// blocklist set. A KV-backend error fails open: ip is reported not blocked
// rather than fail-closed, matching the pipeline's availability choice for
// every block check.
func (b *Blocker) IsBlocked(ctx context.Context, ip string) (bool, error) {
	allowed, err := b.store.SIsMember(ctx, allowlistKey, ip)
	if err != nil {
		b.log.Warn("blocklist check failed, failing open", zap.String("ip", ip), zap.Error(err))
		return false, nil
	}
	if allowed {
		return false, nil
	}

	exists, err := b.store.Exists(ctx, blockKey(ip))
	if err != nil {
		b.log.Warn("blocklist check failed, failing open", zap.String("ip", ip), zap.Error(err))
		return false, nil
	}
	if exists {
		return true, nil
	}

	member, err := b.store.SIsMember(ctx, blocklistKey, ip)
	if err != nil {
		b.log.Warn("blocklist check failed, failing open", zap.String("ip", ip), zap.Error(err))
		return false, nil
	}
	return member, nil
}

// Block adds ip to the blocklist. If duration > 0 the block is a TTL'd key
// that expires automatically; otherwise ip is added to the permanent
// blocklist set. Explicit blocks are a fail-closed operation: if the store
// is unreachable the write is silently dropped and Block still reports
// success, since there's nothing useful a caller can do about a KV outage
// mid-request.
func (b *Blocker) Block(ctx context.Context, ip, reason string, duration time.Duration) error {
	if duration > 0 {
		if err := b.store.Set(ctx, blockKey(ip), reason, duration); err != nil {
			b.log.Warn("failed to persist ttl block, store may be down", zap.String("ip", ip), zap.Error(err))
			return nil
		}
		b.log.Info("blocked ip with ttl",
			zap.String("ip", ip), zap.Duration("duration", duration), zap.String("reason", reason))
		return nil
	}

	if err := b.store.SAdd(ctx, blocklistKey, ip); err != nil {
		b.log.Warn("failed to persist permanent block, store may be down", zap.String("ip", ip), zap.Error(err))
		return nil
	}
	b.log.Info("permanently blocked ip", zap.String("ip", ip), zap.String("reason", reason))
	return nil
}

// Unblock removes ip from every blocklist mechanism. Like Block, failures
// are logged and swallowed rather than propagated.
func (b *Blocker) Unblock(ctx context.Context, ip string) error {
	if err := b.store.Del(ctx, blockKey(ip)); err != nil {
		b.log.Warn("failed to clear ttl block, store may be down", zap.String("ip", ip), zap.Error(err))
	}
	if err := b.store.SRem(ctx, blocklistKey, ip); err != nil {
		b.log.Warn("failed to clear permanent block, store may be down", zap.String("ip", ip), zap.Error(err))
	}
	b.log.Info("unblocked ip", zap.String("ip", ip))
	return nil
}

// Allow adds ip to the allowlist, which always takes precedence over a
// block. Like Block, failures are logged and swallowed.
func (b *Blocker) Allow(ctx context.Context, ip string) error {
	if err := b.store.SAdd(ctx, allowlistKey, ip); err != nil {
		b.log.Warn("failed to persist allowlist entry, store may be down", zap.String("ip", ip), zap.Error(err))
		return nil
	}
	b.log.Info("allowlisted ip", zap.String("ip", ip))
	return nil
}

// BlockedIPs returns every permanently blocked IP. TTL'd blocks aren't
// enumerable this way since they expire as ordinary keys.
func (b *Blocker) BlockedIPs(ctx context.Context) ([]string, error) {
	return b.store.SMembers(ctx, blocklistKey)
}

func blockKey(ip string) string {
	return fmt.Sprintf("block:%s", ip)
}
