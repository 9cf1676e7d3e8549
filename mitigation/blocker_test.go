package mitigation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-proxy/sentinel/mitigation"
	"github.com/sentinel-proxy/sentinel/store"
	"github.com/sentinel-proxy/sentinel/store/memory"
)

func newBlocker() (*mitigation.Blocker, func()) {
	s := memory.New()
	return mitigation.NewBlocker(s, zap.NewNop()), func() { s.Close() }
}

// failingStore returns an error from every operation, simulating a KV
// outage so Blocker's fail-open/fail-closed-success behavior can be tested
// without a real backend.
type failingStore struct{ store.Store }

var errBackendDown = errors.New("backend down")

func (failingStore) Get(context.Context, string) (string, error)           { return "", errBackendDown }
func (failingStore) Set(context.Context, string, string, time.Duration) error { return errBackendDown }
func (failingStore) Del(context.Context, ...string) error                  { return errBackendDown }
func (failingStore) Exists(context.Context, string) (bool, error)          { return false, errBackendDown }
func (failingStore) SAdd(context.Context, string, ...string) error         { return errBackendDown }
func (failingStore) SRem(context.Context, string, ...string) error         { return errBackendDown }
func (failingStore) SIsMember(context.Context, string, string) (bool, error) {
	return false, errBackendDown
}
func (failingStore) SMembers(context.Context, string) ([]string, error) { return nil, errBackendDown }

func TestBlockAndIsBlocked(t *testing.T) {
	b, closeFn := newBlocker()
	defer closeFn()
	ctx := context.Background()

	blocked, err := b.IsBlocked(ctx, "1.2.3.4")
	if err != nil || blocked {
		t.Fatalf("expected not blocked initially, got blocked=%v err=%v", blocked, err)
	}

	if err := b.Block(ctx, "1.2.3.4", "test", 0); err != nil {
		t.Fatal(err)
	}
	blocked, err = b.IsBlocked(ctx, "1.2.3.4")
	if err != nil || !blocked {
		t.Fatalf("expected blocked, got blocked=%v err=%v", blocked, err)
	}
}

func TestAllowlistOverridesBlock(t *testing.T) {
	b, closeFn := newBlocker()
	defer closeFn()
	ctx := context.Background()

	_ = b.Block(ctx, "1.2.3.4", "test", 0)
	_ = b.Allow(ctx, "1.2.3.4")

	blocked, err := b.IsBlocked(ctx, "1.2.3.4")
	if err != nil || blocked {
		t.Fatalf("expected allowlist to override block, got blocked=%v err=%v", blocked, err)
	}
}

func TestTTLBlockExpires(t *testing.T) {
	b, closeFn := newBlocker()
	defer closeFn()
	ctx := context.Background()

	_ = b.Block(ctx, "9.9.9.9", "temp", 50*time.Millisecond)
	blocked, _ := b.IsBlocked(ctx, "9.9.9.9")
	if !blocked {
		t.Fatal("expected blocked immediately after TTL block")
	}

	time.Sleep(100 * time.Millisecond)
	blocked, _ = b.IsBlocked(ctx, "9.9.9.9")
	if blocked {
		t.Fatal("expected TTL block to have expired")
	}
}

func TestUnblock(t *testing.T) {
	b, closeFn := newBlocker()
	defer closeFn()
	ctx := context.Background()

	_ = b.Block(ctx, "1.2.3.4", "test", 0)
	_ = b.Unblock(ctx, "1.2.3.4")

	blocked, _ := b.IsBlocked(ctx, "1.2.3.4")
	if blocked {
		t.Fatal("expected unblocked ip to not be blocked")
	}
}

func TestBlockedIPs(t *testing.T) {
	b, closeFn := newBlocker()
	defer closeFn()
	ctx := context.Background()

	_ = b.Block(ctx, "1.1.1.1", "a", 0)
	_ = b.Block(ctx, "2.2.2.2", "b", 0)

	ips, err := b.BlockedIPs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ips) != 2 {
		t.Errorf("expected 2 blocked ips, got %d: %v", len(ips), ips)
	}
}

func TestIsBlockedFailsOpenWhenStoreDown(t *testing.T) {
	b := mitigation.NewBlocker(failingStore{}, zap.NewNop())
	blocked, err := b.IsBlocked(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("expected IsBlocked to fail open with a nil error, got %v", err)
	}
	if blocked {
		t.Fatal("expected IsBlocked to report not blocked when the store is unreachable")
	}
}

func TestBlockSilentlySucceedsWhenStoreDown(t *testing.T) {
	b := mitigation.NewBlocker(failingStore{}, zap.NewNop())
	if err := b.Block(context.Background(), "1.2.3.4", "test", 0); err != nil {
		t.Fatalf("expected Block to silently succeed when the store is unreachable, got %v", err)
	}
	if err := b.Block(context.Background(), "1.2.3.4", "test", time.Minute); err != nil {
		t.Fatalf("expected ttl Block to silently succeed when the store is unreachable, got %v", err)
	}
	if err := b.Unblock(context.Background(), "1.2.3.4"); err != nil {
		t.Fatalf("expected Unblock to silently succeed when the store is unreachable, got %v", err)
	}
	if err := b.Allow(context.Background(), "1.2.3.4"); err != nil {
		t.Fatalf("expected Allow to silently succeed when the store is unreachable, got %v", err)
	}
}
