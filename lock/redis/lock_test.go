package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/rbaliyan/mailstore/lock"
)

func newTestLock(t *testing.T, opts ...Option) (*Lock, *miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "mailbox:1:lock", opts...), mr, client
}

func TestAcquireRelease(t *testing.T) {
	l, mr, _ := newTestLock(t)
	ctx := context.Background()

	if err := l.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !mr.Exists("mailbox:1:lock") {
		t.Error("claim key missing while held")
	}
	if !l.HeldByCaller() {
		t.Error("HeldByCaller = false while holding")
	}

	l.Unlock()
	if mr.Exists("mailbox:1:lock") {
		t.Error("claim key present after release")
	}
	if l.HoldCount() != 0 {
		t.Errorf("HoldCount = %d after release", l.HoldCount())
	}
}

func TestReentrancy(t *testing.T) {
	l, _, _ := newTestLock(t)
	ctx := context.Background()

	if err := l.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("nested Lock: %v", err)
	}
	if got := l.HoldCount(); got != 2 {
		t.Errorf("HoldCount = %d, want 2", got)
	}

	l.Unlock()
	if got := l.HoldCount(); got != 1 {
		t.Errorf("HoldCount after inner release = %d, want 1", got)
	}
	l.Unlock()
}

func TestMutualExclusionAcrossInstances(t *testing.T) {
	l1, mr, client := newTestLock(t)
	l2 := New(client, "mailbox:1:lock", WithRetryInterval(10*time.Millisecond))
	ctx := context.Background()

	if err := l1.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	if err := l2.Lock(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second instance acquired a held lock: %v", err)
	}

	l1.Unlock()
	if err := l2.Lock(ctx); err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	l2.Unlock()
	_ = mr
}

func TestExpiryTakeover(t *testing.T) {
	l1, mr, client := newTestLock(t, WithTTL(time.Second))
	l2 := New(client, "mailbox:1:lock", WithRetryInterval(10*time.Millisecond))
	ctx := context.Background()

	if err := l1.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	mr.FastForward(2 * time.Second)

	// Expired claim is free for takeover.
	if err := l2.Lock(ctx); err != nil {
		t.Fatalf("Lock after expiry: %v", err)
	}

	// Stale holder's reentrant acquire observes the takeover.
	if err := l1.Lock(ctx); !errors.Is(err, lock.ErrExpired) {
		if err == nil {
			l1.Unlock()
		}
		t.Errorf("stale reentrant Lock: got %v, want ErrExpired", err)
	}

	// The new holder's claim survives whatever the stale holder does.
	holder, held := l2.Holder()
	if !held {
		t.Fatal("Holder: lock reported free while l2 holds it")
	}
	l2.Unlock()
	if mr.Exists("mailbox:1:lock") {
		t.Error("claim key present after the live holder released")
	}
	_ = holder
}

func TestHolderIdentity(t *testing.T) {
	l, _, _ := newTestLock(t)
	ctx := context.Background()

	if _, held := l.Holder(); held {
		t.Error("Holder reports held before acquisition")
	}

	if err := l.Lock(ctx); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer l.Unlock()

	holder, held := l.Holder()
	if !held {
		t.Fatal("Holder reports free while held")
	}
	if holder.Host == "" && holder.PID == 0 {
		t.Error("holder identity empty")
	}
	if holder.Owner == "" {
		t.Error("holder claim id empty")
	}
	if holder.Mode != lock.ModeWrite {
		t.Errorf("holder mode = %q, want %q", holder.Mode, lock.ModeWrite)
	}
}
