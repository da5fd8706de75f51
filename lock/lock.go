// Package lock provides the reentrant, mailbox-scoped mutual-exclusion
// primitive that serializes transactions on one mailbox. Two implementations
// share the contract: Local (in-process, single node) and the redis-backed
// distributed variant in lock/redis for clustered deployments.
//
// Acquisition is exclusive. A goroutine that already holds the lock may
// acquire it again; the lock is released when Unlock has been called once
// per Lock. Ownership is tracked per goroutine, so a Lock taken on one
// goroutine must be released on the same goroutine.
package lock

import (
	"context"
	"errors"
	"time"
)

// Modes reported by HolderInfo. Both implementations acquire exclusively,
// so the mode is always ModeWrite; the field exists for diagnostics
// symmetry with stores that distinguish reader holds.
const (
	ModeWrite = "write"
)

// Sentinel errors for the lock package.
var (
	// ErrNotHeld is returned when a release or refresh is attempted by a
	// caller that does not hold the lock.
	ErrNotHeld = errors.New("lock: not held by caller")

	// ErrExpired is returned by the distributed variant when the holder's
	// claim lapsed and was taken over by another node.
	ErrExpired = errors.New("lock: hold expired")
)

// HolderInfo describes who currently holds a lock. For the local variant
// this is the running process and goroutine; for the distributed variant it
// is whatever node last won the claim.
type HolderInfo struct {
	Host     string
	PID      int
	Owner    string
	Mode     string
	Acquired time.Time
}

// Locker is the mutual-exclusion contract consumed by the engine.
type Locker interface {
	// Lock acquires the lock exclusively, blocking until it is available
	// or ctx is done. Reentrant: a holder may lock again without blocking.
	Lock(ctx context.Context) error

	// Unlock releases one hold. The lock becomes available to others when
	// every hold has been released. Misuse by a non-holder is a
	// programming error.
	Unlock()

	// HoldCount returns the current nesting depth, zero when free.
	HoldCount() int

	// HeldByCaller reports whether the calling goroutine holds the lock.
	HeldByCaller() bool

	// Holder returns the current holder's identity, false when free.
	Holder() (HolderInfo, bool)
}
