package lock

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"
)

var localHost, _ = os.Hostname()

// Local is the in-process reentrant lock. The zero value is not usable;
// call NewLocal.
type Local struct {
	sem chan struct{} // capacity 1; full while held

	mu       sync.Mutex // guards the fields below
	owner    uint64     // goroutine id of the holder, 0 when free
	depth    int
	acquired time.Time
}

// NewLocal creates an unlocked Local.
func NewLocal() *Local {
	return &Local{sem: make(chan struct{}, 1)}
}

// Lock acquires the lock, blocking until available or ctx is done.
// Reentrant for the holding goroutine.
func (l *Local) Lock(ctx context.Context) error {
	me := gid()

	l.mu.Lock()
	if l.depth > 0 && l.owner == me {
		l.depth++
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	l.owner = me
	l.depth = 1
	l.acquired = time.Now()
	l.mu.Unlock()
	return nil
}

// Unlock releases one hold. Panics if the calling goroutine is not the
// holder, the same way sync.Mutex treats unlock-of-unlocked.
func (l *Local) Unlock() {
	me := gid()

	l.mu.Lock()
	if l.depth == 0 || l.owner != me {
		l.mu.Unlock()
		panic("lock: Unlock by goroutine that does not hold the lock")
	}
	l.depth--
	release := l.depth == 0
	if release {
		l.owner = 0
	}
	l.mu.Unlock()

	if release {
		<-l.sem
	}
}

// HoldCount returns the current nesting depth.
func (l *Local) HoldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth
}

// HeldByCaller reports whether the calling goroutine holds the lock.
func (l *Local) HeldByCaller() bool {
	me := gid()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth > 0 && l.owner == me
}

// Holder returns the current holder's identity.
func (l *Local) Holder() (HolderInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth == 0 {
		return HolderInfo{}, false
	}
	return HolderInfo{
		Host:     localHost,
		PID:      os.Getpid(),
		Owner:    "goroutine-" + strconv.FormatUint(l.owner, 10),
		Mode:     ModeWrite,
		Acquired: l.acquired,
	}, true
}

// Compile-time check that Local implements Locker.
var _ Locker = (*Local)(nil)
