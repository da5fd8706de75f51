// Package redis provides a distributed implementation of lock.Locker backed
// by a single redis key, for deployments where more than one node may open
// the same mailbox.
//
// One claim key guards one mailbox. The key's value carries the holder's
// identity (host, pid, claim id, depth) so any node can inspect who holds a
// busy mailbox. Claims expire after a TTL so an abandoned lock eventually
// becomes available; the TTL is refreshed on every reentrant acquisition.
// An Unlock after expiry logs a warning and does nothing — the claim
// already belongs to someone else.
package redis

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/mailstore/lock"
)

// Defaults for lock options.
const (
	DefaultTTL           = 5 * time.Minute
	DefaultRetryInterval = 50 * time.Millisecond
)

// releaseScript deletes the claim only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// refreshScript replaces the claim payload and extends the TTL only if we
// still own it. ARGV[1] is the current payload, ARGV[2] the replacement.
var refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	redis.call("set", KEYS[1], ARGV[2], "px", ARGV[3])
	return 1
end
return 0
`)

// claim is the JSON payload stored under the lock key.
type claim struct {
	ClaimID  string    `json:"claim_id"`
	Host     string    `json:"host"`
	PID      int       `json:"pid"`
	Depth    int       `json:"depth"`
	Acquired time.Time `json:"acquired"`
}

// Lock is a distributed reentrant lock on one redis key.
// Like the local variant, reentrancy is per goroutine.
type Lock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	owner   uint64 // goroutine id of the local holder
	depth   int
	payload []byte // exact bytes stored in redis, for compare-and-swap
	current claim
}

// Option configures a Lock.
type Option func(*Lock)

// WithTTL sets the claim expiry. Holds longer than the TTL without a
// reentrant refresh are lost to takeover.
func WithTTL(ttl time.Duration) Option {
	return func(l *Lock) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryInterval sets the polling interval while waiting for a busy lock.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Lock) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Lock) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a distributed lock on the given key.
func New(client redis.UniversalClient, key string, opts ...Option) *Lock {
	l := &Lock{
		client: client,
		key:    key,
		ttl:    DefaultTTL,
		retry:  DefaultRetryInterval,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock acquires the claim, polling until it is available or ctx is done.
func (l *Lock) Lock(ctx context.Context) error {
	me := gid()

	l.mu.Lock()
	if l.depth > 0 && l.owner == me {
		err := l.refreshLocked(ctx, l.depth+1)
		if err == nil {
			l.depth++
		}
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	host, _ := os.Hostname()
	cl := claim{
		ClaimID: uuid.New().String(),
		Host:    host,
		PID:     os.Getpid(),
		Depth:   1,
	}

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		cl.Acquired = time.Now().UTC()
		payload, err := json.Marshal(cl)
		if err != nil {
			return err
		}
		ok, err := l.client.SetNX(ctx, l.key, payload, l.ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			l.mu.Lock()
			l.owner = me
			l.depth = 1
			l.payload = payload
			l.current = cl
			l.mu.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// refreshLocked rewrites the claim with the new depth and extends the TTL.
// Caller holds l.mu. Returns ErrExpired if the claim was taken over.
func (l *Lock) refreshLocked(ctx context.Context, depth int) error {
	next := l.current
	next.Depth = depth
	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}
	n, err := refreshScript.Run(ctx, l.client, []string{l.key},
		l.payload, payload, l.ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		l.resetLocked()
		return lock.ErrExpired
	}
	l.payload = payload
	l.current = next
	return nil
}

// Unlock releases one hold. The claim key is deleted when the last hold is
// released. Misuse by a non-holder panics; an expired claim only warns.
func (l *Lock) Unlock() {
	me := gid()

	l.mu.Lock()
	if l.depth == 0 || l.owner != me {
		l.mu.Unlock()
		panic("lock: Unlock by goroutine that does not hold the lock")
	}
	l.depth--
	if l.depth > 0 {
		if err := l.refreshLocked(context.Background(), l.depth); err != nil {
			l.logger.Warn("lock refresh on release failed", "key", l.key, "error", err)
		}
		l.mu.Unlock()
		return
	}
	payload := l.payload
	l.resetLocked()
	l.mu.Unlock()

	n, err := releaseScript.Run(context.Background(), l.client, []string{l.key}, payload).Int()
	if err != nil {
		l.logger.Warn("lock release failed", "key", l.key, "error", err)
		return
	}
	if n == 0 {
		l.logger.Warn("lock hold expired before release", "key", l.key)
	}
}

func (l *Lock) resetLocked() {
	l.owner = 0
	l.depth = 0
	l.payload = nil
	l.current = claim{}
}

// HoldCount returns the local nesting depth.
func (l *Lock) HoldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth
}

// HeldByCaller reports whether the calling goroutine holds the lock.
func (l *Lock) HeldByCaller() bool {
	me := gid()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depth > 0 && l.owner == me
}

// Holder returns the cluster-wide holder of the key, whichever node it is
// on. Returns false when the key is unclaimed or unreadable.
func (l *Lock) Holder() (lock.HolderInfo, bool) {
	raw, err := l.client.Get(context.Background(), l.key).Bytes()
	if err != nil {
		if err != redis.Nil {
			l.logger.Warn("lock holder lookup failed", "key", l.key, "error", err)
		}
		return lock.HolderInfo{}, false
	}
	var cl claim
	if err := json.Unmarshal(raw, &cl); err != nil {
		l.logger.Warn("lock holder payload unreadable", "key", l.key, "error", err)
		return lock.HolderInfo{}, false
	}
	return lock.HolderInfo{
		Host:     cl.Host,
		PID:      cl.PID,
		Owner:    cl.ClaimID,
		Mode:     lock.ModeWrite,
		Acquired: cl.Acquired,
	}, true
}

// Compile-time check that Lock implements lock.Locker.
var _ lock.Locker = (*Lock)(nil)
