package mailstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailstore/index"
)

// failAll makes every index write fail until disarmed, so tests can build
// a deferred backlog deterministically.
func failAll(entries []index.ItemEntry) error {
	return errors.New("engine unavailable")
}

func TestDeferredBacklogDrains(t *testing.T) {
	env := newTestEnv(t, WithMaxBatchItems(8))
	m := env.newTestMailbox(t, "alice")
	engine := env.engineOf(t, m.ID())
	ctx := context.Background()

	engine.FailAdd = failAll
	var items []*Item
	for i := 0; i < 25; i++ {
		items = append(items, addMessage(t, m, &AddMessageOptions{
			Subject: fmt.Sprintf("backlog item %d", i),
		}))
	}
	if got := m.DeferredCount(); got != 25 {
		t.Fatalf("DeferredCount = %d with engine down, want 25", got)
	}

	// Recovery pass: the first chunk uses the reduced failure batch
	// size; a success clears the backoff and the rest use full chunks.
	var mu sync.Mutex
	var chunkSizes []int
	engine.FailAdd = func(entries []index.ItemEntry) error {
		mu.Lock()
		chunkSizes = append(chunkSizes, len(entries))
		mu.Unlock()
		return nil
	}

	hits, err := m.SearchText(ctx, nil, "backlog", 0)
	if err != nil {
		t.Fatalf("SearchText: %v", err)
	}
	if len(hits) != 25 {
		t.Errorf("got %d hits, want 25", len(hits))
	}
	if got := m.DeferredCount(); got != 0 {
		t.Errorf("DeferredCount = %d after drain, want 0", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int{5, 8, 8, 4}
	if len(chunkSizes) != len(want) {
		t.Fatalf("chunk sizes = %v, want %v", chunkSizes, want)
	}
	for i, n := range want {
		if chunkSizes[i] != n {
			t.Fatalf("chunk sizes = %v, want %v", chunkSizes, want)
		}
	}

	last := items[len(items)-1]
	hwm := m.IndexHighWaterMark()
	if hwm.ItemID != last.ID() || hwm.ModContent != last.ModContent() {
		t.Errorf("high-water mark = %+v, want (%d, %d)", hwm, last.ModContent(), last.ID())
	}
}

func TestMaybeIndexDeferredItems(t *testing.T) {
	env := newTestEnv(t, WithIndexFailureDelay(0))
	m := env.newTestMailbox(t, "alice")
	engine := env.engineOf(t, m.ID())
	ctx := context.Background()

	engine.FailAdd = failAll
	for i := 0; i < 3; i++ {
		addMessage(t, m, &AddMessageOptions{Subject: fmt.Sprintf("queued %d", i)})
	}
	if got := m.DeferredCount(); got != 3 {
		t.Fatalf("DeferredCount = %d with engine down, want 3", got)
	}

	engine.FailAdd = nil
	m.MaybeIndexDeferredItems(ctx)
	if got := m.DeferredCount(); got != 0 {
		t.Errorf("DeferredCount = %d after catch-up, want 0", got)
	}
	if got := engine.Size(); got != 3 {
		t.Errorf("engine size = %d, want 3", got)
	}

	t.Run("empty backlog is a no-op", func(t *testing.T) {
		last := m.LastChangeID()
		m.MaybeIndexDeferredItems(ctx)
		if got := m.LastChangeID(); got != last {
			t.Errorf("no-op pass committed change %d", got)
		}
	})
}

func TestPoisonItemDoesNotStallTheRest(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	engine := env.engineOf(t, m.ID())
	ctx := context.Background()

	good1 := addMessage(t, m, &AddMessageOptions{Subject: "healthy one"})
	poison := addMessage(t, m, &AddMessageOptions{Subject: "toxic payload"})
	_ = good1

	// Fail any batch containing the poison item. The batch is replayed
	// entry by entry, so everything else still lands.
	engine.FailAdd = func(entries []index.ItemEntry) error {
		for _, e := range entries {
			if e.ItemID == poison.ID() {
				return errors.New("poison write")
			}
		}
		return nil
	}
	good2 := addMessage(t, m, &AddMessageOptions{Subject: "healthy two"})
	_ = good2

	hits, err := m.SearchText(ctx, nil, "healthy", 0)
	if err != nil {
		t.Fatalf("SearchText: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d healthy hits, want 2", len(hits))
	}
	if got := m.DeferredCount(); got != 1 {
		t.Errorf("DeferredCount = %d with one poison item, want 1", got)
	}
	if got := m.idx.failedCount(); got != 1 {
		t.Errorf("failed set size = %d, want 1", got)
	}

	t.Run("retried once the engine recovers", func(t *testing.T) {
		engine.FailAdd = nil
		hits, err := m.SearchText(ctx, nil, "toxic", 0)
		if err != nil {
			t.Fatalf("SearchText: %v", err)
		}
		if len(hits) != 1 || hits[0].ID() != poison.ID() {
			t.Errorf("poison item not indexed after recovery: %v", hits)
		}
		if got := m.DeferredCount(); got != 0 {
			t.Errorf("DeferredCount = %d, want 0", got)
		}
		if got := m.idx.failedCount(); got != 0 {
			t.Errorf("failed set size = %d, want 0", got)
		}
	})
}

func TestDeletedItemLeavesRetrySet(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	engine := env.engineOf(t, m.ID())
	ctx := context.Background()

	engine.FailAdd = failAll
	doomed := addMessage(t, m, &AddMessageOptions{Subject: "never indexed"})
	if got := m.idx.failedCount(); got != 1 {
		t.Fatalf("failed set size = %d, want 1", got)
	}

	engine.FailAdd = nil
	if err := m.DeleteItems(ctx, nil, doomed.ID()); err != nil {
		t.Fatalf("DeleteItems: %v", err)
	}
	if got := m.DeferredCount(); got != 0 {
		t.Errorf("DeferredCount = %d after deleting the deferred item, want 0", got)
	}

	// The next pass prunes the dead id instead of retrying it forever.
	if err := m.idx.forceCatchUp(ctx); err != nil {
		t.Fatalf("forceCatchUp: %v", err)
	}
	if got := m.idx.failedCount(); got != 0 {
		t.Errorf("failed set size = %d after prune, want 0", got)
	}
}

func TestAttemptGateDefersIndexing(t *testing.T) {
	env := newEnv(t, true, WithIndexAttemptDelay(time.Hour))
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	// The first commit runs an opportunistic pass; the second is inside
	// the attempt gate and stays deferred.
	addMessage(t, m, &AddMessageOptions{Subject: "first"})
	addMessage(t, m, &AddMessageOptions{Subject: "second"})
	if got := m.DeferredCount(); got != 1 {
		t.Fatalf("DeferredCount = %d, want 1 (gated)", got)
	}

	// Search ignores the gate so results stay complete.
	hits, err := m.SearchText(ctx, nil, "second", 0)
	if err != nil {
		t.Fatalf("SearchText: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("got %d hits, want 1", len(hits))
	}
	if got := m.DeferredCount(); got != 0 {
		t.Errorf("DeferredCount = %d after forced pass, want 0", got)
	}
}

func TestFailureBackoffGatesOpportunisticPasses(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	engine := env.engineOf(t, m.ID())

	engine.FailAdd = failAll
	addMessage(t, m, &AddMessageOptions{Subject: "first"})
	engine.FailAdd = nil

	// The engine works again, but the failure backoff holds the
	// opportunistic pass back.
	addMessage(t, m, &AddMessageOptions{Subject: "second"})
	if got := m.DeferredCount(); got != 2 {
		t.Errorf("DeferredCount = %d inside failure backoff, want 2", got)
	}
}

func TestDeferredCountDriftRecount(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	engine := env.engineOf(t, m.ID())

	engine.FailAdd = failAll
	var last *Item
	for i := 0; i < 2; i++ {
		last = addMessage(t, m, &AddMessageOptions{Subject: "drifting"})
	}
	engine.FailAdd = nil
	if got := m.DeferredCount(); got != 2 {
		t.Fatalf("DeferredCount = %d, want 2", got)
	}

	// Confirm more items than the persisted count knows about. The
	// reconciliation recounts from the store instead of going negative.
	m.idx.IndexingCompleted(5, index.SyncToken{ModContent: last.ModContent(), ItemID: last.ID()}, true)

	if got := m.DeferredCount(); got != 0 {
		t.Errorf("DeferredCount = %d after recount, want 0", got)
	}
	hwm := m.IndexHighWaterMark()
	if hwm.ItemID != last.ID() {
		t.Errorf("high-water mark = %+v, want item %d", hwm, last.ID())
	}
}

// logCapture is a goroutine-safe sink for slog output.
type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *logCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func TestHighWaterMarkNeverRegresses(t *testing.T) {
	logs := &logCapture{}
	env := newTestEnv(t, WithLogger(slog.New(slog.NewTextHandler(logs, nil))))
	m := env.newTestMailbox(t, "alice")

	it := addMessage(t, m, &AddMessageOptions{Subject: "indexed"})
	hwm := m.IndexHighWaterMark()
	if hwm.ItemID != it.ID() {
		t.Fatalf("high-water mark = %+v, want item %d", hwm, it.ID())
	}

	// A stale confirmation with an older token must not rewind the mark,
	// and the out-of-order confirmation is logged.
	m.idx.IndexingCompleted(1, index.SyncToken{ModContent: 1, ItemID: 1}, true)
	if got := m.IndexHighWaterMark(); got != hwm {
		t.Errorf("high-water mark regressed: %+v, want %+v", got, hwm)
	}
	if !strings.Contains(logs.String(), "stale index completion ignored") {
		t.Errorf("stale confirmation was not logged; logs:\n%s", logs.String())
	}
}
