package mailstore

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/mailstore/index"
	"github.com/rbaliyan/mailstore/redolog"
	"github.com/rbaliyan/mailstore/store"
)

// ReindexOptions restricts a re-index job. Zero options mean a full
// re-index: the whole index is dropped and rebuilt from the store.
type ReindexOptions struct {
	// Types restricts the job to items of these types.
	Types []store.ItemType

	// ItemIDs restricts the job to these items.
	ItemIDs []int
}

func (o ReindexOptions) full() bool {
	return len(o.Types) == 0 && len(o.ItemIDs) == 0
}

// ReindexStatus tracks one background re-index job. Processed and Failed
// may be read while the job runs; Err is valid once Done is closed.
type ReindexStatus struct {
	mailboxID int
	full      bool
	started   time.Time

	processed atomic.Int64
	failed    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// MailboxID returns the mailbox the job runs against.
func (s *ReindexStatus) MailboxID() int { return s.mailboxID }

// Full reports whether the job rebuilds the whole index.
func (s *ReindexStatus) Full() bool { return s.full }

// Processed returns the number of items indexed so far.
func (s *ReindexStatus) Processed() int { return int(s.processed.Load()) }

// Failed returns the number of items that could not be indexed.
func (s *ReindexStatus) Failed() int { return int(s.failed.Load()) }

// Done is closed when the job finishes, fails, or is cancelled.
func (s *ReindexStatus) Done() <-chan struct{} { return s.done }

// Err returns the job outcome. Only valid after Done is closed;
// a cancelled job reports ErrReindexInterrupted.
func (s *ReindexStatus) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Cancel stops the job at the next chunk boundary. Chunks already handed
// to the engine stay indexed; the job reports ErrReindexInterrupted.
func (s *ReindexStatus) Cancel() { s.cancel() }

func (s *ReindexStatus) finish(err error) {
	s.err = err
	s.cancel()
	close(s.done)
}

// ReindexInBackground starts a re-index job for the mailbox. Only one job
// runs per mailbox at a time; a second start returns
// ErrReindexInProgress. Regular transactions proceed while the job runs,
// their new items are picked up by the job's own catch-up passes or the
// next opportunistic pass.
func (m *Mailbox) ReindexInBackground(ctx context.Context, octxt *OpContext, opts ReindexOptions) (*ReindexStatus, error) {
	if err := m.checkAccess(octxt); err != nil {
		return nil, err
	}

	m.reindexMu.Lock()
	if prev := m.reindex; prev != nil {
		select {
		case <-prev.done:
		default:
			m.reindexMu.Unlock()
			return nil, fmt.Errorf("%w: mailbox %d", ErrReindexInProgress, m.id)
		}
	}
	status := &ReindexStatus{
		mailboxID: m.id,
		full:      opts.full(),
		started:   time.Now(),
		done:      make(chan struct{}),
	}
	status.ctx, status.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.reindex = status
	m.reindexMu.Unlock()

	if err := m.mgr.submitReindex(func(taskCtx context.Context) {
		m.runReindex(taskCtx, status, opts)
	}); err != nil {
		status.finish(err)
		m.reindexMu.Lock()
		if m.reindex == status {
			m.reindex = nil
		}
		m.reindexMu.Unlock()
		return nil, err
	}
	return status, nil
}

// GetReindexStatus returns the most recent re-index job, finished or not.
func (m *Mailbox) GetReindexStatus() (*ReindexStatus, bool) {
	m.reindexMu.Lock()
	defer m.reindexMu.Unlock()
	return m.reindex, m.reindex != nil
}

// Reanalyze re-generates and re-feeds the index documents for specific
// items synchronously, without touching the high-water mark. Used after
// an extractor upgrade or a repaired blob.
func (m *Mailbox) Reanalyze(ctx context.Context, octxt *OpContext, itemIDs ...int) error {
	if err := m.checkAccess(octxt); err != nil {
		return err
	}
	if len(itemIDs) == 0 {
		return nil
	}

	m.idx.beginReindex()
	defer m.idx.endReindex()

	status := &ReindexStatus{mailboxID: m.id, done: make(chan struct{})}
	status.ctx, status.cancel = context.WithCancel(ctx)
	defer status.cancel()
	return m.refeed(ctx, status, ReindexOptions{ItemIDs: itemIDs})
}

// runReindex is the job body, executed on the re-index pool.
func (m *Mailbox) runReindex(ctx context.Context, status *ReindexStatus, opts ReindexOptions) {
	m.idx.beginReindex()

	var err error
	if status.full {
		err = m.rebuildIndex(ctx, status)
	} else {
		err = m.refeed(ctx, status, opts)
	}

	m.idx.endReindex()
	status.failed.Store(int64(m.idx.failedCount()))
	status.finish(err)

	m.mgr.otel.recordReindex(ctx, status.full, err)
	m.mgr.publishReindex(ReindexCompletedEvent{
		MailboxID:   m.id,
		Full:        status.full,
		Processed:   status.Processed(),
		Failed:      status.Failed(),
		Interrupted: err != nil,
		CompletedAt: time.Now(),
	})

	if err != nil {
		m.logger.Warn("reindex finished with error",
			"full", status.full, "processed", status.Processed(), "error", err)
	} else {
		m.logger.Info("reindex finished",
			"full", status.full, "processed", status.Processed(),
			"failed", status.Failed(),
			"duration", time.Since(status.started))
	}
}

// rebuildIndex drops the whole index, rewinds the high-water mark, and
// drains the rebuilt backlog in catch-up passes.
func (m *Mailbox) rebuildIndex(ctx context.Context, status *ReindexStatus) error {
	if err := m.engine.DeleteAll(ctx); err != nil {
		return fmt.Errorf("mailstore: drop index: %w", err)
	}

	// Everything indexable is now deferred again. The rewind is not
	// redo-logged: after a crash the job simply has to be restarted.
	err := m.indexBookkeeping(ctx, "reindexRewind", func(cur *change) error {
		total, err := cur.conn.CountModifiedSince(ctx, 0)
		if err != nil {
			return err
		}
		cur.mailbox.HighestIndexedModContent = 0
		cur.mailbox.HighestIndexedItemID = 0
		cur.deferredDelta = total - cur.mailbox.IndexDeferredCount
		cur.mailbox.IndexDeferredCount = total
		return nil
	})
	if err != nil {
		return fmt.Errorf("mailstore: rewind index mark: %w", err)
	}

	for {
		if err := status.interrupted(ctx); err != nil {
			return err
		}
		before := m.DeferredCount()
		if before == 0 {
			return nil
		}
		passErr := m.idx.reindexCatchUp(ctx)
		after := m.DeferredCount()
		if d := before - after; d > 0 {
			status.processed.Add(int64(d))
		}
		if after >= before {
			// Nothing moved; the leftovers are in the retry set and will
			// be picked up by later passes.
			if passErr != nil {
				return passErr
			}
			return nil
		}
	}
}

// refeed re-indexes a restricted item set in place. Entries carry
// NoChange so the high-water mark and the deferred count stay put.
func (m *Mailbox) refeed(ctx context.Context, status *ReindexStatus, opts ReindexOptions) error {
	rows, err := m.collectReindexRows(ctx, opts)
	if err != nil {
		return err
	}

	batching := m.mgr.opts
	var firstErr error
	for start := 0; start < len(rows); start += batching.maxBatchItems {
		if err := status.interrupted(ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		chunk := rows[start:min(start+batching.maxBatchItems, len(rows))]

		entries := make([]index.ItemEntry, 0, len(chunk))
		for _, row := range chunk {
			docs, err := m.idx.generateDocuments(ctx, row)
			if err != nil {
				m.logger.Warn("document generation failed",
					"item_id", row.ID, "error", err)
				status.failed.Add(1)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			entries = append(entries, index.ItemEntry{
				ItemID:      row.ID,
				IndexID:     row.IndexID,
				Documents:   docs,
				DeleteFirst: true,
				ModContent:  index.NoChange,
			})
		}
		if len(entries) == 0 {
			continue
		}
		if err := m.engine.Add(ctx, entries); err != nil {
			status.failed.Add(int64(len(entries)))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		status.processed.Add(int64(len(entries)))
	}
	return firstErr
}

// collectReindexRows loads the item rows a restricted job covers.
func (m *Mailbox) collectReindexRows(ctx context.Context, opts ReindexOptions) ([]*store.ItemData, error) {
	wantType := func(t store.ItemType) bool {
		if len(opts.Types) == 0 {
			return t.Indexable()
		}
		for _, w := range opts.Types {
			if t == w {
				return true
			}
		}
		return false
	}

	var rows []*store.ItemData
	err := m.idx.withConn(ctx, "reindexFetch", func(conn store.Conn) error {
		rows = rows[:0]
		if len(opts.ItemIDs) > 0 {
			ids := append([]int(nil), opts.ItemIDs...)
			sort.Ints(ids)
			got, err := conn.GetItems(ctx, ids)
			if err != nil {
				return err
			}
			for _, row := range got {
				if row.IndexID != 0 && wantType(row.Type) {
					rows = append(rows, row)
				}
			}
			return nil
		}
		got, err := conn.ItemsByType(ctx, opts.Types...)
		if err != nil {
			return err
		}
		for _, row := range got {
			if row.IndexID != 0 && wantType(row.Type) {
				rows = append(rows, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// indexBookkeeping runs fn in a short dirty transaction that is not
// redo-logged.
func (m *Mailbox) indexBookkeeping(ctx context.Context, name string, fn func(cur *change) error) error {
	if err := m.BeginTransaction(ctx, name, nil, redolog.Nop{}); err != nil {
		return err
	}
	cur := m.cur
	err := fn(cur)
	if err == nil {
		cur.dirty = true
	}
	if endErr := m.EndTransaction(ctx, err == nil); err == nil {
		err = endErr
	}
	return err
}

func (s *ReindexStatus) interrupted(ctx context.Context) error {
	if s.ctx.Err() != nil || ctx.Err() != nil {
		return ErrReindexInterrupted
	}
	return nil
}
