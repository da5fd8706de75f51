package mailstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rbaliyan/mailstore/blob"
	"github.com/rbaliyan/mailstore/content"
	"github.com/rbaliyan/mailstore/index"
	"github.com/rbaliyan/mailstore/store"
)

// metaSender is the metadata key for the message's sender address,
// indexed under the "from" field.
const metaSender = "sender"

// indexer drives deferred indexing for one mailbox: items commit with
// their content durable but unindexed, and the indexer catches the index
// up afterwards in batches. At most one catch-up pass runs per mailbox
// at a time; passes never hold the mailbox lock while talking to the
// index engine.
type indexer struct {
	m *Mailbox

	mu          sync.Mutex
	cond        *sync.Cond
	running     bool
	reindexing  bool
	lastAttempt time.Time
	lastFailure time.Time

	// failed holds item ids whose last index attempt failed. They are
	// retried at the front of every pass, even after the high-water mark
	// has moved past them, so one poison item cannot stall the rest.
	failed map[int]struct{}
}

func newIndexer(m *Mailbox) *indexer {
	ix := &indexer{m: m, failed: make(map[int]struct{})}
	ix.cond = sync.NewCond(&ix.mu)
	return ix
}

// noteCommitted records a committed change's effect on the deferred
// backlog. Called during commit, under the mailbox lock.
func (ix *indexer) noteCommitted(ctx context.Context, delta int) {
	ix.m.mgr.otel.recordDeferred(ctx, delta)
}

// MaybeIndexDeferredItems runs an opportunistic catch-up pass if the
// backlog is non-empty and neither the attempt gate nor the failure
// backoff is in effect. A pass already in flight makes this a no-op.
func (ix *indexer) MaybeIndexDeferredItems(ctx context.Context) {
	if ix.m.DeferredCount() == 0 {
		return
	}

	opts := ix.m.mgr.opts
	now := time.Now()
	ix.mu.Lock()
	if ix.running || ix.reindexing ||
		now.Sub(ix.lastAttempt) < opts.indexAttemptDelay ||
		(!ix.lastFailure.IsZero() && now.Sub(ix.lastFailure) < opts.indexFailureDelay) {
		ix.mu.Unlock()
		return
	}
	ix.running = true
	ix.lastAttempt = now
	ix.mu.Unlock()

	if err := ix.catchUp(ctx); err != nil {
		ix.m.logger.Debug("index catch-up pass failed", "error", err)
	}
}

// forceCatchUp runs a pass immediately, waiting out any pass already in
// flight and ignoring the delay gates. Search uses this so results
// reflect every committed change.
func (ix *indexer) forceCatchUp(ctx context.Context) error {
	ix.mu.Lock()
	for ix.running {
		ix.cond.Wait()
	}
	if ix.reindexing || (ix.m.DeferredCount() == 0 && len(ix.failed) == 0) {
		ix.mu.Unlock()
		return nil
	}
	ix.running = true
	ix.lastAttempt = time.Now()
	ix.mu.Unlock()

	return ix.catchUp(ctx)
}

// beginReindex stops opportunistic passes while a re-index job owns the
// engine, waiting out any pass in flight first.
func (ix *indexer) beginReindex() {
	ix.mu.Lock()
	for ix.running {
		ix.cond.Wait()
	}
	ix.reindexing = true
	ix.mu.Unlock()
}

func (ix *indexer) endReindex() {
	ix.mu.Lock()
	ix.reindexing = false
	ix.cond.Broadcast()
	ix.mu.Unlock()
}

// reindexCatchUp is forceCatchUp for the re-index job itself, which runs
// with the reindexing flag held.
func (ix *indexer) reindexCatchUp(ctx context.Context) error {
	ix.mu.Lock()
	for ix.running {
		ix.cond.Wait()
	}
	ix.running = true
	ix.lastAttempt = time.Now()
	ix.mu.Unlock()

	return ix.catchUp(ctx)
}

func (ix *indexer) finishPass() {
	ix.mu.Lock()
	ix.running = false
	ix.cond.Broadcast()
	ix.mu.Unlock()
}

// catchUp is one pass: fetch everything past the high-water mark plus the
// retry set in a single store read, then feed the index engine in chunks.
// The caller has already claimed the running flag.
func (ix *indexer) catchUp(ctx context.Context) error {
	defer ix.finishPass()

	start := time.Now()
	hwm := ix.m.IndexHighWaterMark()

	ix.mu.Lock()
	retry := make([]int, 0, len(ix.failed))
	for id := range ix.failed {
		retry = append(retry, id)
	}
	ix.mu.Unlock()
	sort.Ints(retry)

	var work []*store.ItemData
	err := ix.withConn(ctx, "indexFetch", func(conn store.Conn) error {
		work = work[:0]
		if len(retry) > 0 {
			rows, err := conn.GetItems(ctx, retry)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if row.IndexID != 0 {
					work = append(work, row)
				}
			}
		}
		rows, err := conn.ModifiedSince(ctx, hwm.ModContent)
		if err != nil {
			return err
		}
		seen := make(map[int]struct{}, len(work))
		for _, row := range work {
			seen[row.ID] = struct{}{}
		}
		for _, row := range rows {
			token := index.SyncToken{ModContent: row.ModContent, ItemID: row.ID}
			if !token.After(hwm) {
				continue
			}
			if _, dup := seen[row.ID]; dup {
				continue
			}
			work = append(work, row)
		}
		return nil
	})
	if err != nil {
		ix.noteFailure()
		return fmt.Errorf("mailstore: fetch deferred items: %w", err)
	}

	// Retry-set ids the store no longer returns were deleted; stop
	// tracking them.
	ix.pruneFailed(retry, work)

	if len(work) == 0 {
		return nil
	}

	submitted, err := ix.feed(ctx, work)
	ix.m.mgr.otel.recordIndexPass(ctx, time.Since(start), submitted, err)
	return err
}

// feed generates documents and hands work to the engine in chunks bounded
// by item count and byte size. After a recent failure the chunk shrinks
// to the failure batch size until a success clears the backoff.
func (ix *indexer) feed(ctx context.Context, work []*store.ItemData) (int, error) {
	opts := ix.m.mgr.opts
	var submitted int
	var firstErr error

	batch := make([]index.ItemEntry, 0, opts.maxBatchItems)
	var batchBytes int64
	flush := func() {
		if len(batch) == 0 {
			return
		}
		n, err := ix.addBatch(ctx, batch)
		submitted += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
		batch = batch[:0]
		batchBytes = 0
	}

	for _, row := range work {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}

		docs, err := ix.generateDocuments(ctx, row)
		if err != nil {
			ix.m.logger.Warn("document generation failed",
				"item_id", row.ID, "error", err)
			ix.markFailed(row.ID)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		batch = append(batch, index.ItemEntry{
			ItemID:      row.ID,
			IndexID:     row.IndexID,
			Documents:   docs,
			DeleteFirst: true,
			ModContent:  row.ModContent,
		})
		batchBytes += row.Size

		limit := opts.maxBatchItems
		if ix.failedRecently() {
			limit = opts.failureBatchItems
		}
		if len(batch) >= limit || batchBytes >= int64(opts.maxBatchBytes) {
			flush()
		}
	}
	flush()

	return submitted, firstErr
}

// addBatch writes one chunk. A failed chunk is replayed one entry at a
// time to isolate poison items; everything else in it still gets indexed.
func (ix *indexer) addBatch(ctx context.Context, batch []index.ItemEntry) (int, error) {
	err := ix.m.engine.Add(ctx, batch)
	if err == nil {
		ix.clearFailed(batch)
		return len(batch), nil
	}

	ix.noteFailure()
	if len(batch) == 1 {
		ix.markFailed(batch[0].ItemID)
		return 0, err
	}

	var submitted int
	for _, entry := range batch {
		single := []index.ItemEntry{entry}
		if addErr := ix.m.engine.Add(ctx, single); addErr != nil {
			ix.markFailed(entry.ItemID)
			ix.m.logger.Warn("index add failed",
				"item_id", entry.ItemID, "error", addErr)
			continue
		}
		ix.clearFailed(single)
		submitted++
	}
	return submitted, err
}

// generateDocuments builds the index document for one item: metadata
// fields plus body text extracted from the stored blob. A body in a
// format no extractor handles is indexed on metadata fields alone.
func (ix *indexer) generateDocuments(ctx context.Context, row *store.ItemData) ([]index.Document, error) {
	fields := make(map[string]string, 4)
	if row.Subject != "" {
		fields[index.FieldSubject] = row.Subject
	}
	if row.Name != "" {
		fields[index.FieldName] = row.Name
	}
	if from := metaString(row.Metadata, metaSender); from != "" {
		fields[index.FieldFrom] = from
	}

	opts := ix.m.mgr.opts
	if opts.blobs != nil && row.BlobDigest != "" {
		rc, err := opts.blobs.Open(ctx, &blob.Ref{
			Digest: row.BlobDigest,
			Size:   row.Size,
			Path:   metaString(row.Metadata, metaBlobPath),
		})
		if err != nil {
			return nil, fmt.Errorf("open content: %w", err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read content: %w", err)
		}
		text, err := opts.extract.Extract(metaString(row.Metadata, content.MetaContentType), data)
		switch {
		case errors.Is(err, content.ErrUnsupportedContentType):
		case err != nil:
			return nil, fmt.Errorf("extract text: %w", err)
		case text != "":
			fields[index.FieldBody] = text
		}
	}

	return []index.Document{{Fields: fields}}, nil
}

// IndexingCompleted is the engine's write confirmation. Successful
// batches are reconciled against the mailbox row in a short bookkeeping
// transaction; lost batches only arm the failure backoff, their items
// stay deferred and get retried.
func (ix *indexer) IndexingCompleted(count int, newest index.SyncToken, succeeded bool) {
	if !succeeded {
		ix.noteFailure()
		return
	}

	ix.mu.Lock()
	ix.lastFailure = time.Time{}
	ix.mu.Unlock()

	if count == 0 {
		return
	}
	ix.m.mgr.submitCompletion(func(ctx context.Context) {
		if err := ix.completeIndexing(ctx, count, newest); err != nil {
			ix.m.logger.Warn("index completion reconciliation failed",
				"count", count, "token", newest, "error", err)
		}
	})
}

// completeIndexing advances the high-water mark and shrinks the deferred
// count for count confirmed items. Index bookkeeping is not redo-logged:
// losing it only causes harmless re-indexing after recovery.
func (ix *indexer) completeIndexing(ctx context.Context, count int, newest index.SyncToken) error {
	m := ix.m
	return m.indexBookkeeping(ctx, "indexCompleted", func(cur *change) error {
		hwm := index.SyncToken{
			ModContent: cur.mailbox.HighestIndexedModContent,
			ItemID:     cur.mailbox.HighestIndexedItemID,
		}
		if newest.After(hwm) {
			cur.mailbox.HighestIndexedModContent = newest.ModContent
			cur.mailbox.HighestIndexedItemID = newest.ItemID
			hwm = newest
		} else if !newest.IsZero() {
			// The mark never moves backwards; a confirmation behind it
			// means work was confirmed out of order.
			m.logger.Warn("stale index completion ignored",
				"token", newest, "highWaterMark", hwm)
		}

		remaining := cur.mailbox.IndexDeferredCount - count
		if remaining < 0 {
			// The persisted count and the confirmations disagree. Recount
			// from the store rather than trusting either side.
			rows, err := cur.conn.ModifiedSince(ctx, hwm.ModContent)
			if err != nil {
				return err
			}
			remaining = 0
			for _, row := range rows {
				token := index.SyncToken{ModContent: row.ModContent, ItemID: row.ID}
				if token.After(hwm) {
					remaining++
				}
			}
			m.logger.Warn("deferred count drift repaired",
				"was", cur.mailbox.IndexDeferredCount,
				"confirmed", count, "now", remaining)
			m.mgr.otel.recordCountDrift(ctx, m.id)
		}
		cur.deferredDelta = remaining - cur.mailbox.IndexDeferredCount
		cur.mailbox.IndexDeferredCount = remaining
		return nil
	})
}

// withConn runs fn with a store connection inside a short read-only
// transaction.
func (ix *indexer) withConn(ctx context.Context, name string, fn func(store.Conn) error) error {
	m := ix.m
	if err := m.BeginTransaction(ctx, name, nil, nil); err != nil {
		return err
	}
	err := fn(m.cur.conn)
	if endErr := m.EndTransaction(ctx, err == nil); err == nil {
		err = endErr
	}
	return err
}

func (ix *indexer) noteFailure() {
	ix.mu.Lock()
	ix.lastFailure = time.Now()
	ix.mu.Unlock()
}

func (ix *indexer) failedCount() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.failed)
}

func (ix *indexer) failedRecently() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return !ix.lastFailure.IsZero()
}

func (ix *indexer) markFailed(itemID int) {
	ix.mu.Lock()
	ix.failed[itemID] = struct{}{}
	ix.mu.Unlock()
}

func (ix *indexer) clearFailed(entries []index.ItemEntry) {
	ix.mu.Lock()
	for _, e := range entries {
		delete(ix.failed, e.ItemID)
	}
	ix.mu.Unlock()
}

// pruneFailed drops retry-set ids the store no longer knows.
func (ix *indexer) pruneFailed(requested []int, rows []*store.ItemData) {
	if len(requested) == 0 {
		return
	}
	present := make(map[int]struct{}, len(rows))
	for _, row := range rows {
		present[row.ID] = struct{}{}
	}
	ix.mu.Lock()
	for _, id := range requested {
		if _, ok := present[id]; !ok {
			delete(ix.failed, id)
		}
	}
	ix.mu.Unlock()
}
