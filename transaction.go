package mailstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/mailstore/blob"
	"github.com/rbaliyan/mailstore/redolog"
	"github.com/rbaliyan/mailstore/store"
)

// OpContext carries the caller identity and, for redo playback, the
// pre-assigned change-sequence of the transaction being replayed.
type OpContext struct {
	// AccountID identifies the acting account. Operations on a mailbox
	// owned by a different account fail with ErrPermissionDenied unless
	// the context is administrative (empty AccountID).
	AccountID string

	// ChangeID, when positive, fixes the transaction's change-sequence
	// instead of allocating the next one. Used only by redo playback.
	ChangeID int

	// Timestamp overrides the operation time. Zero means now.
	Timestamp time.Time
}

func (o *OpContext) timestamp() time.Time {
	if o != nil && !o.Timestamp.IsZero() {
		return o.Timestamp
	}
	return time.Now()
}

// change is the per-transaction working state. It exists only between
// the outermost BeginTransaction and EndTransaction, and is guarded by
// the mailbox lock throughout.
type change struct {
	name     string
	octxt    *OpContext
	depth    int
	conn     store.Conn
	changeID int
	replay   bool
	started  time.Time
	recorder redolog.Recorder
	logged   bool
	failed   bool
	dirty    bool

	// mailbox is the working copy of the mailbox row; committed back in
	// one piece at the end.
	mailbox *store.MailboxData

	// Dirty-set. created/modified hold live cache candidates, deleted
	// maps item id to index id so index entries can be retired.
	created  map[int]*Item
	modified map[int]*Item
	deleted  map[int]int

	touchedFolders bool
	touchedTags    bool

	// deferredDelta is the net change to the deferred-indexing count.
	deferredDelta int

	// indexDeletes are index ids to retire from the engine post-commit.
	indexDeletes []int

	// stagedBlobs are blobs staged but not yet committed by this
	// transaction; newBlobs were committed to their final location and
	// must be deleted if the transaction rolls back. deadBlobs belong to
	// deleted items and are removed only after a successful commit. All
	// blob cleanup runs outside the lock since the external store may
	// block.
	stagedBlobs []*blob.Staged
	newBlobs    []*blob.Ref
	deadBlobs   []*blob.Ref
}

func (c *change) markCreated(it *Item) {
	c.dirty = true
	c.created[it.ID()] = it
}

func (c *change) markModified(it *Item) {
	c.dirty = true
	if _, isNew := c.created[it.ID()]; isNew {
		c.created[it.ID()] = it
		return
	}
	c.modified[it.ID()] = it
}

func (c *change) markDeleted(id, indexID int) {
	c.dirty = true
	delete(c.created, id)
	delete(c.modified, id)
	c.deleted[id] = indexID
	if indexID != 0 {
		c.indexDeletes = append(c.indexDeletes, indexID)
	}
}

// BeginTransaction starts (or nests into) a transaction on the mailbox.
// It blocks until the mailbox lock is acquired or ctx is done. The
// outermost call opens a store connection, assigns the change-sequence,
// starts the redo recorder and warms the folder/tag caches.
//
// rec optionally supplies the redo recorder for the outermost
// transaction; passing one to a nested call is a programming error.
// Every successful BeginTransaction must be paired with EndTransaction.
func (m *Mailbox) BeginTransaction(ctx context.Context, name string, octxt *OpContext, rec redolog.Recorder) error {
	if err := m.lock.Lock(ctx); err != nil {
		return fmt.Errorf("mailstore: acquire mailbox %d lock: %w", m.id, err)
	}

	if m.cur != nil {
		// Nested transaction: share the outer context.
		if rec != nil {
			m.lock.Unlock()
			return ErrNestedRedoRecorder
		}
		m.cur.depth++
		return nil
	}

	m.maintMu.Lock()
	maint := m.maint
	m.maintMu.Unlock()
	if maint != nil {
		m.lock.Unlock()
		return &MaintenanceError{MailboxID: m.id, Since: maint.since}
	}

	conn, err := m.mgr.opts.store.Begin(ctx, m.id)
	if err != nil {
		m.lock.Unlock()
		return fmt.Errorf("mailstore: begin store transaction: %w", err)
	}

	cur := &change{
		name:     name,
		octxt:    octxt,
		depth:    1,
		conn:     conn,
		started:  time.Now(),
		mailbox:  m.data.Clone(),
		created:  make(map[int]*Item),
		modified: make(map[int]*Item),
		deleted:  make(map[int]int),
	}

	if octxt != nil && octxt.ChangeID > 0 {
		// Redo playback: the sequence was assigned by the original run and
		// must not be re-logged.
		cur.replay = true
		cur.changeID = octxt.ChangeID
		if cur.changeID > cur.mailbox.LastChangeID {
			cur.mailbox.LastChangeID = cur.changeID
		}
		cur.recorder = redolog.Nop{}
	} else {
		cur.changeID = cur.mailbox.LastChangeID + 1
		cur.mailbox.LastChangeID = cur.changeID
		if rec == nil {
			rec = m.mgr.opts.redo.Begin(m.id, name, nil)
		}
		cur.recorder = rec
	}
	cur.recorder.Start(octxt.timestamp())
	cur.recorder.SetChangeID(cur.changeID)

	if err := m.warmCaches(ctx, conn); err != nil {
		conn.Rollback(ctx)
		m.lock.Unlock()
		return err
	}

	m.cur = cur
	return nil
}

// EndTransaction completes the innermost BeginTransaction. A nested call
// only records the outcome; the outermost call commits on success (of
// itself and every nested transaction) or rolls back everything.
func (m *Mailbox) EndTransaction(ctx context.Context, success bool) error {
	cur := m.cur
	if cur == nil || !m.lock.HeldByCaller() {
		return ErrNoTransaction
	}

	if !success {
		cur.failed = true
	}
	cur.depth--
	if cur.depth > 0 {
		m.lock.Unlock()
		return nil
	}

	var post []func()
	var err error
	if cur.failed {
		post = m.rollback(ctx, cur, nil)
	} else {
		post, err = m.commit(ctx, cur)
	}

	m.cur = nil
	m.lock.Unlock()

	for _, fn := range post {
		fn()
	}
	return err
}

// commit drives the fixed commit order: mailbox row write, redo intent,
// store commit, redo commit marker, index flush, cache publication,
// listener notification. Returns closures to run after lock release.
func (m *Mailbox) commit(ctx context.Context, cur *change) ([]func(), error) {
	if !cur.dirty {
		// Read-only transaction: nothing to make durable.
		cur.conn.Rollback(ctx)
		m.trimCaches()
		return nil, nil
	}

	if err := cur.conn.UpdateMailbox(ctx, cur.mailbox); err != nil {
		return m.rollback(ctx, cur, nil), fmt.Errorf("mailstore: update mailbox row: %w", err)
	}

	if err := cur.recorder.Log(ctx); err != nil {
		return m.rollback(ctx, cur, nil), fmt.Errorf("mailstore: write redo intent: %w", err)
	}
	cur.logged = true

	if err := cur.conn.Commit(ctx); err != nil {
		if _, nop := cur.recorder.(redolog.Nop); cur.logged && !nop {
			// The intent record is durable but the store state is unknown.
			// Continuing would let memory, log and store diverge; halt and
			// recover by redo playback.
			fatal := &CommitFatalError{MailboxID: m.id, ChangeID: cur.changeID, Op: cur.name, Err: err}
			post := m.rollback(ctx, cur, fatal)
			m.mgr.fatal(fatal)
			return post, fatal
		}
		return m.rollback(ctx, cur, nil), fmt.Errorf("mailstore: store commit: %w", err)
	}

	// The change is durable from here on. The commit marker keeps replay
	// from re-running it; failing to write the marker is tolerable because
	// replay is idempotent.
	if err := cur.recorder.Commit(ctx); err != nil {
		m.logger.Warn("redo commit marker write failed", "change_id", cur.changeID, "error", err)
	}

	// Publish to caches.
	m.statsMu.Lock()
	m.data = *cur.mailbox
	m.statsMu.Unlock()
	for _, it := range cur.created {
		if it.Type() != store.TypeFolder && it.Type() != store.TypeTag {
			m.items.put(it)
		}
	}
	for _, it := range cur.modified {
		if it.Type() != store.TypeFolder && it.Type() != store.TypeTag {
			m.items.put(it)
		}
	}
	for id := range cur.deleted {
		m.items.remove(id)
	}
	m.trimCaches()

	// Hand the committed change to the indexing coordinator.
	m.idx.noteCommitted(ctx, cur.deferredDelta)

	n := m.buildNotification(cur)
	m.listeners.notifyAll(ctx, n)

	m.mgr.otel.recordCommit(ctx, time.Since(cur.started), cur.name,
		len(cur.created)+len(cur.modified)+len(cur.deleted), nil)

	// Event publication and the opportunistic catch-up pass run outside
	// the lock.
	ev := ChangeCommittedEvent{
		MailboxID:   m.id,
		ChangeID:    cur.changeID,
		Op:          cur.name,
		CreatedIDs:  keysOf(cur.created),
		ModifiedIDs: keysOf(cur.modified),
		DeletedIDs:  n.DeletedIDs,
		CommittedAt: n.Timestamp,
	}
	post := []func(){
		func() { m.mgr.publishChange(ev) },
		func() { m.idx.MaybeIndexDeferredItems(context.WithoutCancel(ctx)) },
	}
	if len(cur.indexDeletes) > 0 {
		deletes := append([]int(nil), cur.indexDeletes...)
		post = append(post, func() {
			m.mgr.submitCompletion(func(taskCtx context.Context) {
				if err := m.engine.Delete(taskCtx, deletes); err != nil {
					m.logger.Warn("index delete failed", "index_ids", deletes, "error", err)
				}
			})
		})
	}
	if len(cur.deadBlobs) > 0 {
		dead := append([]*blob.Ref(nil), cur.deadBlobs...)
		post = append(post, func() { m.mgr.deleteBlobs(dead) })
	}
	return post, nil
}

// rollback discards the transaction. Folder and tag caches are dropped
// wholesale when touched: partial repair of the tree risks a stale
// parent/child graph, and both reload cheaply. Blobs staged by the failed
// transaction are discarded outside the lock since the external store
// may block.
func (m *Mailbox) rollback(ctx context.Context, cur *change, cause error) []func() {
	cur.conn.Rollback(ctx)

	if err := cur.recorder.Abort(ctx); err != nil {
		m.logger.Warn("redo abort marker write failed", "change_id", cur.changeID, "error", err)
	}

	if cur.touchedFolders || cur.touchedTags {
		m.folders = nil
		m.tags = nil
	}
	for id := range cur.created {
		m.items.remove(id)
	}
	for id := range cur.modified {
		m.items.remove(id)
	}
	for id := range cur.deleted {
		m.items.remove(id)
	}

	m.mgr.otel.recordRollback(ctx, cur.name)
	if cause == nil && cur.dirty {
		m.logger.Debug("transaction rolled back", "op", cur.name, "change_id", cur.changeID)
	}

	var post []func()
	if len(cur.stagedBlobs) > 0 {
		staged := append([]*blob.Staged(nil), cur.stagedBlobs...)
		post = append(post, func() { m.mgr.discardBlobs(staged) })
	}
	if len(cur.newBlobs) > 0 {
		refs := append([]*blob.Ref(nil), cur.newBlobs...)
		post = append(post, func() { m.mgr.deleteBlobs(refs) })
	}
	return post
}

// buildNotification snapshots the dirty-set for listeners.
func (m *Mailbox) buildNotification(cur *change) *ChangeNotification {
	n := &ChangeNotification{
		MailboxID: m.id,
		ChangeID:  cur.changeID,
		Op:        cur.name,
		Timestamp: cur.octxt.timestamp(),
	}
	for _, it := range cur.created {
		switch it.Type() {
		case store.TypeFolder, store.TypeTag:
		default:
			n.Created = append(n.Created, snapshotItem(it))
		}
	}
	for _, it := range cur.modified {
		switch it.Type() {
		case store.TypeFolder, store.TypeTag:
		default:
			n.Modified = append(n.Modified, snapshotItem(it))
		}
	}
	for id := range cur.deleted {
		n.DeletedIDs = append(n.DeletedIDs, id)
	}
	if cur.touchedFolders && m.folders != nil {
		n.Folders = snapshotFolderTree(m.folders)
	}
	if cur.touchedTags && m.tags != nil {
		for _, t := range m.tags.all() {
			n.Tags = append(n.Tags, snapshotTag(t))
		}
	}
	return n
}

// warmCaches loads the folder and tag caches when empty. They are
// authoritative once warmed; rollback drops them and the next
// transaction rebuilds here.
func (m *Mailbox) warmCaches(ctx context.Context, conn store.Conn) error {
	if m.folders == nil {
		rows, err := conn.ItemsByType(ctx, store.TypeFolder)
		if err != nil {
			return fmt.Errorf("mailstore: load folders: %w", err)
		}
		m.folders = newFolderCache(rows)
	}
	if m.tags == nil {
		rows, err := conn.ItemsByType(ctx, store.TypeTag)
		if err != nil {
			return fmt.Errorf("mailstore: load tags: %w", err)
		}
		m.tags = newTagCache(rows)
	}
	return nil
}

// trimCaches shrinks the item LRU to its target size. Active listeners
// benefit from a warm cache; idle mailboxes get trimmed hard.
func (m *Mailbox) trimCaches() {
	target := m.mgr.opts.itemCachePassive
	if m.listeners.active() {
		target = m.mgr.opts.itemCacheActive
	}
	m.items.trim(target)
}

// requireTransaction returns the active change or ErrNoTransaction.
func (m *Mailbox) requireTransaction() (*change, error) {
	if m.cur == nil || !m.lock.HeldByCaller() {
		return nil, ErrNoTransaction
	}
	return m.cur, nil
}

func keysOf[V any](m map[int]V) []int {
	if len(m) == 0 {
		return nil
	}
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
