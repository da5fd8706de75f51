package mailstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rbaliyan/mailstore/index"
	"github.com/rbaliyan/mailstore/lock"
	"github.com/rbaliyan/mailstore/store"
)

// Mailbox is the transactional aggregate for one mailbox. All mutation
// goes through BeginTransaction/EndTransaction; transactions on one
// mailbox are serialized by the mailbox lock, different mailboxes
// proceed independently.
//
// Mailboxes are obtained from a Manager and are safe for concurrent use.
type Mailbox struct {
	id     int
	mgr    *Manager
	logger *slog.Logger
	lock   lock.Locker
	engine index.Engine

	// statsMu guards reads of data from outside the transaction lock.
	// Writes happen only at commit, under both.
	statsMu sync.RWMutex
	data    store.MailboxData

	// Caches, guarded by the mailbox lock. folders and tags are nil
	// until warmed by the first transaction.
	items   *itemCache
	folders *folderCache
	tags    *tagCache

	// cur is the active transaction, guarded by the mailbox lock.
	cur *change

	idx       *indexer
	listeners *listenerRegistry

	maintMu sync.Mutex
	maint   *MaintenanceHandle

	reindexMu sync.Mutex
	reindex   *ReindexStatus
}

func newMailbox(mgr *Manager, data *store.MailboxData) *Mailbox {
	m := &Mailbox{
		id:        data.ID,
		mgr:       mgr,
		logger:    mgr.logger.With("mailbox_id", data.ID),
		lock:      mgr.opts.locks(data.ID),
		data:      *data,
		items:     newItemCache(),
		listeners: newListenerRegistry(mgr.logger),
	}
	m.idx = newIndexer(m)
	m.engine = mgr.opts.engines(data.ID)
	m.engine.SetCompletion(m.idx)
	return m
}

// ID returns the mailbox id.
func (m *Mailbox) ID() int { return m.id }

// AccountID returns the owning account.
func (m *Mailbox) AccountID() string {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.data.AccountID
}

// LastChangeID returns the highest committed change-sequence.
func (m *Mailbox) LastChangeID() int {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.data.LastChangeID
}

// LastItemID returns the highest allocated item id.
func (m *Mailbox) LastItemID() int {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.data.LastItemID
}

// Size returns the total content size in bytes.
func (m *Mailbox) Size() int64 {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.data.Size
}

// DeferredCount returns the number of items with durable content not yet
// reflected in the index.
func (m *Mailbox) DeferredCount() int {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.data.IndexDeferredCount
}

// IndexHighWaterMark returns the newest (ModContent, ItemID) known
// durably indexed.
func (m *Mailbox) IndexHighWaterMark() index.SyncToken {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return index.SyncToken{
		ModContent: m.data.HighestIndexedModContent,
		ItemID:     m.data.HighestIndexedItemID,
	}
}

// MaybeIndexDeferredItems runs an opportunistic index catch-up pass when
// the deferred backlog is non-empty and neither the attempt gate nor the
// failure backoff is in effect. Commits schedule a pass automatically;
// callers use this to nudge the backlog on their own cadence.
func (m *Mailbox) MaybeIndexDeferredItems(ctx context.Context) {
	m.idx.MaybeIndexDeferredItems(ctx)
}

// AddListener registers a change listener. A listener with the same name
// replaces the previous registration.
func (m *Mailbox) AddListener(l Listener) {
	m.listeners.register(l)
}

// RemoveListener removes the named listener.
func (m *Mailbox) RemoveListener(name string) bool {
	return m.listeners.unregister(name)
}

// checkAccess rejects operation contexts acting for a different account.
// An empty AccountID is administrative and always allowed.
func (m *Mailbox) checkAccess(octxt *OpContext) error {
	if octxt == nil || octxt.AccountID == "" {
		return nil
	}
	if octxt.AccountID != m.data.AccountID {
		return fmt.Errorf("%w: account %q on mailbox %d", ErrPermissionDenied, octxt.AccountID, m.id)
	}
	return nil
}

// GetItem returns one non-structural item, from cache when warm.
func (m *Mailbox) GetItem(ctx context.Context, octxt *OpContext, itemID int) (*Item, error) {
	if err := m.BeginTransaction(ctx, "getItem", octxt, nil); err != nil {
		return nil, err
	}
	it, err := m.getItemLocked(ctx, octxt, itemID)
	if endErr := m.EndTransaction(ctx, err == nil); err == nil {
		err = endErr
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (m *Mailbox) getItemLocked(ctx context.Context, octxt *OpContext, itemID int) (*Item, error) {
	if err := m.checkAccess(octxt); err != nil {
		return nil, err
	}
	// Uncommitted work in the open transaction shadows both the cache
	// and the store connection: a read after a staged delete is a miss,
	// and a read after a staged write sees the staged row.
	if cur := m.cur; cur != nil {
		if _, gone := cur.deleted[itemID]; gone {
			return nil, fmt.Errorf("%w: item %d", ErrNotFound, itemID)
		}
		if it, ok := cur.created[itemID]; ok {
			return it, nil
		}
		if it, ok := cur.modified[itemID]; ok {
			return it, nil
		}
	}
	if it, ok := m.items.get(itemID); ok {
		return it, nil
	}
	row, err := m.cur.conn.GetItem(ctx, itemID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: item %d", ErrNotFound, itemID)
		}
		return nil, err
	}
	it := newItem(row)
	switch it.Type() {
	case store.TypeFolder, store.TypeTag:
		// Structural types live in their own caches.
	default:
		m.items.put(it)
	}
	return it, nil
}

// GetFolder returns a detached snapshot of one folder and its tree links.
// The folder cache is authoritative: a miss is ErrNotFound.
func (m *Mailbox) GetFolder(ctx context.Context, octxt *OpContext, folderID int) (*Folder, error) {
	var out *Folder
	err := m.readTxn(ctx, "getFolder", octxt, func() error {
		f, ok := m.folders.get(folderID)
		if !ok {
			return fmt.Errorf("%w: folder %d", ErrNotFound, folderID)
		}
		out = snapshotFolderTree(m.folders)[f.ID()]
		return nil
	})
	return out, err
}

// GetFolderByName finds a direct child of parentID by case-insensitive name.
func (m *Mailbox) GetFolderByName(ctx context.Context, octxt *OpContext, parentID int, name string) (*Folder, error) {
	var out *Folder
	err := m.readTxn(ctx, "getFolderByName", octxt, func() error {
		f, ok := m.folders.getByName(parentID, name)
		if !ok {
			return fmt.Errorf("%w: folder %q under %d", ErrNotFound, name, parentID)
		}
		out = snapshotFolderTree(m.folders)[f.ID()]
		return nil
	})
	return out, err
}

// ListFolders returns detached snapshots of every folder, sorted by id.
func (m *Mailbox) ListFolders(ctx context.Context, octxt *OpContext) ([]*Folder, error) {
	var out []*Folder
	err := m.readTxn(ctx, "listFolders", octxt, func() error {
		tree := snapshotFolderTree(m.folders)
		for _, f := range m.folders.all() {
			out = append(out, tree[f.ID()])
		}
		return nil
	})
	return out, err
}

// GetTag returns a detached snapshot of one tag.
func (m *Mailbox) GetTag(ctx context.Context, octxt *OpContext, tagID int) (*Tag, error) {
	var out *Tag
	err := m.readTxn(ctx, "getTag", octxt, func() error {
		t, ok := m.tags.get(tagID)
		if !ok {
			return fmt.Errorf("%w: tag %d", ErrNotFound, tagID)
		}
		out = snapshotTag(t)
		return nil
	})
	return out, err
}

// GetTagByName returns a detached snapshot of the named tag.
func (m *Mailbox) GetTagByName(ctx context.Context, octxt *OpContext, name string) (*Tag, error) {
	var out *Tag
	err := m.readTxn(ctx, "getTagByName", octxt, func() error {
		t, ok := m.tags.getByName(name)
		if !ok {
			return fmt.Errorf("%w: tag %q", ErrNotFound, name)
		}
		out = snapshotTag(t)
		return nil
	})
	return out, err
}

// ListTags returns detached snapshots of every tag, sorted by id.
func (m *Mailbox) ListTags(ctx context.Context, octxt *OpContext) ([]*Tag, error) {
	var out []*Tag
	err := m.readTxn(ctx, "listTags", octxt, func() error {
		for _, t := range m.tags.all() {
			out = append(out, snapshotTag(t))
		}
		return nil
	})
	return out, err
}

// ListItemsByFolder returns the non-structural items directly inside a
// folder.
func (m *Mailbox) ListItemsByFolder(ctx context.Context, octxt *OpContext, folderID int) ([]*Item, error) {
	var out []*Item
	err := m.readTxn(ctx, "listItemsByFolder", octxt, func() error {
		if _, ok := m.folders.get(folderID); !ok {
			return fmt.Errorf("%w: folder %d", ErrNotFound, folderID)
		}
		rows, err := m.cur.conn.ItemsByFolder(ctx, folderID)
		if err != nil {
			return err
		}
		for _, row := range rows {
			switch row.Type {
			case store.TypeFolder, store.TypeTag:
			default:
				out = append(out, newItem(row))
			}
		}
		return nil
	})
	return out, err
}

// GetConfig returns the value stored under the named config section,
// ErrNotFound when the section was never set.
func (m *Mailbox) GetConfig(ctx context.Context, octxt *OpContext, section string) ([]byte, error) {
	var out []byte
	err := m.readTxn(ctx, "getConfig", octxt, func() error {
		value, _, err := m.cur.conn.GetConfig(ctx, section)
		if err != nil {
			if store.IsNotFound(err) {
				return fmt.Errorf("%w: config section %q", ErrNotFound, section)
			}
			return err
		}
		out = value
		return nil
	})
	return out, err
}

// SetConfig stores an opaque value under the named config section. A nil
// value deletes the section.
func (m *Mailbox) SetConfig(ctx context.Context, octxt *OpContext, section string, value []byte) error {
	if err := m.BeginTransaction(ctx, "setConfig", octxt, nil); err != nil {
		return err
	}
	err := func() error {
		if err := m.checkAccess(octxt); err != nil {
			return err
		}
		if err := m.cur.conn.SetConfig(ctx, section, value, m.cur.changeID); err != nil {
			return fmt.Errorf("mailstore: set config %q: %w", section, err)
		}
		m.cur.dirty = true
		return nil
	}()
	if endErr := m.EndTransaction(ctx, err == nil); err == nil {
		err = endErr
	}
	return err
}

// readTxn runs fn inside a read-only transaction with the access check
// already applied.
func (m *Mailbox) readTxn(ctx context.Context, name string, octxt *OpContext, fn func() error) error {
	if err := m.BeginTransaction(ctx, name, octxt, nil); err != nil {
		return err
	}
	err := m.checkAccess(octxt)
	if err == nil {
		err = fn()
	}
	if endErr := m.EndTransaction(ctx, err == nil); err == nil {
		err = endErr
	}
	return err
}
