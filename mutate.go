package mailstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rbaliyan/mailstore/blob"
	"github.com/rbaliyan/mailstore/index"
	"github.com/rbaliyan/mailstore/retry"
	"github.com/rbaliyan/mailstore/store"
	"go.opentelemetry.io/otel/attribute"
)

// metaBlobPath is the metadata key recording the blob's storage path, so
// deletions can address the external store without re-deriving layout.
const metaBlobPath = "blob_path"

// AddMessageOptions describes a new content item. Type defaults to
// TypeMessage; contacts, documents and appointments use the same entry
// point with a different Type.
type AddMessageOptions struct {
	// FolderID is the destination folder, Inbox when zero.
	FolderID int

	// Type must be an indexable item type. Defaults to TypeMessage.
	Type store.ItemType

	Subject string
	Name    string
	Flags   Flag

	// Tags lists tag names to apply; every name must already exist.
	Tags []string

	// Date defaults to the operation timestamp.
	Date time.Time

	// Content is the raw message body, staged to the blob store before
	// the mailbox lock is taken. Optional for metadata-only types.
	Content io.Reader

	Metadata map[string]any
}

// AddMessage creates a content item. The blob is staged outside the
// mailbox lock; the row and the blob's permanent location are committed
// together with the transaction.
func (m *Mailbox) AddMessage(ctx context.Context, octxt *OpContext, opts *AddMessageOptions) (*Item, error) {
	var err error
	ctx, end := m.mgr.otel.startSpan(ctx, "AddMessage", attribute.Int("mailbox_id", m.id))
	defer func() { end(err) }()

	if opts == nil {
		opts = &AddMessageOptions{}
	}
	typ := opts.Type
	if typ == store.TypeUnknown {
		typ = store.TypeMessage
	}
	if !typ.Indexable() {
		err = fmt.Errorf("%w: type %s cannot be added as content", ErrInvalidID, typ)
		return nil, err
	}
	if err = validateSubject(opts.Subject); err != nil {
		return nil, err
	}
	if err = validateMetadata(opts.Metadata); err != nil {
		return nil, err
	}
	folderID := opts.FolderID
	if folderID == 0 {
		folderID = FolderIDInbox
	}

	// Stage content before taking the lock; staging may stream megabytes
	// to an external store.
	var staged *blob.Staged
	if opts.Content != nil {
		if m.mgr.opts.blobs == nil {
			err = ErrBlobStoreNotConfigured
			return nil, err
		}
		staged, err = m.mgr.opts.blobs.Stage(ctx, opts.Content)
		if err != nil {
			err = fmt.Errorf("mailstore: stage content: %w", err)
			return nil, err
		}
	}

	if err = m.BeginTransaction(ctx, "addMessage", octxt, nil); err != nil {
		if staged != nil {
			m.mgr.discardBlobs([]*blob.Staged{staged})
		}
		return nil, err
	}
	cur := m.cur
	if staged != nil {
		cur.stagedBlobs = append(cur.stagedBlobs, staged)
	}

	var it *Item
	err = func() error {
		if err := m.checkAccess(octxt); err != nil {
			return err
		}
		folder, ok := m.folders.get(folderID)
		if !ok {
			return fmt.Errorf("%w: folder %d", ErrNotFound, folderID)
		}
		for _, name := range opts.Tags {
			if _, ok := m.tags.getByName(name); !ok {
				return fmt.Errorf("%w: tag %q", ErrNotFound, name)
			}
		}

		id := m.allocateItemID(cur)
		row := &store.ItemData{
			MailboxID:   m.id,
			ID:          id,
			Type:        typ,
			FolderID:    folderID,
			IndexID:     id,
			Flags:       int(opts.Flags),
			Tags:        append([]string(nil), opts.Tags...),
			Name:        opts.Name,
			Subject:     opts.Subject,
			Metadata:    opts.Metadata,
			Date:        opts.Date,
			ModMetadata: cur.changeID,
			ModContent:  cur.changeID,
		}
		if row.Date.IsZero() {
			row.Date = octxt.timestamp()
		}
		if opts.Flags.Has(FlagUnread) {
			row.Unread = 1
		}

		if staged != nil {
			// The staged-to-final hop is a server-side copy and safe to
			// repeat; the backoff is kept short since the lock is held.
			cfg := blobRetryConfig()
			cfg.MaxBackoff = time.Second
			ref, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) (*blob.Ref, error) {
				return m.mgr.opts.blobs.Commit(ctx, staged, m.id, id)
			})
			if err != nil {
				return fmt.Errorf("mailstore: commit content blob: %w", err)
			}
			cur.stagedBlobs = cur.stagedBlobs[:len(cur.stagedBlobs)-1]
			cur.newBlobs = append(cur.newBlobs, ref)
			row.BlobDigest = ref.Digest
			row.Size = ref.Size
			if row.Metadata == nil {
				row.Metadata = make(map[string]any, 1)
			}
			row.Metadata[metaBlobPath] = ref.Path
		}

		if err := cur.conn.CreateItem(ctx, row); err != nil {
			return fmt.Errorf("mailstore: create item: %w", err)
		}
		it = newItem(row)
		cur.markCreated(it)

		if err := m.applyFolderDelta(ctx, folder, 1, row.Unread, row.Size); err != nil {
			return err
		}
		if err := m.applyTagDelta(ctx, row.Tags, row.Unread); err != nil {
			return err
		}

		cur.mailbox.Size += row.Size
		if typ == store.TypeContact {
			cur.mailbox.ContactCount++
		}
		if folderID == FolderIDInbox {
			cur.mailbox.RecentCount++
		}
		cur.mailbox.IndexDeferredCount++
		cur.deferredDelta++
		return nil
	}()
	if endErr := m.EndTransaction(ctx, err == nil); err == nil {
		err = endErr
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// CreateFolder creates a subfolder of parentID.
func (m *Mailbox) CreateFolder(ctx context.Context, octxt *OpContext, parentID int, name string) (*Folder, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	var out *Folder
	err := m.writeTxn(ctx, "createFolder", octxt, func(cur *change) error {
		if _, ok := m.folders.get(parentID); !ok {
			return fmt.Errorf("%w: folder %d", ErrNotFound, parentID)
		}
		if _, ok := m.folders.getByName(parentID, name); ok {
			return fmt.Errorf("%w: folder %q", ErrDuplicateName, name)
		}

		id := m.allocateItemID(cur)
		row := &store.ItemData{
			MailboxID:   m.id,
			ID:          id,
			Type:        store.TypeFolder,
			FolderID:    parentID,
			ParentID:    parentID,
			Name:        name,
			Date:        octxt.timestamp(),
			ModMetadata: cur.changeID,
			ModContent:  cur.changeID,
		}
		if err := cur.conn.CreateItem(ctx, row); err != nil {
			return fmt.Errorf("mailstore: create folder: %w", err)
		}
		f := &Folder{Item: Item{data: *row}}
		m.folders.put(f)
		cur.markCreated(&f.Item)
		cur.touchedFolders = true
		out = snapshotFolderTree(m.folders)[id]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateTag creates a tag. Tag names are unique per mailbox,
// case-insensitively.
func (m *Mailbox) CreateTag(ctx context.Context, octxt *OpContext, name string) (*Tag, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	var out *Tag
	err := m.writeTxn(ctx, "createTag", octxt, func(cur *change) error {
		if _, ok := m.tags.getByName(name); ok {
			return fmt.Errorf("%w: tag %q", ErrDuplicateName, name)
		}

		id := m.allocateItemID(cur)
		row := &store.ItemData{
			MailboxID:   m.id,
			ID:          id,
			Type:        store.TypeTag,
			Name:        name,
			Date:        octxt.timestamp(),
			ModMetadata: cur.changeID,
			ModContent:  cur.changeID,
		}
		if err := cur.conn.CreateItem(ctx, row); err != nil {
			return fmt.Errorf("mailstore: create tag: %w", err)
		}
		t := &Tag{Item: Item{data: *row}}
		m.tags.put(t)
		cur.markCreated(&t.Item)
		cur.touchedTags = true
		out = snapshotTag(t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MoveItem moves an item or folder into the target folder. System
// folders and tags cannot be moved.
func (m *Mailbox) MoveItem(ctx context.Context, octxt *OpContext, itemID, targetID int) error {
	return m.writeTxn(ctx, "moveItem", octxt, func(cur *change) error {
		target, ok := m.folders.get(targetID)
		if !ok {
			return fmt.Errorf("%w: folder %d", ErrNotFound, targetID)
		}

		if f, ok := m.folders.get(itemID); ok {
			return m.moveFolder(ctx, cur, f, target)
		}
		if _, ok := m.tags.get(itemID); ok {
			return fmt.Errorf("%w: tag %d", ErrImmutableItem, itemID)
		}

		it, err := m.getItemLocked(ctx, octxt, itemID)
		if err != nil {
			return err
		}
		if it.FolderID() == targetID {
			return nil
		}
		src, ok := m.folders.get(it.FolderID())
		if !ok {
			return fmt.Errorf("%w: folder %d", ErrNotFound, it.FolderID())
		}

		row := it.Data()
		row.FolderID = targetID
		row.ModMetadata = cur.changeID
		// Stamp the move time so trash retention counts from deletion,
		// not from the item's original date.
		if targetID == FolderIDTrash {
			if row.Metadata == nil {
				row.Metadata = make(map[string]any)
			}
			row.Metadata[metaTrashedAt] = time.Now().UTC().Format(time.RFC3339)
		} else {
			delete(row.Metadata, metaTrashedAt)
		}
		if err := cur.conn.UpdateItem(ctx, row); err != nil {
			return conflictErr("move item", err)
		}
		cur.markModified(newItem(row))

		if err := m.applyFolderDelta(ctx, src, -1, -row.Unread, -row.Size); err != nil {
			return err
		}
		return m.applyFolderDelta(ctx, target, 1, row.Unread, row.Size)
	})
}

func (m *Mailbox) moveFolder(ctx context.Context, cur *change, f, target *Folder) error {
	if f.IsSystem() {
		return fmt.Errorf("%w: folder %d", ErrImmutableItem, f.ID())
	}
	if f.ID() == target.ID() {
		return fmt.Errorf("%w: folder cannot contain itself", ErrInvalidID)
	}
	// The target must not be a descendant of the moved folder.
	for p := target; p != nil; p = p.parent {
		if p.ID() == f.ID() {
			return fmt.Errorf("%w: folder %d is a descendant of %d", ErrInvalidID, target.ID(), f.ID())
		}
	}
	if _, ok := m.folders.getByName(target.ID(), f.Name()); ok {
		return fmt.Errorf("%w: folder %q", ErrDuplicateName, f.Name())
	}

	f.data.ParentID = target.ID()
	f.data.FolderID = target.ID()
	f.data.ModMetadata = cur.changeID
	if err := cur.conn.UpdateItem(ctx, f.data.Clone()); err != nil {
		return conflictErr("move folder", err)
	}
	m.folders.relink()
	cur.markModified(&f.Item)
	cur.touchedFolders = true
	return nil
}

// RenameItem renames a folder or tag.
func (m *Mailbox) RenameItem(ctx context.Context, octxt *OpContext, itemID int, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	return m.writeTxn(ctx, "renameItem", octxt, func(cur *change) error {
		if f, ok := m.folders.get(itemID); ok {
			if f.IsSystem() {
				return fmt.Errorf("%w: folder %d", ErrImmutableItem, itemID)
			}
			if dup, ok := m.folders.getByName(f.ParentID(), name); ok && dup.ID() != itemID {
				return fmt.Errorf("%w: folder %q", ErrDuplicateName, name)
			}
			f.data.Name = name
			f.data.ModMetadata = cur.changeID
			if err := cur.conn.UpdateItem(ctx, f.data.Clone()); err != nil {
				return conflictErr("rename folder", err)
			}
			m.folders.relink()
			cur.markModified(&f.Item)
			cur.touchedFolders = true
			return nil
		}
		if t, ok := m.tags.get(itemID); ok {
			if dup, ok := m.tags.getByName(name); ok && dup.ID() != itemID {
				return fmt.Errorf("%w: tag %q", ErrDuplicateName, name)
			}
			m.tags.remove(t.ID())
			t.data.Name = name
			t.data.ModMetadata = cur.changeID
			if err := cur.conn.UpdateItem(ctx, t.data.Clone()); err != nil {
				return conflictErr("rename tag", err)
			}
			m.tags.put(t)
			cur.markModified(&t.Item)
			cur.touchedTags = true
			return nil
		}
		return fmt.Errorf("%w: item %d", ErrNotFound, itemID)
	})
}

// MarkRead sets or clears the unread flag, maintaining folder and tag
// unread counts.
func (m *Mailbox) MarkRead(ctx context.Context, octxt *OpContext, itemID int, read bool) error {
	return m.writeTxn(ctx, "markRead", octxt, func(cur *change) error {
		it, err := m.getItemLocked(ctx, octxt, itemID)
		if err != nil {
			return err
		}
		if it.IsUnread() != read {
			// Already in the requested state.
			return nil
		}

		row := it.Data()
		row.Flags = int(Flag(row.Flags).With(FlagUnread, !read))
		delta := 1
		if read {
			delta = -1
			row.Unread = 0
		} else {
			row.Unread = 1
		}
		row.ModMetadata = cur.changeID
		if err := cur.conn.UpdateItem(ctx, row); err != nil {
			return conflictErr("mark read", err)
		}
		cur.markModified(newItem(row))

		if folder, ok := m.folders.get(row.FolderID); ok {
			if err := m.applyFolderDelta(ctx, folder, 0, delta, 0); err != nil {
				return err
			}
		}
		return m.applyTagDelta(ctx, row.Tags, delta)
	})
}

// AlterTag applies or removes the named tag on an item, maintaining the
// tag's unread count.
func (m *Mailbox) AlterTag(ctx context.Context, octxt *OpContext, itemID int, tagName string, apply bool) error {
	return m.writeTxn(ctx, "alterTag", octxt, func(cur *change) error {
		tag, ok := m.tags.getByName(tagName)
		if !ok {
			return fmt.Errorf("%w: tag %q", ErrNotFound, tagName)
		}
		it, err := m.getItemLocked(ctx, octxt, itemID)
		if err != nil {
			return err
		}
		if it.hasTag(tag.Name()) == apply {
			return nil
		}

		row := it.Data()
		if apply {
			row.Tags = append(row.Tags, tag.Name())
		} else {
			kept := row.Tags[:0]
			for _, t := range row.Tags {
				if !strings.EqualFold(t, tag.Name()) {
					kept = append(kept, t)
				}
			}
			row.Tags = kept
		}
		row.ModMetadata = cur.changeID
		if err := cur.conn.UpdateItem(ctx, row); err != nil {
			return conflictErr("alter tag", err)
		}
		cur.markModified(newItem(row))

		if row.Unread > 0 {
			delta := 1
			if !apply {
				delta = -1
			}
			return m.applyTagDelta(ctx, []string{tag.Name()}, delta)
		}
		return nil
	})
}

// DeleteItems removes items. Folders must be empty, system folders are
// immutable; deleting a tag leaves stale names on items, which readers
// ignore since the tag cache is authoritative. Blobs of deleted items
// are removed from the external store only after the commit succeeds.
func (m *Mailbox) DeleteItems(ctx context.Context, octxt *OpContext, itemIDs ...int) error {
	return m.writeTxn(ctx, "deleteItems", octxt, func(cur *change) error {
		hwm := index.SyncToken{
			ModContent: cur.mailbox.HighestIndexedModContent,
			ItemID:     cur.mailbox.HighestIndexedItemID,
		}
		for _, id := range itemIDs {
			if f, ok := m.folders.get(id); ok {
				if err := m.deleteFolder(ctx, cur, f); err != nil {
					return err
				}
				continue
			}
			if _, ok := m.tags.get(id); ok {
				if err := cur.conn.DeleteItems(ctx, []int{id}); err != nil {
					return err
				}
				m.tags.remove(id)
				cur.markDeleted(id, 0)
				cur.touchedTags = true
				continue
			}

			it, err := m.getItemLocked(ctx, octxt, id)
			if err != nil {
				return err
			}
			if err := m.deleteItemLocked(ctx, cur, it.Data(), hwm); err != nil {
				return err
			}
		}
		return nil
	})
}

// deleteItemLocked removes one content item row and applies every piece of
// accounting tied to it: folder and tag counters, mailbox size, deferred
// index count and the dead-blob list. Caller holds the mailbox transaction.
func (m *Mailbox) deleteItemLocked(ctx context.Context, cur *change, row *store.ItemData, hwm index.SyncToken) error {
	if err := cur.conn.DeleteItems(ctx, []int{row.ID}); err != nil {
		return err
	}
	cur.markDeleted(row.ID, row.IndexID)

	if folder, ok := m.folders.get(row.FolderID); ok {
		if err := m.applyFolderDelta(ctx, folder, -1, -row.Unread, -row.Size); err != nil {
			return err
		}
	}
	if err := m.applyTagDelta(ctx, row.Tags, -row.Unread); err != nil {
		return err
	}

	cur.mailbox.Size -= row.Size
	if row.Type == store.TypeContact && cur.mailbox.ContactCount > 0 {
		cur.mailbox.ContactCount--
	}
	// An item deleted before it was indexed is no longer deferred.
	if row.IndexID != 0 {
		token := index.SyncToken{ModContent: row.ModContent, ItemID: row.ID}
		if token.After(hwm) && cur.mailbox.IndexDeferredCount > 0 {
			cur.mailbox.IndexDeferredCount--
			cur.deferredDelta--
		}
	}
	if row.BlobDigest != "" {
		cur.deadBlobs = append(cur.deadBlobs, &blob.Ref{
			Digest: row.BlobDigest,
			Size:   row.Size,
			Path:   metaString(row.Metadata, metaBlobPath),
		})
	}
	return nil
}

func (m *Mailbox) deleteFolder(ctx context.Context, cur *change, f *Folder) error {
	if f.IsSystem() {
		return fmt.Errorf("%w: folder %d", ErrImmutableItem, f.ID())
	}
	if len(f.children) > 0 || f.ItemCount() > 0 {
		return fmt.Errorf("%w: folder %d", ErrFolderNotEmpty, f.ID())
	}
	if err := cur.conn.DeleteItems(ctx, []int{f.ID()}); err != nil {
		return err
	}
	m.folders.remove(f.ID())
	cur.markDeleted(f.ID(), 0)
	cur.touchedFolders = true
	return nil
}

// RecalculateCounts rescans every row and repairs folder counts, tag
// unread counts and the mailbox aggregates. Drift is logged and fixed,
// never fatal.
func (m *Mailbox) RecalculateCounts(ctx context.Context, octxt *OpContext) error {
	return m.writeTxn(ctx, "recalculateCounts", octxt, func(cur *change) error {
		rows, err := cur.conn.ItemsByType(ctx)
		if err != nil {
			return err
		}

		type folderTally struct {
			count  int
			unread int
			size   int64
		}
		folderTallies := make(map[int]*folderTally)
		tagUnread := make(map[string]int)
		var size int64
		var contacts int

		for _, row := range rows {
			switch row.Type {
			case store.TypeFolder, store.TypeTag:
				continue
			}
			t := folderTallies[row.FolderID]
			if t == nil {
				t = &folderTally{}
				folderTallies[row.FolderID] = t
			}
			t.count++
			t.unread += row.Unread
			t.size += row.Size
			size += row.Size
			if row.Type == store.TypeContact {
				contacts++
			}
			if row.Unread > 0 {
				for _, name := range row.Tags {
					tagUnread[strings.ToLower(name)] += row.Unread
				}
			}
		}

		for _, f := range m.folders.all() {
			t := folderTallies[f.ID()]
			if t == nil {
				t = &folderTally{}
			}
			if f.ItemCount() == t.count && f.UnreadCount() == t.unread && f.TotalSize() == t.size {
				continue
			}
			m.logger.Warn("folder count drift repaired",
				"folder_id", f.ID(),
				"count", t.count, "unread", t.unread, "size", t.size,
			)
			f.setItemCount(t.count)
			f.data.Unread = t.unread
			f.data.Size = t.size
			f.data.ModMetadata = cur.changeID
			if err := cur.conn.UpdateItem(ctx, f.data.Clone()); err != nil {
				return err
			}
			cur.markModified(&f.Item)
			cur.touchedFolders = true
		}

		for _, t := range m.tags.all() {
			want := tagUnread[strings.ToLower(t.Name())]
			if t.UnreadCount() == want {
				continue
			}
			m.logger.Warn("tag unread drift repaired", "tag_id", t.ID(), "unread", want)
			t.data.Unread = want
			t.data.ModMetadata = cur.changeID
			if err := cur.conn.UpdateItem(ctx, t.data.Clone()); err != nil {
				return err
			}
			cur.markModified(&t.Item)
			cur.touchedTags = true
		}

		if cur.mailbox.Size != size || cur.mailbox.ContactCount != contacts {
			m.logger.Warn("mailbox aggregate drift repaired", "size", size, "contacts", contacts)
			cur.mailbox.Size = size
			cur.mailbox.ContactCount = contacts
			cur.dirty = true
		}
		return nil
	})
}

// OpenContent returns a reader over an item's blob content.
func (m *Mailbox) OpenContent(ctx context.Context, octxt *OpContext, itemID int) (io.ReadCloser, error) {
	if m.mgr.opts.blobs == nil {
		return nil, ErrBlobStoreNotConfigured
	}
	it, err := m.GetItem(ctx, octxt, itemID)
	if err != nil {
		return nil, err
	}
	if it.BlobDigest() == "" {
		return nil, fmt.Errorf("%w: item %d has no content", ErrNotFound, itemID)
	}
	return m.mgr.opts.blobs.Open(ctx, &blob.Ref{
		Digest: it.BlobDigest(),
		Size:   it.Size(),
		Path:   metaString(it.data.Metadata, metaBlobPath),
	})
}

// writeTxn runs fn inside a transaction with the access check applied.
func (m *Mailbox) writeTxn(ctx context.Context, name string, octxt *OpContext, fn func(cur *change) error) error {
	if err := m.BeginTransaction(ctx, name, octxt, nil); err != nil {
		return err
	}
	err := m.checkAccess(octxt)
	if err == nil {
		err = fn(m.cur)
	}
	if endErr := m.EndTransaction(ctx, err == nil); err == nil {
		err = endErr
	}
	return err
}

// allocateItemID hands out the next item id. User items start above the
// reserved system range.
func (m *Mailbox) allocateItemID(cur *change) int {
	if cur.mailbox.LastItemID < FirstUserItemID-1 {
		cur.mailbox.LastItemID = FirstUserItemID - 1
	}
	cur.mailbox.LastItemID++
	return cur.mailbox.LastItemID
}

// applyFolderDelta adjusts a folder's aggregates and persists the row.
func (m *Mailbox) applyFolderDelta(ctx context.Context, f *Folder, items, unread int, size int64) error {
	cur := m.cur
	f.setItemCount(f.ItemCount() + items)
	f.data.Unread += unread
	f.data.Size += size
	f.data.ModMetadata = cur.changeID
	cur.touchedFolders = true
	if err := cur.conn.UpdateItem(ctx, f.data.Clone()); err != nil {
		return conflictErr("update folder counts", err)
	}
	cur.markModified(&f.Item)
	return nil
}

// applyTagDelta adjusts unread counts on the named tags.
func (m *Mailbox) applyTagDelta(ctx context.Context, names []string, unread int) error {
	if unread == 0 {
		return nil
	}
	cur := m.cur
	for _, name := range names {
		t, ok := m.tags.getByName(name)
		if !ok {
			// Stale tag name on the item; the tag cache is authoritative.
			continue
		}
		t.data.Unread += unread
		t.data.ModMetadata = cur.changeID
		cur.touchedTags = true
		if err := cur.conn.UpdateItem(ctx, t.data.Clone()); err != nil {
			return conflictErr("update tag counts", err)
		}
		cur.markModified(&t.Item)
	}
	return nil
}

func conflictErr(op string, err error) error {
	if store.IsConflict(err) {
		return fmt.Errorf("mailstore: %s: %w", op, store.ErrConflict)
	}
	return fmt.Errorf("mailstore: %s: %w", op, err)
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
