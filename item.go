package mailstore

import (
	"time"

	"github.com/rbaliyan/mailstore/store"
)

// Reserved item ids. Every mailbox is created with the system folders
// below; user-created items start at FirstUserItemID so system ids stay
// stable across all mailboxes.
const (
	FolderIDRoot   = 1
	FolderIDInbox  = 2
	FolderIDTrash  = 3
	FolderIDSent   = 4
	FolderIDDrafts = 5

	FirstUserItemID = 256
)

// metaItemCount is the metadata key folders use to persist their
// contained-item count.
const metaItemCount = "item_count"

// Item is the engine-level view of one mailbox row. Items handed to
// listeners are detached snapshots; items returned from reads are backed
// by the cache and must not be mutated by callers.
type Item struct {
	data     store.ItemData
	detached bool
}

func newItem(d *store.ItemData) *Item {
	return &Item{data: *d}
}

// ID returns the item id, unique within the mailbox.
func (i *Item) ID() int { return i.data.ID }

// MailboxID returns the owning mailbox id.
func (i *Item) MailboxID() int { return i.data.MailboxID }

// Type returns the item type.
func (i *Item) Type() store.ItemType { return i.data.Type }

// FolderID returns the containing folder id.
func (i *Item) FolderID() int { return i.data.FolderID }

// IndexID returns the item's index identity, zero if unindexed.
func (i *Item) IndexID() int { return i.data.IndexID }

// Size returns the content size in bytes.
func (i *Item) Size() int64 { return i.data.Size }

// Flags returns the item's flag bitmask.
func (i *Item) Flags() Flag { return Flag(i.data.Flags) }

// IsUnread reports whether the unread flag is set.
func (i *Item) IsUnread() bool { return i.Flags().Has(FlagUnread) }

// Tags returns the names of tags applied to the item.
func (i *Item) Tags() []string { return append([]string(nil), i.data.Tags...) }

// Name returns the item name (folder/tag name, document filename).
func (i *Item) Name() string { return i.data.Name }

// Subject returns the message subject, empty for structural types.
func (i *Item) Subject() string { return i.data.Subject }

// BlobDigest returns the content digest, empty when the item has no blob.
func (i *Item) BlobDigest() string { return i.data.BlobDigest }

// Date returns the item date.
func (i *Item) Date() time.Time { return i.data.Date }

// ModMetadata returns the change-sequence of the last metadata write.
func (i *Item) ModMetadata() int { return i.data.ModMetadata }

// ModContent returns the change-sequence of the last content write.
func (i *Item) ModContent() int { return i.data.ModContent }

// Detached reports whether this is an immutable snapshot copy, as handed
// to listeners, rather than a live cache-backed view.
func (i *Item) Detached() bool { return i.detached }

// Data returns a deep copy of the underlying row.
func (i *Item) Data() *store.ItemData { return i.data.Clone() }

// hasTag reports whether the named tag is applied.
func (i *Item) hasTag(name string) bool {
	for _, t := range i.data.Tags {
		if t == name {
			return true
		}
	}
	return false
}

// Folder is a folder item linked into its mailbox's folder tree. Parent
// and child links are maintained by the folder cache and are only valid
// while the mailbox lock is held, except on detached snapshots.
type Folder struct {
	Item
	parent   *Folder
	children []*Folder
}

// Parent returns the parent folder, nil for the root.
func (f *Folder) Parent() *Folder { return f.parent }

// ParentID returns the parent folder id, zero for the root.
func (f *Folder) ParentID() int { return f.data.ParentID }

// Children returns the direct subfolders.
func (f *Folder) Children() []*Folder {
	return append([]*Folder(nil), f.children...)
}

// Path returns the full path from the root, e.g. "/Inbox/Receipts".
func (f *Folder) Path() string {
	if f.parent == nil {
		return "/"
	}
	p := f.parent.Path()
	if p == "/" {
		return p + f.data.Name
	}
	return p + "/" + f.data.Name
}

// ItemCount returns the number of items directly inside the folder.
func (f *Folder) ItemCount() int {
	return metaInt(f.data.Metadata, metaItemCount)
}

// UnreadCount returns the number of unread items inside the folder.
func (f *Folder) UnreadCount() int { return f.data.Unread }

// TotalSize returns the summed content size of items in the folder.
func (f *Folder) TotalSize() int64 { return f.data.Size }

// IsSystem reports whether this is one of the reserved system folders.
func (f *Folder) IsSystem() bool { return f.data.ID < FirstUserItemID }

func (f *Folder) setItemCount(n int) {
	if f.data.Metadata == nil {
		f.data.Metadata = make(map[string]any, 1)
	}
	f.data.Metadata[metaItemCount] = n
}

// Tag is a tag item. Tags are flat (no hierarchy) and addressed by name
// as well as id.
type Tag struct {
	Item
}

// UnreadCount returns the number of unread items carrying the tag.
func (t *Tag) UnreadCount() int { return t.data.Unread }

// metaInt reads an integer metadata value, tolerating the numeric types
// different store backends decode into.
func metaInt(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
