package store

import "time"

// ItemType discriminates the kinds of rows a mailbox holds.
type ItemType int

// Item type constants.
const (
	TypeUnknown ItemType = iota
	TypeFolder
	TypeTag
	TypeMessage
	TypeContact
	TypeDocument
	TypeAppointment
)

var typeNames = map[ItemType]string{
	TypeUnknown:     "unknown",
	TypeFolder:      "folder",
	TypeTag:         "tag",
	TypeMessage:     "message",
	TypeContact:     "contact",
	TypeDocument:    "document",
	TypeAppointment: "appointment",
}

func (t ItemType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// Indexable reports whether rows of this type carry full-text content.
// Folders and tags are structural and never indexed.
func (t ItemType) Indexable() bool {
	switch t {
	case TypeMessage, TypeContact, TypeDocument, TypeAppointment:
		return true
	}
	return false
}

// ItemData is the flat row shape shared by every item type. Higher layers
// wrap it in typed views; the store persists it as-is.
type ItemData struct {
	MailboxID int
	ID        int
	Type      ItemType
	FolderID  int
	ParentID  int

	// IndexID links the row to its full-text index entries. Zero means the
	// row has no index identity (structural types, or indexing disabled).
	IndexID int

	Size       int64
	Unread     int
	Flags      int
	Tags       []string
	Name       string
	Subject    string
	BlobDigest string
	Metadata   map[string]any

	Date time.Time

	// ModMetadata is the change-sequence of the last metadata write,
	// ModContent of the last content write. ModContent <= ModMetadata
	// always holds for committed rows.
	ModMetadata int
	ModContent  int
}

// Clone returns a deep copy of the row.
func (d *ItemData) Clone() *ItemData {
	if d == nil {
		return nil
	}
	c := *d
	if d.Tags != nil {
		c.Tags = append([]string(nil), d.Tags...)
	}
	if d.Metadata != nil {
		c.Metadata = make(map[string]any, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// MailboxData is the mailbox row: identity, counters, and index sync state.
type MailboxData struct {
	ID        int
	AccountID string

	// LastItemID is the highest item id ever allocated; LastChangeID the
	// highest committed change-sequence.
	LastItemID   int
	LastChangeID int

	Size         int64
	ContactCount int
	RecentCount  int

	// IndexDeferredCount is the persisted number of items whose content is
	// durable but not yet reflected in the index.
	IndexDeferredCount int

	// HighestIndexedModContent and HighestIndexedItemID together form the
	// index high-water mark: the newest (ModContent, ID) known durably
	// indexed.
	HighestIndexedModContent int
	HighestIndexedItemID     int
}

// Clone returns a copy of the row.
func (d *MailboxData) Clone() *MailboxData {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}
