package mailstore

import (
	"context"
	"time"
)

// FolderStats is one folder's line in a stats snapshot.
type FolderStats struct {
	ID     int
	Name   string
	Items  int
	Unread int
	Size   int64
}

// TagStats is one tag's line in a stats snapshot.
type TagStats struct {
	ID     int
	Name   string
	Unread int
}

// MailboxStats is a point-in-time snapshot of mailbox counters, taken
// inside one read transaction so the numbers are mutually consistent.
type MailboxStats struct {
	MailboxID    int
	AccountID    string
	LastChangeID int
	LastItemID   int
	TotalSize    int64
	ContactCount int
	RecentCount  int

	// DeferredCount is the number of items with durable content not yet
	// reflected in the index; IndexedThrough is the index high-water
	// mark's content change-sequence.
	DeferredCount  int
	IndexedThrough int

	Folders []FolderStats
	Tags    []TagStats

	TakenAt time.Time
}

// Stats returns a consistent snapshot of the mailbox's counters and its
// folder and tag aggregates.
func (m *Mailbox) Stats(ctx context.Context, octxt *OpContext) (*MailboxStats, error) {
	var out *MailboxStats
	err := m.readTxn(ctx, "stats", octxt, func() error {
		data := m.cur.mailbox
		out = &MailboxStats{
			MailboxID:      m.id,
			AccountID:      data.AccountID,
			LastChangeID:   data.LastChangeID,
			LastItemID:     data.LastItemID,
			TotalSize:      data.Size,
			ContactCount:   data.ContactCount,
			RecentCount:    data.RecentCount,
			DeferredCount:  data.IndexDeferredCount,
			IndexedThrough: data.HighestIndexedModContent,
			TakenAt:        time.Now(),
		}
		for _, f := range m.folders.all() {
			out.Folders = append(out.Folders, FolderStats{
				ID:     f.ID(),
				Name:   f.Name(),
				Items:  f.ItemCount(),
				Unread: f.UnreadCount(),
				Size:   f.TotalSize(),
			})
		}
		for _, t := range m.tags.all() {
			out.Tags = append(out.Tags, TagStats{
				ID:     t.ID(),
				Name:   t.Name(),
				Unread: t.UnreadCount(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
