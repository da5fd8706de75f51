package mailstore

import (
	"context"
	"time"

	"github.com/rbaliyan/mailstore/index"
	"github.com/rbaliyan/mailstore/store"
)

// metaTrashedAt records when an item was moved into Trash, so retention
// counts from deletion rather than from the item's original date.
const metaTrashedAt = "trashed_at"

// purgeBatchSize bounds how many items one purge transaction deletes, so
// a large trash folder never holds the mailbox lock for long.
const purgeBatchSize = 100

// PurgeTrashResult reports the outcome of one PurgeTrash call.
type PurgeTrashResult struct {
	// DeletedCount is the number of items permanently deleted.
	DeletedCount int
	// Interrupted is set when the context was cancelled before the
	// trash folder was fully drained.
	Interrupted bool
}

// PurgeTrash permanently deletes items that have been in Trash longer
// than retention (the configured default when zero). Items are removed
// in short transactions so concurrent operations on the mailbox keep
// making progress; each deleted item releases its folder, tag, size and
// deferred-index accounting and queues its blob for removal.
//
// The engine does not run purge on a schedule. Callers own the cadence,
// typically a ticker per active mailbox or a sweep over Manager mailboxes.
func (m *Mailbox) PurgeTrash(ctx context.Context, octxt *OpContext, retention time.Duration) (*PurgeTrashResult, error) {
	if retention <= 0 {
		retention = m.mgr.opts.trashRetention
	}
	result := &PurgeTrashResult{}
	cutoff := time.Now().UTC().Add(-retention)

	for {
		if ctx.Err() != nil {
			result.Interrupted = true
			return result, ctx.Err()
		}
		n, err := m.purgeTrashBatch(ctx, octxt, cutoff)
		result.DeletedCount += n
		if err != nil {
			return result, err
		}
		if n < purgeBatchSize {
			if result.DeletedCount > 0 {
				m.logger.Debug("purged expired trash", "deleted", result.DeletedCount)
			}
			return result, nil
		}
	}
}

// purgeTrashBatch deletes up to purgeBatchSize expired items from Trash
// in one transaction and reports how many it removed.
func (m *Mailbox) purgeTrashBatch(ctx context.Context, octxt *OpContext, cutoff time.Time) (int, error) {
	deleted := 0
	err := m.writeTxn(ctx, "purgeTrash", octxt, func(cur *change) error {
		rows, err := cur.conn.ItemsByFolder(ctx, FolderIDTrash)
		if err != nil {
			return err
		}
		hwm := index.SyncToken{
			ModContent: cur.mailbox.HighestIndexedModContent,
			ItemID:     cur.mailbox.HighestIndexedItemID,
		}
		for _, row := range rows {
			if !trashedBefore(row, cutoff) {
				continue
			}
			if err := m.deleteItemLocked(ctx, cur, row, hwm); err != nil {
				return err
			}
			deleted++
			if deleted >= purgeBatchSize {
				break
			}
		}
		return nil
	})
	return deleted, err
}

// trashedBefore reports whether a trash row expired before cutoff. Rows
// created directly in Trash carry no move stamp and fall back to the
// item date.
func trashedBefore(row *store.ItemData, cutoff time.Time) bool {
	if s := metaString(row.Metadata, metaTrashedAt); s != "" {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			return ts.Before(cutoff)
		}
	}
	return row.Date.Before(cutoff)
}
