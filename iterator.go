package mailstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrIteratorOutOfBounds is returned when Item() is called without a successful Next().
var ErrIteratorOutOfBounds = errors.New("mailstore: iterator out of bounds - call Next() first")

// ItemIterator provides streaming access to a folder's items. Use Next()
// to advance, Item() to get the current item.
//
// Each batch is hydrated in its own short transaction, so a long
// iteration never pins the mailbox lock and observes rows as they are
// at hydration time. Items deleted mid-iteration are skipped.
//
// Ownership: ItemIterator holds no resources requiring cleanup. There is
// no Close method — simply stop calling Next() when done.
//
// Thread Safety: ItemIterator is NOT safe for concurrent use. Each
// iterator should be used by a single goroutine.
type ItemIterator interface {
	// Next advances to the next item.
	// Returns (true, nil) if there is an item available.
	// Returns (false, nil) if iteration is done.
	// Returns (false, error) if an error occurred.
	// Must be called before accessing Item().
	Next(ctx context.Context) (bool, error)

	// Item returns the current item. Must be called after a successful
	// Next(); returns ErrIteratorOutOfBounds otherwise.
	Item() (*Item, error)
}

// StreamOptions configures streaming behavior.
type StreamOptions struct {
	// BatchSize is the number of items hydrated per batch.
	// Larger batches reduce transactions but use more memory.
	// Default: 100
	BatchSize int
}

// DefaultStreamBatchSize is the batch size used when StreamOptions leaves
// it unset.
const DefaultStreamBatchSize = 100

// itemIterator walks a snapshot of item ids, hydrating rows in batches
// through short read transactions.
type itemIterator struct {
	m     *Mailbox
	octxt *OpContext

	ids       []int
	batchSize int
	batch     []*Item
	batchIdx  int
	done      bool
}

func (it *itemIterator) Next(ctx context.Context) (bool, error) {
	if it.done {
		return false, nil
	}

	for it.batchIdx >= len(it.batch) {
		if len(it.ids) == 0 {
			it.done = true
			return false, nil
		}

		n := min(it.batchSize, len(it.ids))
		want := it.ids[:n]
		it.ids = it.ids[n:]

		var batch []*Item
		err := it.m.readTxn(ctx, "streamBatch", it.octxt, func() error {
			for _, id := range want {
				item, err := it.m.getItemLocked(ctx, it.octxt, id)
				if IsNotFound(err) {
					// Deleted since the snapshot; skip.
					continue
				}
				if err != nil {
					return err
				}
				batch = append(batch, snapshotItem(item))
			}
			return nil
		})
		if err != nil {
			it.done = true
			return false, err
		}
		it.batch = batch
		it.batchIdx = 0
	}

	it.batchIdx++
	return true, nil
}

func (it *itemIterator) Item() (*Item, error) {
	if it.batchIdx <= 0 || it.batchIdx > len(it.batch) {
		return nil, ErrIteratorOutOfBounds
	}
	return it.batch[it.batchIdx-1], nil
}

// StreamFolder returns an iterator over a folder's items in id order.
// The id set is snapshotted up front; item data is read fresh per batch.
func (m *Mailbox) StreamFolder(ctx context.Context, octxt *OpContext, folderID int, opts StreamOptions) (ItemIterator, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultStreamBatchSize
	}

	var ids []int
	err := m.readTxn(ctx, "streamSnapshot", octxt, func() error {
		if _, ok := m.folders.get(folderID); !ok {
			return fmt.Errorf("%w: folder %d", ErrNotFound, folderID)
		}
		rows, err := m.cur.conn.ItemsByFolder(ctx, folderID)
		if err != nil {
			return err
		}
		ids = make([]int, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		sort.Ints(ids)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &itemIterator{
		m:         m,
		octxt:     octxt,
		ids:       ids,
		batchSize: batchSize,
	}, nil
}
