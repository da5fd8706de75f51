package mailstore

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rbaliyan/mailstore/index"
)

// Search runs a full-text query against the mailbox index. Deferred items
// are caught up first so results reflect every committed change; if the
// catch-up fails the search still runs against what the index holds, and
// the missed items are retried later. During a full re-index the index is
// incomplete by definition and the catch-up is skipped.
func (m *Mailbox) Search(ctx context.Context, octxt *OpContext, q index.Query) ([]*Item, error) {
	ctx, end := m.mgr.otel.startSpan(ctx, "Search",
		attribute.Int("mailbox_id", m.id),
		attribute.String("query", q.Text))
	start := time.Now()

	if err := m.idx.forceCatchUp(ctx); err != nil {
		m.logger.Warn("search-time index catch-up failed", "error", err)
	}

	hits, err := m.engine.Search(ctx, q)
	if err != nil {
		m.mgr.otel.recordSearch(ctx, time.Since(start), 0, err)
		end(err)
		return nil, fmt.Errorf("mailstore: search: %w", err)
	}

	// Resolve hits to items in one transaction, preserving engine order.
	// A hit whose item vanished between index flush and fetch is dropped.
	var items []*Item
	if err := m.BeginTransaction(ctx, "searchFetch", octxt, nil); err != nil {
		m.mgr.otel.recordSearch(ctx, time.Since(start), 0, err)
		end(err)
		return nil, err
	}
	items = make([]*Item, 0, len(hits))
	fetchErr := func() error {
		for _, hit := range hits {
			it, err := m.getItemLocked(ctx, octxt, hit.ItemID)
			if IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			items = append(items, it)
		}
		return nil
	}()
	if endErr := m.EndTransaction(ctx, fetchErr == nil); fetchErr == nil {
		fetchErr = endErr
	}

	m.mgr.otel.recordSearch(ctx, time.Since(start), len(items), fetchErr)
	end(fetchErr)
	if fetchErr != nil {
		return nil, fetchErr
	}
	return items, nil
}
