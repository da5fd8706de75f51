// Package index defines the full-text index engine contract consumed by
// the deferred-indexing coordinator, together with the document model and
// the sync token that marks how far the index has caught up. An in-memory
// engine for tests and embedded use is in index/memory.
//
// Tokenization, term representation, and query execution are the engine's
// business; this package only fixes the coordination surface around them.
package index

import (
	"context"
	"fmt"
)

// NoChange is the sentinel content change-sequence for entries that must
// not advance the high-water mark, such as items re-fed by a partial
// reindex.
const NoChange = -1

// Well-known document field names.
const (
	FieldSubject = "subject"
	FieldBody    = "body"
	FieldName    = "name"
	FieldFrom    = "from"
)

// SyncToken is the index high-water mark: the newest
// (content change-sequence, item id) pair known durably indexed.
// The zero value means "nothing indexed".
type SyncToken struct {
	ModContent int
	ItemID     int
}

// After reports whether t is strictly newer than other.
func (t SyncToken) After(other SyncToken) bool {
	if t.ModContent != other.ModContent {
		return t.ModContent > other.ModContent
	}
	return t.ItemID > other.ItemID
}

func (t SyncToken) IsZero() bool {
	return t.ModContent == 0 && t.ItemID == 0
}

func (t SyncToken) String() string {
	return fmt.Sprintf("%d-%d", t.ModContent, t.ItemID)
}

// Document is one indexable representation of an item. An item may produce
// several documents (body, attachments).
type Document struct {
	Fields map[string]string
}

// ItemEntry is one staged unit of index work: an item, its generated
// documents, and how its success should move the high-water mark.
type ItemEntry struct {
	ItemID  int
	IndexID int

	Documents []Document

	// DeleteFirst drops the item's existing entries before adding, for
	// re-indexed content.
	DeleteFirst bool

	// ModContent is the item's content change-sequence, or NoChange for
	// entries untracked by the high-water mark.
	ModContent int
}

// Token returns the sync token this entry advances to, zero for untracked
// entries.
func (e ItemEntry) Token() SyncToken {
	if e.ModContent == NoChange {
		return SyncToken{}
	}
	return SyncToken{ModContent: e.ModContent, ItemID: e.ItemID}
}

// Query is a minimal conjunctive term query.
type Query struct {
	// Text is tokenized by the engine; all terms must match.
	Text string

	// Field restricts matching to one document field, all fields when
	// empty.
	Field string

	Limit int
}

// Hit is one search result.
type Hit struct {
	ItemID  int
	IndexID int
	Score   float64
}

// Completion receives asynchronous confirmation of index writes. The
// coordinator implements this to reconcile its counters; engines call it
// once per successfully-or-unsuccessfully written batch.
type Completion interface {
	// IndexingCompleted reports count tracked items finished with the
	// newest token among them. Entries with ModContent == NoChange are
	// excluded from the count. succeeded is false when the batch was
	// lost and the items remain deferred.
	IndexingCompleted(count int, newest SyncToken, succeeded bool)
}

// Engine is the full-text index for one mailbox as seen by the
// coordinator.
type Engine interface {
	// SetCompletion attaches the write-confirmation callback. Must be
	// called before the first Add.
	SetCompletion(c Completion)

	// Add writes the entries' documents. An error means the whole batch
	// is presumed unwritten.
	Add(ctx context.Context, entries []ItemEntry) error

	// Delete removes all documents for the given index ids.
	Delete(ctx context.Context, indexIDs []int) error

	// DeleteAll drops the entire index, for a full reindex.
	DeleteAll(ctx context.Context) error

	// Search runs a query against whatever the index currently holds.
	Search(ctx context.Context, q Query) ([]Hit, error)
}
