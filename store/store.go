// Package store defines the persistence contract consumed by the mailstore
// engine. Implementations are in store/memory, store/postgres, and
// store/mongo subpackages.
//
// The engine drives the store through short-lived transactional connections
// obtained from Begin. A Conn is exclusively owned by one transaction at a
// time and is never shared across goroutines; serialization is the engine's
// responsibility, not the store's. The store only guarantees that Commit is
// atomic: either every write issued on the Conn becomes durable, or none do.
//
// Change-sequence stamping is caller-driven. The engine assigns one
// change-sequence per transaction and writes it into ModMetadata/ModContent
// on every row it touches; the store persists those values verbatim and
// never invents its own.
package store

import (
	"context"
)

// Store is the durable persistence backend for mailboxes and their items.
//
// All operations must be safe for concurrent use across different
// mailboxes. Operations on a single mailbox are serialized by the caller.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	// CreateMailbox allocates a new mailbox row for the given account and
	// returns its initial state. Returns ErrMailboxExists if the account
	// already has a mailbox.
	CreateMailbox(ctx context.Context, accountID string) (*MailboxData, error)

	// GetMailbox loads the mailbox row. Returns ErrNotFound if no mailbox
	// with the given id exists.
	GetMailbox(ctx context.Context, mailboxID int) (*MailboxData, error)

	// GetMailboxByAccount loads the mailbox row for an account.
	// Returns ErrNotFound if the account has no mailbox.
	GetMailboxByAccount(ctx context.Context, accountID string) (*MailboxData, error)

	// DeleteMailbox removes the mailbox row and every item row that belongs
	// to it. Used for account teardown; the caller holds the mailbox in
	// maintenance while this runs.
	DeleteMailbox(ctx context.Context, mailboxID int) error

	// ListMailboxIDs returns the ids of every mailbox in the store.
	ListMailboxIDs(ctx context.Context) ([]int, error)

	// Begin opens a transactional connection scoped to one mailbox.
	// The connection must be resolved with exactly one Commit or Rollback.
	Begin(ctx context.Context, mailboxID int) (Conn, error)
}

// Conn is a transactional connection to one mailbox's rows.
//
// Reads issued on a Conn observe that connection's own uncommitted writes.
// A Conn becomes unusable after Commit or Rollback; further calls return
// ErrTxDone.
type Conn interface {
	// Commit makes every write issued on this connection durable, atomically.
	Commit(ctx context.Context) error

	// Rollback discards every write issued on this connection.
	// Rollback after a failed Commit is a no-op.
	Rollback(ctx context.Context) error

	// GetItem loads one item row. Returns ErrNotFound if the item does not
	// exist in this mailbox.
	GetItem(ctx context.Context, itemID int) (*ItemData, error)

	// GetItems loads the given item rows, skipping ids that do not exist.
	GetItems(ctx context.Context, itemIDs []int) ([]*ItemData, error)

	// ItemsByType returns all item rows of the given types, every row when
	// types is empty. Used to warm the folder and tag caches and to seed a
	// partial reindex.
	ItemsByType(ctx context.Context, types ...ItemType) ([]*ItemData, error)

	// ItemsByFolder returns all item rows in one folder.
	ItemsByFolder(ctx context.Context, folderID int) ([]*ItemData, error)

	// CreateItem inserts a new item row. Returns ErrDuplicateEntry if the
	// id is already taken.
	CreateItem(ctx context.Context, item *ItemData) error

	// UpdateItem rewrites an existing item row. Returns ErrNotFound if the
	// row does not exist, ErrConflict if the row's ModMetadata is newer
	// than the value the caller read.
	UpdateItem(ctx context.Context, item *ItemData) error

	// DeleteItems removes item rows. Missing ids are ignored.
	DeleteItems(ctx context.Context, itemIDs []int) error

	// ModifiedSince returns items whose content change-sequence is at or
	// above cutoff and which carry an index id, sorted by
	// (ModContent, ID) ascending. This is the deferred-indexing feed.
	ModifiedSince(ctx context.Context, cutoff int, types ...ItemType) ([]*ItemData, error)

	// CountModifiedSince is the reconciliation form of ModifiedSince: the
	// number of matching rows without materializing them.
	CountModifiedSince(ctx context.Context, cutoff int) (int, error)

	// UpdateMailbox rewrites the mailbox row (counters, change-sequence,
	// index sync state). Called once per committing transaction.
	UpdateMailbox(ctx context.Context, data *MailboxData) error

	// GetConfig returns the raw bytes stored for a per-mailbox config
	// section and the change-sequence that last wrote it.
	// Returns ErrNotFound if the section was never set.
	GetConfig(ctx context.Context, section string) ([]byte, int, error)

	// SetConfig stores raw bytes for a config section, stamped with the
	// writing transaction's change-sequence. A nil value deletes the
	// section.
	SetConfig(ctx context.Context, section string, value []byte, changeID int) error
}
