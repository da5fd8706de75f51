// Package blob defines the content-addressed blob store contract used for
// message bodies. Backends are in blob/memory, blob/s3, and blob/gcs.
//
// Content moves through two phases. Stage writes incoming bytes to a
// staging area while computing their digest and size; the transaction
// records that (digest, size) pair in the item row. Commit promotes the
// staged bytes to their permanent location once the owning transaction's
// store commit succeeded. A rolled-back transaction deletes its staged
// blobs instead — outside the mailbox lock, since backend deletes may
// block on the network.
package blob

import (
	"context"
	"errors"
	"io"
)

// Sentinel errors for the blob package.
var (
	// ErrNotFound is returned when a blob cannot be found.
	ErrNotFound = errors.New("blob: not found")

	// ErrDigestMismatch is returned when stored content does not match the
	// digest and size it is referenced by.
	ErrDigestMismatch = errors.New("blob: digest mismatch")

	// ErrNotStaged is returned by Commit when the staged blob has already
	// been committed or deleted.
	ErrNotStaged = errors.New("blob: not staged")
)

// Staged describes bytes written to the staging area but not yet
// permanent. The digest is computed while staging.
type Staged struct {
	Digest string
	Size   int64

	// Path locates the staged bytes within the backend. Opaque to callers.
	Path string
}

// Ref references committed content by digest and size, plus the backend
// location it was committed to.
type Ref struct {
	Digest string
	Size   int64
	Path   string
}

// Store is the blob storage contract.
type Store interface {
	// Stage writes content to the staging area and returns its digest,
	// size, and staging location.
	Stage(ctx context.Context, content io.Reader) (*Staged, error)

	// Commit promotes a staged blob into the given mailbox's permanent
	// area and removes it from staging.
	Commit(ctx context.Context, staged *Staged, mailboxID, itemID int) (*Ref, error)

	// Open returns a reader over committed content. The caller closes it.
	Open(ctx context.Context, ref *Ref) (io.ReadCloser, error)

	// Delete removes committed content.
	Delete(ctx context.Context, ref *Ref) error

	// Discard removes a staged blob that will never be committed.
	Discard(ctx context.Context, staged *Staged) error
}
