package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when a mailbox, item, or config section
	// cannot be found.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidID is returned when an invalid id is provided.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrDuplicateEntry is returned when an insert collides with an
	// existing row.
	ErrDuplicateEntry = errors.New("store: duplicate entry")

	// ErrMailboxExists is returned by CreateMailbox when the account
	// already has a mailbox.
	ErrMailboxExists = errors.New("store: mailbox already exists")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrConflict is returned when an update loses a concurrent-modification
	// race on a row's change-sequence.
	ErrConflict = errors.New("store: concurrent modification")

	// ErrTxDone is returned when a connection is used after Commit or
	// Rollback.
	ErrTxDone = errors.New("store: transaction already resolved")

	// ErrTransactionFailed is returned when a backend transaction fails to
	// commit. No writes from the transaction are durable.
	ErrTransactionFailed = errors.New("store: transaction failed")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsDuplicateEntry(err error) bool {
	return errors.Is(err, ErrDuplicateEntry)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
