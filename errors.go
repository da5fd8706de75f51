package mailstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/mailstore/store"
)

// Sentinel errors for the mailstore package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, mailstore.ErrNotFound) will match both engine-level
// and store-level "not found" errors.
var (
	// ErrNotFound is returned when an item, folder or tag cannot be found.
	// Wraps store.ErrNotFound for consistent error checking.
	ErrNotFound = fmt.Errorf("mailstore: %w", store.ErrNotFound)

	// ErrMailboxNotFound is returned when a mailbox id does not exist.
	ErrMailboxNotFound = fmt.Errorf("mailstore: mailbox: %w", store.ErrNotFound)

	// ErrPermissionDenied is returned when the operation context is not
	// allowed to see the requested item.
	ErrPermissionDenied = errors.New("mailstore: permission denied")

	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("mailstore: store is required")

	// ErrIndexRequired is returned when no index engine is configured.
	ErrIndexRequired = errors.New("mailstore: index engine is required")

	// ErrNotStarted is returned when operations are attempted before Startup().
	// Wraps store.ErrNotConnected for consistent error checking.
	ErrNotStarted = fmt.Errorf("mailstore: %w", store.ErrNotConnected)

	// ErrAlreadyStarted is returned when Startup() is called twice.
	// Wraps store.ErrAlreadyConnected for consistent error checking.
	ErrAlreadyStarted = fmt.Errorf("mailstore: %w", store.ErrAlreadyConnected)

	// ErrInvalidID is returned when an invalid item or mailbox ID is provided.
	// Wraps store.ErrInvalidID for consistent error checking.
	ErrInvalidID = fmt.Errorf("mailstore: %w", store.ErrInvalidID)

	// ErrConflict is returned when a concurrent update invalidated the
	// transaction. Wraps store.ErrConflict for consistent error checking.
	ErrConflict = fmt.Errorf("mailstore: %w", store.ErrConflict)

	// ErrNoTransaction is returned when a mutation or EndTransaction is
	// attempted outside a BeginTransaction/EndTransaction pair.
	ErrNoTransaction = errors.New("mailstore: no active transaction")

	// ErrNestedRedoRecorder is returned when a nested BeginTransaction
	// supplies its own redo recorder. Only the outermost transaction may
	// own the redo record; a nested recorder is a programming error.
	ErrNestedRedoRecorder = errors.New("mailstore: nested transaction cannot start a redo record")

	// ErrMaintenance is returned when a transaction is attempted on a
	// mailbox that is under maintenance.
	ErrMaintenance = errors.New("mailstore: mailbox in maintenance")

	// ErrMaintenanceTokenInvalid is returned when EndMaintenance is called
	// with a token that does not match the active maintenance window.
	ErrMaintenanceTokenInvalid = errors.New("mailstore: maintenance token invalid")

	// ErrReindexInProgress is returned when a re-index is requested while
	// one is already running for the same mailbox.
	ErrReindexInProgress = errors.New("mailstore: reindex already in progress")

	// ErrReindexInterrupted is returned from a re-index that observed its
	// cancellation between chunks.
	ErrReindexInterrupted = errors.New("mailstore: reindex interrupted")

	// ErrBlobStoreNotConfigured is returned when message content is added
	// but no blob store was configured.
	ErrBlobStoreNotConfigured = errors.New("mailstore: blob store not configured")

	// ErrFolderNotEmpty is returned when deleting a folder that still has
	// children or items without the cascade option.
	ErrFolderNotEmpty = errors.New("mailstore: folder not empty")

	// ErrDuplicateName is returned when creating a folder or tag whose
	// name already exists under the same parent.
	// Wraps store.ErrDuplicateEntry for consistent error checking.
	ErrDuplicateName = fmt.Errorf("mailstore: %w", store.ErrDuplicateEntry)

	// ErrImmutableItem is returned when a mutation targets a system folder
	// or another item that cannot be moved or deleted.
	ErrImmutableItem = errors.New("mailstore: immutable item")

	// ErrInvalidName is returned when a folder, tag name or subject fails
	// validation.
	ErrInvalidName = errors.New("mailstore: invalid name")

	// ErrInvalidMetadata is returned when item metadata fails validation.
	ErrInvalidMetadata = errors.New("mailstore: invalid metadata")

	// ErrMetadataTooLarge is returned when serialized item metadata
	// exceeds MaxMetadataBytes.
	ErrMetadataTooLarge = fmt.Errorf("%w: too large", ErrInvalidMetadata)

	// ErrEventClientRequired is returned when event client is nil.
	ErrEventClientRequired = errors.New("mailstore: event client is required")

	// ErrResolverNotConfigured is returned by Deliver when no
	// AccountResolver was configured.
	ErrResolverNotConfigured = errors.New("mailstore: account resolver not configured")

	// ErrRecipientNotFound is returned when a delivery address does not
	// resolve to an account.
	ErrRecipientNotFound = errors.New("mailstore: recipient not found")

	// ErrNoRecipients is returned by Deliver when the request lists no
	// recipient addresses.
	ErrNoRecipients = errors.New("mailstore: no recipients")
)

// MaintenanceError carries the identity of the maintenance window that
// rejected a transaction. Use errors.As() to extract it; it matches
// ErrMaintenance via errors.Is().
type MaintenanceError struct {
	// MailboxID is the mailbox under maintenance.
	MailboxID int
	// Since is when the maintenance window began.
	Since time.Time
}

func (e *MaintenanceError) Error() string {
	return fmt.Sprintf("mailstore: mailbox %d in maintenance since %s", e.MailboxID, e.Since.Format(time.RFC3339))
}

func (e *MaintenanceError) Unwrap() error {
	return ErrMaintenance
}

// CommitFatalError is passed to the configured fatal handler when the
// store commit fails after the redo intent was durably logged. At that
// point the in-memory state, the redo log and the store can no longer be
// reconciled by rolling back, so the process must halt and recover by
// redo playback.
type CommitFatalError struct {
	MailboxID int
	ChangeID  int
	Op        string
	Err       error
}

func (e *CommitFatalError) Error() string {
	return fmt.Sprintf("mailstore: store commit failed after redo intent (mailbox %d change %d op %q): %v",
		e.MailboxID, e.ChangeID, e.Op, e.Err)
}

func (e *CommitFatalError) Unwrap() error {
	return e.Err
}

// IsNotFound checks if the error indicates a missing item, folder, tag
// or mailbox at either the engine or store level.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// IsMaintenance checks if the error indicates the mailbox was under
// maintenance, and returns the window details when available.
func IsMaintenance(err error) (*MaintenanceError, bool) {
	var me *MaintenanceError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, errors.Is(err, ErrMaintenance)
}

// IsConflict checks if the error indicates a concurrent-update conflict.
func IsConflict(err error) bool {
	return errors.Is(err, store.ErrConflict)
}

// IsRetryableError determines if an error is retryable.
// Returns true for temporary/transient errors, false for permanent errors.
// Handles both engine-level and store-level errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	permanentErrors := []error{
		ErrNotFound,
		ErrPermissionDenied,
		ErrInvalidID,
		ErrNoTransaction,
		ErrNestedRedoRecorder,
		ErrFolderNotEmpty,
		ErrDuplicateName,
		ErrImmutableItem,
		ErrInvalidName,
		ErrInvalidMetadata,
		ErrMaintenanceTokenInvalid,
		store.ErrNotFound,
		store.ErrInvalidID,
		store.ErrDuplicateEntry,
	}
	for _, permErr := range permanentErrors {
		if errors.Is(err, permErr) {
			return false
		}
	}

	retryableErrors := []error{
		ErrConflict,          // rerun the transaction against fresh state
		ErrMaintenance,       // maintenance windows end
		ErrReindexInProgress, // the running reindex will finish
		ErrNotStarted,
		store.ErrNotConnected,
		store.ErrTransactionFailed,
	}
	for _, retryErr := range retryableErrors {
		if errors.Is(err, retryErr) {
			return true
		}
	}

	// Unknown errors default to retryable as they might be transient
	// network/timeout issues.
	return true
}
