package mailstore

import (
	"context"
	"fmt"
)

// OperationResult is the outcome of one item within a bulk operation.
// Results are returned in the same order as the input ids.
type OperationResult struct {
	// ID is the item the operation applied to.
	ID int
	// Success indicates whether the operation succeeded.
	Success bool
	// Error holds the failure, nil when Success is true.
	Error error
}

// BulkResult collects per-item outcomes of a bulk operation. Bulk
// operations are best-effort: each item commits in its own transaction,
// so a failure on one item does not roll back the others.
type BulkResult struct {
	// Results holds the outcome of each operation in input order.
	Results []OperationResult
}

// SuccessCount returns the number of successful operations.
func (r *BulkResult) SuccessCount() int {
	if r == nil {
		return 0
	}
	count := 0
	for _, res := range r.Results {
		if res.Success {
			count++
		}
	}
	return count
}

// FailureCount returns the number of failed operations.
func (r *BulkResult) FailureCount() int {
	if r == nil {
		return 0
	}
	count := 0
	for _, res := range r.Results {
		if !res.Success {
			count++
		}
	}
	return count
}

// HasFailures returns true if any operation failed.
func (r *BulkResult) HasFailures() bool {
	return r.FailureCount() > 0
}

// TotalCount returns the total number of items processed.
func (r *BulkResult) TotalCount() int {
	if r == nil {
		return 0
	}
	return len(r.Results)
}

// FailedIDs returns the ids of items that failed.
func (r *BulkResult) FailedIDs() []int {
	if r == nil {
		return nil
	}
	var ids []int
	for _, res := range r.Results {
		if !res.Success {
			ids = append(ids, res.ID)
		}
	}
	return ids
}

// Err returns a BulkOperationError when any item failed, nil otherwise.
func (r *BulkResult) Err() error {
	if !r.HasFailures() {
		return nil
	}
	return &BulkOperationError{Result: r}
}

// BulkOperationError reports partial failure of a bulk operation.
type BulkOperationError struct {
	Result *BulkResult
}

func (e *BulkOperationError) Error() string {
	return fmt.Sprintf("mailstore: bulk operation failed for %d of %d items",
		e.Result.FailureCount(), e.Result.TotalCount())
}

// Unwrap returns the individual errors from failed operations.
func (e *BulkOperationError) Unwrap() []error {
	var errs []error
	for _, r := range e.Result.Results {
		if r.Error != nil {
			errs = append(errs, r.Error)
		}
	}
	return errs
}

// bulkApply runs fn per item id, each in its own transaction, recording
// per-item outcomes. It stops early only on context cancellation, which
// is reported as the failure of every remaining item.
func bulkApply(ctx context.Context, itemIDs []int, fn func(id int) error) *BulkResult {
	result := &BulkResult{Results: make([]OperationResult, 0, len(itemIDs))}
	for i, id := range itemIDs {
		if err := ctx.Err(); err != nil {
			for _, rest := range itemIDs[i:] {
				result.Results = append(result.Results, OperationResult{ID: rest, Error: err})
			}
			break
		}
		res := OperationResult{ID: id, Success: true}
		if err := fn(id); err != nil {
			res.Success = false
			res.Error = err
		}
		result.Results = append(result.Results, res)
	}
	return result
}

// BulkMove moves each item to the target folder, continuing past
// per-item failures. See BulkResult for partial-failure semantics.
func (m *Mailbox) BulkMove(ctx context.Context, octxt *OpContext, targetID int, itemIDs ...int) *BulkResult {
	return bulkApply(ctx, itemIDs, func(id int) error {
		return m.MoveItem(ctx, octxt, id, targetID)
	})
}

// BulkMarkRead sets or clears the unread flag on each item, continuing
// past per-item failures.
func (m *Mailbox) BulkMarkRead(ctx context.Context, octxt *OpContext, read bool, itemIDs ...int) *BulkResult {
	return bulkApply(ctx, itemIDs, func(id int) error {
		return m.MarkRead(ctx, octxt, id, read)
	})
}

// BulkAlterTag applies or removes the named tag on each item, continuing
// past per-item failures.
func (m *Mailbox) BulkAlterTag(ctx context.Context, octxt *OpContext, tagName string, apply bool, itemIDs ...int) *BulkResult {
	return bulkApply(ctx, itemIDs, func(id int) error {
		return m.AlterTag(ctx, octxt, id, tagName, apply)
	})
}

// BulkDelete permanently deletes each item, continuing past per-item
// failures. Unlike DeleteItems, one bad id does not abort the rest.
func (m *Mailbox) BulkDelete(ctx context.Context, octxt *OpContext, itemIDs ...int) *BulkResult {
	return bulkApply(ctx, itemIDs, func(id int) error {
		return m.DeleteItems(ctx, octxt, id)
	})
}
