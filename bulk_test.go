package mailstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestBulkMovePartialFailure(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	var ids []int
	for i := 0; i < 3; i++ {
		it := addMessage(t, m, &AddMessageOptions{
			Subject: fmt.Sprintf("batch %d", i),
		})
		ids = append(ids, it.ID())
	}
	const bogus = 9999
	batch := []int{ids[0], bogus, ids[1], ids[2]}

	result := m.BulkMove(ctx, nil, FolderIDTrash, batch...)
	if result.TotalCount() != 4 || result.SuccessCount() != 3 || result.FailureCount() != 1 {
		t.Fatalf("counts = %d/%d/%d, want 4 total, 3 ok, 1 failed",
			result.TotalCount(), result.SuccessCount(), result.FailureCount())
	}
	if failed := result.FailedIDs(); len(failed) != 1 || failed[0] != bogus {
		t.Errorf("FailedIDs = %v, want [%d]", failed, bogus)
	}
	if !result.HasFailures() {
		t.Error("HasFailures = false with a failed item")
	}

	// Results come back in input order with the error attached.
	if got := result.Results[1]; got.ID != bogus || got.Success || !IsNotFound(got.Error) {
		t.Errorf("result for bad id = %+v, want not-found failure", got)
	}

	var bulkErr *BulkOperationError
	if err := result.Err(); !errors.As(err, &bulkErr) {
		t.Fatalf("Err() = %v, want *BulkOperationError", err)
	}
	if sub := bulkErr.Unwrap(); len(sub) != 1 || !IsNotFound(sub[0]) {
		t.Errorf("unwrapped errors = %v, want one not-found", sub)
	}
	if !IsNotFound(result.Err()) {
		t.Error("errors.Is should reach the per-item failure through Unwrap")
	}

	// The good items moved despite the failure in the middle.
	for _, id := range ids {
		it, err := m.GetItem(ctx, nil, id)
		if err != nil {
			t.Fatalf("GetItem(%d): %v", id, err)
		}
		if it.FolderID() != FolderIDTrash {
			t.Errorf("item %d in folder %d, want Trash", id, it.FolderID())
		}
	}
}

func TestBulkAllSucceed(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	if _, err := m.CreateTag(ctx, nil, "sweep"); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	var ids []int
	for i := 0; i < 3; i++ {
		it := addMessage(t, m, &AddMessageOptions{
			Subject: fmt.Sprintf("sweep %d", i),
			Flags:   FlagUnread,
		})
		ids = append(ids, it.ID())
	}

	if result := m.BulkAlterTag(ctx, nil, "sweep", true, ids...); result.Err() != nil {
		t.Fatalf("BulkAlterTag: %v", result.Err())
	}
	tag, err := m.GetTagByName(ctx, nil, "sweep")
	if err != nil {
		t.Fatalf("GetTagByName: %v", err)
	}
	if tag.UnreadCount() != 3 {
		t.Errorf("tag unread = %d, want 3", tag.UnreadCount())
	}

	if result := m.BulkMarkRead(ctx, nil, true, ids...); result.Err() != nil {
		t.Fatalf("BulkMarkRead: %v", result.Err())
	}
	inbox, err := m.GetFolder(ctx, nil, FolderIDInbox)
	if err != nil {
		t.Fatalf("GetFolder: %v", err)
	}
	if inbox.UnreadCount() != 0 {
		t.Errorf("inbox unread = %d after bulk mark read, want 0", inbox.UnreadCount())
	}

	if result := m.BulkDelete(ctx, nil, ids...); result.Err() != nil {
		t.Fatalf("BulkDelete: %v", result.Err())
	}
	if inbox, err = m.GetFolder(ctx, nil, FolderIDInbox); err != nil {
		t.Fatalf("GetFolder: %v", err)
	}
	if inbox.ItemCount() != 0 {
		t.Errorf("inbox items = %d after bulk delete, want 0", inbox.ItemCount())
	}
}

func TestBulkCancelledContextFailsRemainder(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")

	var ids []int
	for i := 0; i < 3; i++ {
		it := addMessage(t, m, &AddMessageOptions{
			Subject: fmt.Sprintf("doomed %d", i),
		})
		ids = append(ids, it.ID())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := m.BulkMarkRead(ctx, nil, true, ids...)
	if result.SuccessCount() != 0 || result.FailureCount() != 3 {
		t.Fatalf("counts = %d ok / %d failed, want 0/3",
			result.SuccessCount(), result.FailureCount())
	}
	for _, res := range result.Results {
		if !errors.Is(res.Error, context.Canceled) {
			t.Errorf("item %d error = %v, want context.Canceled", res.ID, res.Error)
		}
	}
}
