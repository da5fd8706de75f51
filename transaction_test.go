package mailstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rbaliyan/mailstore/redolog"
	"github.com/rbaliyan/mailstore/store"
)

func TestTransactionReentrancy(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	if err := m.BeginTransaction(ctx, "outer", nil, nil); err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	outerChange := m.cur.changeID

	if err := m.BeginTransaction(ctx, "inner", nil, nil); err != nil {
		t.Fatalf("nested BeginTransaction: %v", err)
	}
	if m.cur.changeID != outerChange {
		t.Errorf("nested transaction got change %d, want outer change %d", m.cur.changeID, outerChange)
	}
	if m.cur.depth != 2 {
		t.Errorf("depth = %d, want 2", m.cur.depth)
	}

	// The inner EndTransaction must not commit.
	if err := m.EndTransaction(ctx, true); err != nil {
		t.Fatalf("inner EndTransaction: %v", err)
	}
	if m.cur == nil {
		t.Fatal("outer transaction finished by inner EndTransaction")
	}
	if err := m.EndTransaction(ctx, true); err != nil {
		t.Fatalf("outer EndTransaction: %v", err)
	}
	if m.cur != nil {
		t.Error("transaction still active after outer EndTransaction")
	}
}

func TestNestedFailurePoisonsOuterTransaction(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	last := m.LastChangeID()
	if err := m.BeginTransaction(ctx, "outer", nil, nil); err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if _, err := m.CreateTag(ctx, nil, "work"); err != nil {
		t.Fatalf("CreateTag inside transaction: %v", err)
	}

	// A failed nested transaction forces the whole chain to roll back,
	// even though the outer one reports success.
	if err := m.BeginTransaction(ctx, "inner", nil, nil); err != nil {
		t.Fatalf("nested BeginTransaction: %v", err)
	}
	if err := m.EndTransaction(ctx, false); err != nil {
		t.Fatalf("inner EndTransaction: %v", err)
	}
	if err := m.EndTransaction(ctx, true); err != nil {
		t.Fatalf("outer EndTransaction: %v", err)
	}

	if got := m.LastChangeID(); got != last {
		t.Errorf("LastChangeID = %d after rollback, want %d", got, last)
	}
	if _, err := m.GetTagByName(ctx, nil, "work"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled-back tag still visible: %v", err)
	}
}

func TestNestedRedoRecorderRejected(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	if err := m.BeginTransaction(ctx, "outer", nil, nil); err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := m.BeginTransaction(ctx, "inner", nil, redolog.Nop{}); !errors.Is(err, ErrNestedRedoRecorder) {
		t.Errorf("got %v, want ErrNestedRedoRecorder", err)
	}
	// The failed nested begin released its lock hold; the outer pair
	// still balances.
	if err := m.EndTransaction(ctx, true); err != nil {
		t.Fatalf("outer EndTransaction: %v", err)
	}
	if m.cur != nil {
		t.Error("transaction still active")
	}
}

func TestReadsSeeStagedWritesInTransaction(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	it := addMessage(t, m, &AddMessageOptions{Subject: "staged", Flags: FlagUnread})

	// Warm the item cache with the pre-mutation row.
	if _, err := m.GetItem(ctx, nil, it.ID()); err != nil {
		t.Fatalf("GetItem: %v", err)
	}

	if err := m.BeginTransaction(ctx, "outer", nil, nil); err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	err := m.MarkRead(ctx, nil, it.ID(), true)
	if err == nil {
		// The second mark must read back the staged row and no-op, not
		// re-apply the unread delta from the warm cache copy.
		err = m.MarkRead(ctx, nil, it.ID(), true)
	}
	var got *Item
	if err == nil {
		got, err = m.GetItem(ctx, nil, it.ID())
	}
	if endErr := m.EndTransaction(ctx, err == nil); err == nil {
		err = endErr
	}
	if err != nil {
		t.Fatalf("repeated mark read in one transaction: %v", err)
	}
	if got.IsUnread() {
		t.Error("read inside the transaction returned the pre-mutation row")
	}

	inbox, err := m.GetFolder(ctx, nil, FolderIDInbox)
	if err != nil {
		t.Fatalf("GetFolder: %v", err)
	}
	if inbox.UnreadCount() != 0 {
		t.Errorf("Inbox unread = %d, want 0", inbox.UnreadCount())
	}

	t.Run("staged delete hides the item", func(t *testing.T) {
		if err := m.BeginTransaction(ctx, "outer", nil, nil); err != nil {
			t.Fatalf("BeginTransaction: %v", err)
		}
		err := m.DeleteItems(ctx, nil, it.ID())
		if err == nil {
			if _, getErr := m.GetItem(ctx, nil, it.ID()); !errors.Is(getErr, ErrNotFound) {
				t.Errorf("staged-deleted item still readable: %v", getErr)
			}
		}
		if endErr := m.EndTransaction(ctx, err == nil); err == nil {
			err = endErr
		}
		if err != nil {
			t.Fatalf("delete in transaction: %v", err)
		}
	})
}

func TestEndTransactionWithoutBegin(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")

	if err := m.EndTransaction(context.Background(), true); !errors.Is(err, ErrNoTransaction) {
		t.Errorf("got %v, want ErrNoTransaction", err)
	}
}

func TestReadOnlyTransactionAllocatesNoChange(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	it := addMessage(t, m, &AddMessageOptions{Subject: "hello"})
	last := m.LastChangeID()

	if _, err := m.GetItem(ctx, nil, it.ID()); err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if _, err := m.ListFolders(ctx, nil); err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	if got := m.LastChangeID(); got != last {
		t.Errorf("LastChangeID = %d after reads, want %d", got, last)
	}
}

func TestAccessControl(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()
	it := addMessage(t, m, &AddMessageOptions{Subject: "private"})

	t.Run("foreign account denied", func(t *testing.T) {
		mallory := &OpContext{AccountID: "mallory"}
		if _, err := m.GetItem(ctx, mallory, it.ID()); !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("GetItem: got %v, want ErrPermissionDenied", err)
		}
		if _, err := m.CreateTag(ctx, mallory, "stolen"); !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("CreateTag: got %v, want ErrPermissionDenied", err)
		}
	})

	t.Run("owner allowed", func(t *testing.T) {
		if _, err := m.GetItem(ctx, &OpContext{AccountID: "alice"}, it.ID()); err != nil {
			t.Errorf("GetItem as owner: %v", err)
		}
	})

	t.Run("administrative context allowed", func(t *testing.T) {
		if _, err := m.GetItem(ctx, nil, it.ID()); err != nil {
			t.Errorf("GetItem with nil context: %v", err)
		}
		if _, err := m.GetItem(ctx, &OpContext{}, it.ID()); err != nil {
			t.Errorf("GetItem with empty AccountID: %v", err)
		}
	})
}

func TestCommitFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()
	last := m.LastChangeID()

	env.store.BeforeCommit = func(int) error { return store.ErrTransactionFailed }
	defer func() { env.store.BeforeCommit = nil }()

	_, err := m.CreateTag(ctx, nil, "doomed")
	if !errors.Is(err, store.ErrTransactionFailed) {
		t.Fatalf("got %v, want store.ErrTransactionFailed", err)
	}

	env.store.BeforeCommit = nil
	if got := m.LastChangeID(); got != last {
		t.Errorf("LastChangeID = %d after failed commit, want %d", got, last)
	}
	if _, err := m.GetTagByName(ctx, nil, "doomed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("tag visible after failed commit: %v", err)
	}

	// The mailbox stays usable.
	if _, err := m.CreateTag(ctx, nil, "doomed"); err != nil {
		t.Errorf("CreateTag after recovery: %v", err)
	}
}

func TestCommitFailureAfterRedoIntentIsFatal(t *testing.T) {
	redo := &testRedoLog{}
	var fatal error
	env := newTestEnv(t,
		WithRedoLog(redo),
		WithFatalHandler(func(err error) { fatal = err }),
	)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	env.store.BeforeCommit = func(int) error { return store.ErrTransactionFailed }
	defer func() { env.store.BeforeCommit = nil }()

	_, err := m.CreateTag(ctx, nil, "doomed")
	var cf *CommitFatalError
	if !errors.As(err, &cf) {
		t.Fatalf("got %v, want CommitFatalError", err)
	}
	if cf.MailboxID != m.ID() || cf.Op != "createTag" {
		t.Errorf("fatal error identifies mailbox %d op %q", cf.MailboxID, cf.Op)
	}
	if !errors.As(fatal, &cf) {
		t.Errorf("fatal handler got %v, want CommitFatalError", fatal)
	}
}

func TestListenerNotification(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	var mu sync.Mutex
	var notes []*ChangeNotification
	m.AddListener(ListenerFunc{
		ListenerName: "recorder",
		Fn: func(_ context.Context, n *ChangeNotification) {
			mu.Lock()
			notes = append(notes, n)
			mu.Unlock()
		},
	})

	it := addMessage(t, m, &AddMessageOptions{Subject: "hello"})

	mu.Lock()
	var created *ChangeNotification
	for _, n := range notes {
		if n.Op == "addMessage" {
			created = n
		}
	}
	mu.Unlock()
	if created == nil {
		t.Fatal("no notification for addMessage commit")
	}
	if len(created.Created) != 1 || created.Created[0].ID() != it.ID() {
		t.Errorf("Created = %v, want the new item", created.Created)
	}
	if !created.Created[0].Detached() {
		t.Error("listener received a live cache entry, want a detached snapshot")
	}

	t.Run("panicking listener does not break commits", func(t *testing.T) {
		m.AddListener(ListenerFunc{
			ListenerName: "bomb",
			Fn:           func(context.Context, *ChangeNotification) { panic("boom") },
		})
		if _, err := m.CreateTag(ctx, nil, "survives"); err != nil {
			t.Fatalf("CreateTag with panicking listener: %v", err)
		}
	})

	t.Run("removed listener stops receiving", func(t *testing.T) {
		if !m.RemoveListener("recorder") {
			t.Fatal("RemoveListener(recorder) = false")
		}
		mu.Lock()
		seen := len(notes)
		mu.Unlock()
		addMessage(t, m, &AddMessageOptions{Subject: "unobserved"})
		mu.Lock()
		defer mu.Unlock()
		if len(notes) != seen {
			t.Errorf("removed listener still notified")
		}
	})
}
