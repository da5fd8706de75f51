package mailstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	blobmem "github.com/rbaliyan/mailstore/blob/memory"
	"github.com/rbaliyan/mailstore/index"
	indexmem "github.com/rbaliyan/mailstore/index/memory"
	"github.com/rbaliyan/mailstore/redolog"
	storemem "github.com/rbaliyan/mailstore/store/memory"
)

// testEnv wires a started manager against in-memory backends. Each
// mailbox gets its own index engine, mirroring multi-tenant deployments
// where index ids are only unique within a mailbox.
type testEnv struct {
	mgr   *Manager
	store *storemem.Store
	blobs *blobmem.Store

	mu      sync.Mutex
	engines map[int]*indexmem.Engine
}

// engineOf returns the index engine created for a mailbox.
func (env *testEnv) engineOf(t *testing.T, mailboxID int) *indexmem.Engine {
	t.Helper()
	env.mu.Lock()
	defer env.mu.Unlock()
	e, ok := env.engines[mailboxID]
	if !ok {
		t.Fatalf("no engine created for mailbox %d", mailboxID)
	}
	return e
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newEnv builds and starts a manager. synchronous selects inline worker
// pools, which most tests want for deterministic completion ordering.
func newEnv(t *testing.T, synchronous bool, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   storemem.New(),
		blobs:   blobmem.New(),
		engines: make(map[int]*indexmem.Engine),
	}
	base := []Option{
		WithStore(env.store),
		WithBlobStore(env.blobs),
		WithLogger(discardLogger()),
		WithIndexFactory(func(mailboxID int) index.Engine {
			env.mu.Lock()
			defer env.mu.Unlock()
			if e, ok := env.engines[mailboxID]; ok {
				return e
			}
			e := indexmem.New()
			env.engines[mailboxID] = e
			return e
		}),
		// Drain the index after every commit so tests observe a settled
		// mailbox; backlog tests arm engine failures to hold items back.
		WithIndexAttemptDelay(0),
	}
	if synchronous {
		base = append(base, WithSynchronousPools())
	}
	mgr, err := NewManager(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()
	if err := mgr.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })
	env.mgr = mgr
	return env
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	return newEnv(t, true, opts...)
}

// newTestMailbox creates a mailbox for the given account.
func (env *testEnv) newTestMailbox(t *testing.T, accountID string) *Mailbox {
	t.Helper()
	m, err := env.mgr.CreateMailbox(context.Background(), accountID)
	if err != nil {
		t.Fatalf("CreateMailbox(%q): %v", accountID, err)
	}
	return m
}

// addMessage commits one message and returns it.
func addMessage(t *testing.T, m *Mailbox, opts *AddMessageOptions) *Item {
	t.Helper()
	it, err := m.AddMessage(context.Background(), nil, opts)
	if err != nil {
		t.Fatalf("AddMessage: %v", err)
	}
	return it
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(WithIndexEngine(indexmem.New())); !errors.Is(err, ErrStoreRequired) {
		t.Errorf("missing store: got %v, want ErrStoreRequired", err)
	}
	if _, err := NewManager(WithStore(storemem.New())); !errors.Is(err, ErrIndexRequired) {
		t.Errorf("missing engine: got %v, want ErrIndexRequired", err)
	}
}

func TestManagerLifecycle(t *testing.T) {
	mgr, err := NewManager(
		WithStore(storemem.New()),
		WithIndexEngine(indexmem.New()),
		WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	if _, err := mgr.Get(ctx, 1); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Get before Startup: got %v, want ErrNotStarted", err)
	}
	if _, err := mgr.CreateMailbox(ctx, "a"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("CreateMailbox before Startup: got %v, want ErrNotStarted", err)
	}

	if err := mgr.Startup(ctx); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if !mgr.IsStarted() {
		t.Error("IsStarted = false after Startup")
	}
	if err := mgr.Startup(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Startup: got %v, want ErrAlreadyStarted", err)
	}

	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if mgr.IsStarted() {
		t.Error("IsStarted = true after Shutdown")
	}
	// Shutting down a stopped manager is a no-op.
	if err := mgr.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestCreateMailboxBootstrap(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	folders, err := m.ListFolders(ctx, nil)
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	if len(folders) != 5 {
		t.Fatalf("got %d system folders, want 5", len(folders))
	}
	wantNames := map[int]string{
		FolderIDRoot:   "USER_ROOT",
		FolderIDInbox:  "Inbox",
		FolderIDTrash:  "Trash",
		FolderIDSent:   "Sent",
		FolderIDDrafts: "Drafts",
	}
	for _, f := range folders {
		if wantNames[f.ID()] != f.Name() {
			t.Errorf("folder %d named %q, want %q", f.ID(), f.Name(), wantNames[f.ID()])
		}
		if !f.IsSystem() {
			t.Errorf("folder %d not recognized as system", f.ID())
		}
	}

	t.Run("user items allocate above the reserved range", func(t *testing.T) {
		it := addMessage(t, m, &AddMessageOptions{Subject: "first"})
		if it.ID() != FirstUserItemID {
			t.Errorf("first user item id = %d, want %d", it.ID(), FirstUserItemID)
		}
	})

	t.Run("duplicate account", func(t *testing.T) {
		if _, err := env.mgr.CreateMailbox(ctx, "alice"); err == nil {
			t.Error("expected error for duplicate account")
		}
	})

	t.Run("empty account", func(t *testing.T) {
		if _, err := env.mgr.CreateMailbox(ctx, ""); !errors.Is(err, ErrInvalidID) {
			t.Errorf("got %v, want ErrInvalidID", err)
		}
	})
}

func TestManagerGet(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	got, err := env.mgr.Get(ctx, m.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != m {
		t.Error("Get returned a different instance than CreateMailbox")
	}

	byAccount, err := env.mgr.GetByAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetByAccount: %v", err)
	}
	if byAccount != m {
		t.Error("GetByAccount returned a different instance")
	}

	if _, err := env.mgr.Get(ctx, 9999); !errors.Is(err, ErrMailboxNotFound) {
		t.Errorf("unknown id: got %v, want ErrMailboxNotFound", err)
	}
	if _, err := env.mgr.GetByAccount(ctx, "nobody"); !errors.Is(err, ErrMailboxNotFound) {
		t.Errorf("unknown account: got %v, want ErrMailboxNotFound", err)
	}
}

func TestDeleteMailbox(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	addMessage(t, m, &AddMessageOptions{Subject: "quarterly report"})
	engine := env.engineOf(t, m.ID())
	if engine.Size() == 0 {
		t.Fatal("expected indexed documents before delete")
	}

	if err := env.mgr.DeleteMailbox(ctx, m.ID()); err != nil {
		t.Fatalf("DeleteMailbox: %v", err)
	}
	if engine.Size() != 0 {
		t.Errorf("index still holds %d documents after delete", engine.Size())
	}
	if _, err := env.mgr.Get(ctx, m.ID()); !errors.Is(err, ErrMailboxNotFound) {
		t.Errorf("Get after delete: got %v, want ErrMailboxNotFound", err)
	}
	if err := env.mgr.DeleteMailbox(ctx, m.ID()); !errors.Is(err, ErrMailboxNotFound) {
		t.Errorf("second delete: got %v, want ErrMailboxNotFound", err)
	}
}

// testRedoLog replays canned entries and records recorder activity.
// Begin hands out real recorders so the commit path exercises the
// intent/marker ordering instead of the Nop shortcuts.
type testRedoLog struct {
	mu      sync.Mutex
	entries []redolog.Entry

	logged    int
	committed int
	aborted   int
}

func (l *testRedoLog) Open(context.Context) error  { return nil }
func (l *testRedoLog) Close(context.Context) error { return nil }

func (l *testRedoLog) Begin(mailboxID int, op string, payload []byte) redolog.Recorder {
	return &testRecorder{log: l}
}

func (l *testRedoLog) Replay(_ context.Context, fn func(redolog.Entry) error) error {
	l.mu.Lock()
	entries := append([]redolog.Entry(nil), l.entries...)
	l.mu.Unlock()
	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (l *testRedoLog) Truncate(context.Context, uint64) error { return nil }

type testRecorder struct {
	log      *testRedoLog
	changeID int
}

func (r *testRecorder) Start(time.Time)    {}
func (r *testRecorder) SetChangeID(id int) { r.changeID = id }

func (r *testRecorder) Log(context.Context) error {
	r.log.mu.Lock()
	r.log.logged++
	r.log.mu.Unlock()
	return nil
}
func (r *testRecorder) Commit(context.Context) error {
	r.log.mu.Lock()
	r.log.committed++
	r.log.mu.Unlock()
	return nil
}
func (r *testRecorder) Abort(context.Context) error {
	r.log.mu.Lock()
	r.log.aborted++
	r.log.mu.Unlock()
	return nil
}

func TestRecoverReplaysOnlyUnappliedEntries(t *testing.T) {
	redo := &testRedoLog{}
	env := newTestEnv(t, WithRedoLog(redo))
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	last := m.LastChangeID()
	redo.entries = []redolog.Entry{
		// Already reflected in the store: skipped.
		{MailboxID: m.ID(), Op: "createTag", ChangeID: last},
		// Never applied: replayed.
		{MailboxID: m.ID(), Op: "createTag", ChangeID: last + 3},
		// Mailbox gone: skipped.
		{MailboxID: 9999, Op: "createTag", ChangeID: 1},
	}

	var replayed []redolog.Entry
	err := env.mgr.Recover(ctx, func(ctx context.Context, e redolog.Entry) error {
		replayed = append(replayed, e)
		// Replay re-runs the operation with the logged change-sequence,
		// which suppresses re-logging.
		_, err := m.CreateTag(ctx, &OpContext{ChangeID: e.ChangeID}, "replayed")
		return err
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(replayed) != 1 || replayed[0].ChangeID != last+3 {
		t.Fatalf("replayed %v, want exactly the change %d entry", replayed, last+3)
	}
	if got := m.LastChangeID(); got != last+3 {
		t.Errorf("LastChangeID after replay = %d, want %d", got, last+3)
	}
	if _, err := m.GetTagByName(ctx, nil, "replayed"); err != nil {
		t.Errorf("replayed tag missing: %v", err)
	}
}

func TestRecorderLifecycleAcrossCommitAndRollback(t *testing.T) {
	redo := &testRedoLog{}
	env := newTestEnv(t, WithRedoLog(redo))
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	// bootstrapMailbox already logged one transaction.
	base := redo.logged

	if _, err := m.CreateTag(ctx, nil, "work"); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	if redo.logged != base+1 || redo.committed != base+1 {
		t.Errorf("after commit: logged=%d committed=%d, want %d each", redo.logged, redo.committed, base+1)
	}

	// Duplicate name rolls back before the intent is written.
	if _, err := m.CreateTag(ctx, nil, "work"); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate tag: got %v, want ErrDuplicateName", err)
	}
	if redo.logged != base+1 {
		t.Errorf("failed transaction wrote an intent record")
	}
}
