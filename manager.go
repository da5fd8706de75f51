package mailstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"golang.org/x/sync/semaphore"

	"github.com/rbaliyan/mailstore/blob"
	"github.com/rbaliyan/mailstore/redolog"
	"github.com/rbaliyan/mailstore/retry"
	"github.com/rbaliyan/mailstore/store"
)

// Lifecycle states for the manager.
const (
	stateStopped  int32 = 0
	stateStarting int32 = 1
	stateStarted  int32 = 2
)

// System folder layout created for every new mailbox.
var systemFolders = []struct {
	id     int
	parent int
	name   string
}{
	{FolderIDRoot, FolderIDRoot, "USER_ROOT"},
	{FolderIDInbox, FolderIDRoot, "Inbox"},
	{FolderIDTrash, FolderIDRoot, "Trash"},
	{FolderIDSent, FolderIDRoot, "Sent"},
	{FolderIDDrafts, FolderIDRoot, "Drafts"},
}

// Manager owns the mailbox cache and the shared backends: store, index
// engines, blob store, redo log, event bus, and the worker pools for
// index completions and re-index jobs.
type Manager struct {
	opts   *options
	logger *slog.Logger
	otel   *otelInstrumentation
	state  int32 // stateStopped, stateStarting, or stateStarted

	mu    sync.Mutex
	boxes map[int]*Mailbox

	completionSem *semaphore.Weighted
	reindexSem    *semaphore.Weighted

	eventBus *event.Bus     // Event bus for publishing events
	events   *ServiceEvents // Per-manager event instances

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewManager creates a manager. Call Startup to connect the backends.
func NewManager(opts ...Option) (*Manager, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}
	if o.engines == nil {
		return nil, ErrIndexRequired
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &Manager{
		opts:          o,
		logger:        o.logger,
		otel:          otelInstr,
		boxes:         make(map[int]*Mailbox),
		completionSem: semaphore.NewWeighted(o.completionWorkers),
		reindexSem:    semaphore.NewWeighted(o.reindexWorkers),
	}, nil
}

// Events returns per-manager event instances for subscribing.
func (mgr *Manager) Events() *ServiceEvents {
	return mgr.events
}

// IsStarted reports whether the manager is running.
func (mgr *Manager) IsStarted() bool {
	return atomic.LoadInt32(&mgr.state) == stateStarted
}

// Startup connects the store, opens the redo log, and wires the event
// bus. The manager serves no mailboxes before Startup succeeds.
func (mgr *Manager) Startup(ctx context.Context) error {
	// Three-state so Get never sees partial initialization.
	if !atomic.CompareAndSwapInt32(&mgr.state, stateStopped, stateStarting) {
		return ErrAlreadyStarted
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&mgr.state, stateStarted)
		} else {
			atomic.StoreInt32(&mgr.state, stateStopped)
		}
	}()

	if err := mgr.opts.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	if err := mgr.opts.redo.Open(ctx); err != nil {
		mgr.opts.store.Close(ctx)
		return fmt.Errorf("open redo log: %w", err)
	}

	if err := mgr.initEventBus(ctx); err != nil {
		mgr.opts.redo.Close(ctx)
		mgr.opts.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	mgr.runCtx, mgr.runCancel = context.WithCancel(context.Background())
	go mgr.sweep()

	success = true
	mgr.logger.Info("mailstore manager started")
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus initializes the event bus for this manager. Each manager
// creates its own bus so parallel instances and tests stay independent.
func (mgr *Manager) initEventBus(ctx context.Context) error {
	serviceName := mgr.opts.serviceName
	if serviceName == "" {
		serviceName = "mailstore"
	}
	// Each bus needs a unique name, so append a counter suffix
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case mgr.opts.eventTransport != nil:
		mgr.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(mgr.opts.eventTransport))
	case mgr.opts.redisClient != nil:
		mgr.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(mgr.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		mgr.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	mgr.eventBus = bus

	mgr.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, mgr.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}

	return nil
}

// Shutdown stops the manager: re-index jobs are cancelled and stop at
// their next chunk boundary without being awaited, in-flight index
// completions are drained up to the shutdown timeout, then the backends
// close.
func (mgr *Manager) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&mgr.state, stateStarted, stateStopped) {
		return nil
	}

	mgr.runCancel()

	var errs []error

	mgr.logger.Info("waiting for in-flight index completions...",
		"timeout", mgr.opts.shutdownTimeout)
	drainCtx, drainCancel := context.WithTimeout(ctx, mgr.opts.shutdownTimeout)
	defer drainCancel()
	if err := mgr.completionSem.Acquire(drainCtx, mgr.opts.completionWorkers); err != nil {
		mgr.logger.Warn("timeout waiting for index completions, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		mgr.completionSem.Release(mgr.opts.completionWorkers)
	}

	// Close event bus only if using a real transport. For noop transport
	// the bus holds no resources and closing would break events for other
	// managers sharing the global event registry.
	if mgr.eventBus != nil && (mgr.opts.eventTransport != nil || mgr.opts.redisClient != nil) {
		if err := mgr.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := mgr.opts.redo.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close redo log: %w", err))
	}

	if err := mgr.opts.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

// Get returns the mailbox with the given id, loading it from the store
// on first use. The instance is cached; all callers share it so the
// per-mailbox transaction lock serializes correctly.
func (mgr *Manager) Get(ctx context.Context, mailboxID int) (*Mailbox, error) {
	if !mgr.IsStarted() {
		return nil, ErrNotStarted
	}

	mgr.mu.Lock()
	if m, ok := mgr.boxes[mailboxID]; ok {
		mgr.mu.Unlock()
		return m, nil
	}
	mgr.mu.Unlock()

	data, err := mgr.opts.store.GetMailbox(ctx, mailboxID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: mailbox %d", ErrMailboxNotFound, mailboxID)
		}
		return nil, fmt.Errorf("mailstore: load mailbox %d: %w", mailboxID, err)
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if m, ok := mgr.boxes[mailboxID]; ok {
		// Lost the race; the winner's instance holds the lock state.
		return m, nil
	}
	m := newMailbox(mgr, data)
	mgr.boxes[mailboxID] = m
	return m, nil
}

// GetByAccount returns the account's mailbox.
func (mgr *Manager) GetByAccount(ctx context.Context, accountID string) (*Mailbox, error) {
	if !mgr.IsStarted() {
		return nil, ErrNotStarted
	}

	data, err := mgr.opts.store.GetMailboxByAccount(ctx, accountID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: account %q", ErrMailboxNotFound, accountID)
		}
		return nil, fmt.Errorf("mailstore: load mailbox for %q: %w", accountID, err)
	}
	return mgr.Get(ctx, data.ID)
}

// CreateMailbox allocates a mailbox for the account and bootstraps the
// system folder tree in its first transaction.
func (mgr *Manager) CreateMailbox(ctx context.Context, accountID string) (*Mailbox, error) {
	if !mgr.IsStarted() {
		return nil, ErrNotStarted
	}
	if accountID == "" {
		return nil, fmt.Errorf("%w: empty account id", ErrInvalidID)
	}

	data, err := mgr.opts.store.CreateMailbox(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("mailstore: create mailbox: %w", err)
	}
	m := newMailbox(mgr, data)

	err = m.writeTxn(ctx, "bootstrapMailbox", nil, func(cur *change) error {
		now := time.Now()
		for _, def := range systemFolders {
			row := &store.ItemData{
				MailboxID:   m.id,
				ID:          def.id,
				Type:        store.TypeFolder,
				FolderID:    def.parent,
				ParentID:    def.parent,
				Name:        def.name,
				Date:        now,
				ModMetadata: cur.changeID,
				ModContent:  cur.changeID,
			}
			if err := cur.conn.CreateItem(ctx, row); err != nil {
				return fmt.Errorf("mailstore: create system folder %q: %w", def.name, err)
			}
			f := &Folder{Item: Item{data: *row}}
			m.folders.put(f)
			cur.markCreated(&f.Item)
		}
		cur.touchedFolders = true
		if cur.mailbox.LastItemID < FolderIDDrafts {
			cur.mailbox.LastItemID = FolderIDDrafts
		}
		return nil
	})
	if err != nil {
		mgr.opts.store.DeleteMailbox(ctx, m.id)
		return nil, err
	}

	mgr.mu.Lock()
	mgr.boxes[m.id] = m
	mgr.mu.Unlock()

	mgr.logger.Info("mailbox created", "mailbox_id", m.id, "account_id", accountID)
	return m, nil
}

// DeleteMailbox removes a mailbox and everything in it: rows, index, and
// the cached instance. The mailbox is held in maintenance for the
// duration, so no transaction can slip in.
func (mgr *Manager) DeleteMailbox(ctx context.Context, mailboxID int) error {
	m, err := mgr.Get(ctx, mailboxID)
	if err != nil {
		return err
	}

	if _, err := m.BeginMaintenance(ctx); err != nil {
		return err
	}
	// Maintenance is never lifted: the instance is discarded below.

	if err := m.engine.DeleteAll(ctx); err != nil {
		return fmt.Errorf("mailstore: drop mailbox %d index: %w", mailboxID, err)
	}
	if err := mgr.opts.store.DeleteMailbox(ctx, mailboxID); err != nil {
		return fmt.Errorf("mailstore: delete mailbox %d: %w", mailboxID, err)
	}

	mgr.mu.Lock()
	delete(mgr.boxes, mailboxID)
	mgr.mu.Unlock()

	mgr.logger.Info("mailbox deleted", "mailbox_id", mailboxID)
	return nil
}

// BeginMaintenance puts a mailbox into maintenance. Convenience wrapper
// around the mailbox method.
func (mgr *Manager) BeginMaintenance(ctx context.Context, mailboxID int) (*MaintenanceHandle, error) {
	m, err := mgr.Get(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	return m.BeginMaintenance(ctx)
}

// EndMaintenance lifts a maintenance window opened by BeginMaintenance.
func (mgr *Manager) EndMaintenance(ctx context.Context, h *MaintenanceHandle) error {
	if h == nil {
		return ErrMaintenanceTokenInvalid
	}
	m, err := mgr.Get(ctx, h.mailboxID)
	if err != nil {
		return err
	}
	return m.EndMaintenance(h)
}

// PlaybackFunc re-executes one logged operation during recovery. The
// implementation decodes the entry payload and replays the operation
// through the regular API with OpContext.ChangeID set to the entry's
// change-sequence, which suppresses re-logging.
type PlaybackFunc func(ctx context.Context, entry redolog.Entry) error

// Recover replays the redo log after a crash. Entries already reflected
// in the store (change-sequence at or below the mailbox's last committed
// change) are skipped; the rest are handed to fn in transaction order.
// Replay must be idempotent: an intent-only entry may or may not have
// reached the store.
func (mgr *Manager) Recover(ctx context.Context, fn PlaybackFunc) error {
	if !mgr.IsStarted() {
		return ErrNotStarted
	}

	var replayed, skipped int
	err := mgr.opts.redo.Replay(ctx, func(e redolog.Entry) error {
		m, err := mgr.Get(ctx, e.MailboxID)
		if err != nil {
			if IsNotFound(err) {
				// Mailbox deleted after the entry was logged.
				skipped++
				return nil
			}
			return err
		}
		if e.ChangeID <= m.LastChangeID() {
			skipped++
			return nil
		}
		replayed++
		return fn(ctx, e)
	})
	if err != nil {
		return fmt.Errorf("mailstore: redo replay: %w", err)
	}
	mgr.logger.Info("redo recovery finished", "replayed", replayed, "skipped", skipped)
	return nil
}

// fatal handles an unrecoverable commit failure: the redo intent is
// durable but the store outcome is unknown. The default halts the
// process so recovery can replay the log.
func (mgr *Manager) fatal(err error) {
	if mgr.opts.fatal != nil {
		mgr.opts.fatal(err)
		return
	}
	mgr.logger.Error("unrecoverable commit failure, halting", "error", err)
	os.Exit(1)
}

// submitCompletion runs an index bookkeeping task on the completion
// pool. Never blocks the caller; concurrency is bounded by the pool
// semaphore and tasks are drained at shutdown.
func (mgr *Manager) submitCompletion(fn func(ctx context.Context)) {
	if mgr.opts.synchronousPools {
		fn(mgr.taskContext())
		return
	}
	go func() {
		if err := mgr.completionSem.Acquire(mgr.runCtx, 1); err != nil {
			mgr.logger.Warn("completion task dropped during shutdown", "error", err)
			return
		}
		defer mgr.completionSem.Release(1)
		fn(context.WithoutCancel(mgr.runCtx))
	}()
}

// submitReindex runs a re-index job on the re-index pool. Jobs observe
// runCtx and stop at the next chunk boundary on shutdown; they are not
// awaited.
func (mgr *Manager) submitReindex(fn func(ctx context.Context)) error {
	if !mgr.IsStarted() {
		return ErrNotStarted
	}
	if mgr.opts.synchronousPools {
		fn(mgr.runCtx)
		return nil
	}
	go func() {
		if err := mgr.reindexSem.Acquire(mgr.runCtx, 1); err != nil {
			mgr.logger.Warn("reindex job dropped during shutdown", "error", err)
			return
		}
		defer mgr.reindexSem.Release(1)
		fn(mgr.runCtx)
	}()
	return nil
}

// sweep periodically retries deferred indexing across cached mailboxes,
// picking up backlogs whose opportunistic pass was gated or failed.
func (mgr *Manager) sweep() {
	interval := mgr.opts.indexAttemptDelay
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-mgr.runCtx.Done():
			return
		case <-ticker.C:
			for _, m := range mgr.cachedBoxes() {
				m.idx.MaybeIndexDeferredItems(mgr.runCtx)
			}
		}
	}
}

func (mgr *Manager) cachedBoxes() []*Mailbox {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	boxes := make([]*Mailbox, 0, len(mgr.boxes))
	for _, m := range mgr.boxes {
		boxes = append(boxes, m)
	}
	return boxes
}

func (mgr *Manager) taskContext() context.Context {
	if mgr.runCtx != nil {
		return context.WithoutCancel(mgr.runCtx)
	}
	return context.Background()
}

func (mgr *Manager) publishChange(ev ChangeCommittedEvent) {
	if mgr.events == nil {
		return
	}
	if err := mgr.events.ChangeCommitted.Publish(mgr.taskContext(), ev); err != nil {
		mgr.opts.safeEventPublishFailure("ChangeCommitted", err)
	}
}

func (mgr *Manager) publishReindex(ev ReindexCompletedEvent) {
	if mgr.events == nil {
		return
	}
	if err := mgr.events.ReindexCompleted.Publish(mgr.taskContext(), ev); err != nil {
		mgr.opts.safeEventPublishFailure("ReindexCompleted", err)
	}
}

func (mgr *Manager) publishMaintenance(ev MaintenanceEvent) {
	if mgr.events == nil {
		return
	}
	if err := mgr.events.Maintenance.Publish(mgr.taskContext(), ev); err != nil {
		mgr.opts.safeEventPublishFailure("Maintenance", err)
	}
}

// blobRetryConfig paces retries against the external blob store. A
// blob left behind is storage leaked until the next sweep, so a few
// attempts are worth the wait.
func blobRetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxBackoff = 5 * time.Second
	return cfg
}

// blobGone stops retrying on blob.ErrNotFound: the blob is already
// where cleanup wants it.
func blobGone(err error) error {
	if errors.Is(err, blob.ErrNotFound) {
		return retry.Permanent(err)
	}
	return err
}

// discardBlobs abandons staged blobs after a rollback.
func (mgr *Manager) discardBlobs(staged []*blob.Staged) {
	if mgr.opts.blobs == nil {
		return
	}
	ctx := mgr.taskContext()
	cfg := blobRetryConfig()
	for _, s := range staged {
		s := s
		err := retry.Do(ctx, cfg, func(ctx context.Context) error {
			return blobGone(mgr.opts.blobs.Discard(ctx, s))
		})
		if err != nil && !errors.Is(err, blob.ErrNotFound) {
			mgr.logger.Warn("discard staged blob failed", "error", err)
		}
	}
}

// deleteBlobs removes blobs whose items are gone: after a committed
// delete, or after rolling back a transaction that had already
// committed blobs to their final location.
func (mgr *Manager) deleteBlobs(refs []*blob.Ref) {
	if mgr.opts.blobs == nil {
		return
	}
	ctx := mgr.taskContext()
	cfg := blobRetryConfig()
	for _, ref := range refs {
		ref := ref
		err := retry.Do(ctx, cfg, func(ctx context.Context) error {
			return blobGone(mgr.opts.blobs.Delete(ctx, ref))
		})
		if err != nil && !errors.Is(err, blob.ErrNotFound) {
			mgr.logger.Warn("delete blob failed", "digest", ref.Digest, "error", err)
		}
	}
}
