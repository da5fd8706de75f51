// Package mailstore is the transactional core of a multi-tenant mail
// store: per-mailbox serialized transactions over a durable item store,
// coherent item/folder/tag caches, a write-ahead redo log, and a deferred
// full-text indexing coordinator that keeps the index eventually
// consistent without putting index writes on the commit path.
//
// # Basic Usage
//
//	// Create in-memory backends for testing
//	st := memory.New()
//	eng := indexmem.New()
//
//	mgr, err := mailstore.NewManager(
//	    mailstore.WithStore(st),
//	    mailstore.WithIndexEngine(eng),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Startup connects the store and starts the worker pools
//	if err := mgr.Startup(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Shutdown(ctx)
//
//	// Get a mailbox and run a transaction
//	mbox, err := mgr.Get(ctx, id)
//	if err := mbox.BeginTransaction(ctx, "addMessage", octxt, nil); err != nil {
//	    return err
//	}
//	// ... stage work on mbox ...
//	err = mbox.EndTransaction(ctx, err == nil)
//
// # Transaction Protocol
//
// Transactions on one mailbox are serialized by a reentrant lock (local
// by default, redis-backed for multi-node deployments); different
// mailboxes proceed in parallel. Begin/End pairs nest: only the outermost
// pair opens a store connection, assigns the change sequence and starts
// the redo recorder. Commit order is fixed: redo commit record after the
// store commit succeeds, then staged index entries to the indexing
// coordinator, then cache publication, then listener notification with an
// immutable snapshot, then lock release.
//
// # Deferred Indexing
//
// Index writes never block commits. Each commit stages entries with the
// coordinator, which batches them into chunks bounded by item count and
// byte size, generates documents outside the mailbox lock, and advances a
// per-mailbox high-water mark only on success. Failures shrink the chunk
// size until an attempt succeeds again; items that repeatedly fail are
// skipped individually so one poison item cannot stall the mailbox.
//
// # Storage Backends
//
// The store package provides implementations for:
//   - PostgreSQL (store/postgres) - accepts *sql.DB
//   - MongoDB (store/mongo) - accepts *mongo.Client
//   - In-memory (store/memory) - for testing
//
// # Events
//
// Committed changes are published as typed events using the
// github.com/rbaliyan/event/v3 library which supports multiple transports
// (Redis Streams, NATS, Kafka, in-memory channel). Pass WithRedisClient
// or WithEventTransport when creating the manager, then subscribe via
// Events():
//
//	events := mgr.Events()
//	events.ChangeCommitted.Subscribe(ctx, handler)
//	events.ReindexCompleted.Subscribe(ctx, handler)
package mailstore
