package mailstore

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/mailstore/blob"
	"github.com/rbaliyan/mailstore/content"
	"github.com/rbaliyan/mailstore/index"
	"github.com/rbaliyan/mailstore/lock"
	"github.com/rbaliyan/mailstore/redolog"
	"github.com/rbaliyan/mailstore/store"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout

	// Index batch limits. A catch-up pass submits items to the index in
	// chunks bounded by both item count and payload bytes, whichever is
	// hit first.
	DefaultMaxBatchItems = 2000             // max items per indexing chunk
	DefaultMaxBatchBytes = 10 * 1024 * 1024 // 10 MB max payload per indexing chunk

	// FailureBatchItems is the reduced chunk size used after an indexing
	// attempt has failed, until any attempt succeeds again.
	DefaultFailureBatchItems = 5

	// Indexing pacing. Catch-up runs opportunistically after commits; it
	// is skipped when the previous attempt or the previous failure is too
	// recent.
	DefaultIndexAttemptDelay = 10 * time.Second // min delay between catch-up passes
	DefaultIndexFailureDelay = 30 * time.Second // min delay after a failed pass

	// Item cache sizing. A mailbox with registered listeners keeps a
	// larger working set; an idle mailbox is trimmed down aggressively.
	DefaultItemCacheActive  = 500 // max cached items with listeners attached
	DefaultItemCachePassive = 30  // max cached items without listeners

	// Worker pool sizes.
	DefaultCompletionWorkers = 4 // index completion callbacks
	DefaultReindexWorkers    = 2 // concurrent background re-index jobs

	// DefaultTrashRetention is how long items stay in Trash before
	// PurgeTrash removes them.
	DefaultTrashRetention = 30 * 24 * time.Hour
)

// LockFactory builds the transaction lock for one mailbox. The default
// factory returns an in-process reentrant lock; multi-node deployments
// substitute a redis-backed factory.
type LockFactory func(mailboxID int) lock.Locker

// IndexFactory builds the full-text index for one mailbox. Index ids
// are unique only within a mailbox, so each mailbox gets its own engine
// instance (or namespace).
type IndexFactory func(mailboxID int) index.Engine

// FatalFunc is invoked when a store commit fails after the redo intent
// was durably logged. The default implementation logs and exits the
// process; tests substitute a recording handler.
type FatalFunc func(err error)

// options holds engine configuration.
type options struct {
	store    store.Store
	engine   index.Engine
	engines  IndexFactory
	blobs    blob.Store
	redo     redolog.Log
	locks    LockFactory
	logger   *slog.Logger
	extract  *content.Registry
	resolver AccountResolver

	// Index batching
	maxBatchItems     int
	maxBatchBytes     int
	failureBatchItems int
	indexAttemptDelay time.Duration
	indexFailureDelay time.Duration

	// Item cache sizing
	itemCacheActive  int
	itemCachePassive int

	// Worker pools
	completionWorkers int64
	reindexWorkers    int64
	synchronousPools  bool

	// Trash retention
	trashRetention time.Duration

	// Shutdown
	shutdownTimeout time.Duration

	// Fatal commit handling
	fatal FatalFunc

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventTransport        transport.Transport     // Event transport (optional, uses noop if nil)
	redisClient           redis.UniversalClient   // Redis client for event transport (optional, uses noop if nil)
	onEventPublishFailure EventPublishFailureFunc // Callback for event publish failures (always set)
}

// EventPublishFailureFunc is called when an event fails to publish.
// The eventName is the name of the event (e.g., "ChangeCommitted"), and err is the publish error.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
// If the callback panics, the panic is logged and suppressed to prevent cascading failures.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger: slog.Default(),
		// Index batching defaults
		maxBatchItems:     DefaultMaxBatchItems,
		maxBatchBytes:     DefaultMaxBatchBytes,
		failureBatchItems: DefaultFailureBatchItems,
		indexAttemptDelay: DefaultIndexAttemptDelay,
		indexFailureDelay: DefaultIndexFailureDelay,
		// Item cache defaults
		itemCacheActive:  DefaultItemCacheActive,
		itemCachePassive: DefaultItemCachePassive,
		// Worker pool defaults
		completionWorkers: DefaultCompletionWorkers,
		reindexWorkers:    DefaultReindexWorkers,
		// Trash retention default
		trashRetention: DefaultTrashRetention,
		// Shutdown defaults
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	// Failure-mode chunks must never exceed the regular chunk size.
	if o.failureBatchItems > o.maxBatchItems {
		o.failureBatchItems = o.maxBatchItems
	}

	// A passive cache larger than the active one would grow on listener
	// detach; clamp it.
	if o.itemCachePassive > o.itemCacheActive {
		o.itemCachePassive = o.itemCacheActive
	}

	if o.locks == nil {
		o.locks = func(int) lock.Locker { return lock.NewLocal() }
	}
	if o.engines == nil && o.engine != nil {
		// A single shared engine only works when index ids never collide,
		// i.e. single-mailbox deployments and tests.
		shared := o.engine
		o.engines = func(int) index.Engine { return shared }
	}
	if o.redo == nil {
		o.redo = redolog.NopLog{}
	}
	if o.extract == nil {
		o.extract = content.DefaultRegistry()
	}

	// Ensure event failure callback is always set
	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}

	return o
}

// Option configures the engine.
type Option func(*options)

// --- Core Options ---

// WithStore sets the item storage backend (required).
func WithStore(s store.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithIndexEngine sets a single full-text index engine shared by every
// mailbox. Suitable for single-mailbox deployments and tests; multi-
// tenant deployments use WithIndexFactory. One of the two is required.
func WithIndexEngine(e index.Engine) Option {
	return func(o *options) {
		if e != nil {
			o.engine = e
		}
	}
}

// WithIndexFactory sets the per-mailbox index engine factory.
func WithIndexFactory(f IndexFactory) Option {
	return func(o *options) {
		if f != nil {
			o.engines = f
		}
	}
}

// WithBlobStore sets the content-addressed blob store for message bodies.
// When not provided, operations that stage message content fail with
// ErrBlobStoreNotConfigured.
func WithBlobStore(b blob.Store) Option {
	return func(o *options) {
		if b != nil {
			o.blobs = b
		}
	}
}

// WithContentRegistry sets the registry used to turn message bodies into
// indexable text. Defaults to content.DefaultRegistry.
func WithContentRegistry(r *content.Registry) Option {
	return func(o *options) {
		if r != nil {
			o.extract = r
		}
	}
}

// WithAccountResolver sets the directory used to map delivery addresses
// to accounts. Required for Manager.Deliver.
func WithAccountResolver(r AccountResolver) Option {
	return func(o *options) {
		if r != nil {
			o.resolver = r
		}
	}
}

// WithRedoLog sets the write-ahead redo log. When not provided, a no-op
// log is used: transactions run without crash-recovery records.
func WithRedoLog(l redolog.Log) Option {
	return func(o *options) {
		if l != nil {
			o.redo = l
		}
	}
}

// WithLockFactory sets the factory for per-mailbox transaction locks.
// Default builds in-process locks; use a redis-backed factory when more
// than one node serves the same mailboxes.
func WithLockFactory(f LockFactory) Option {
	return func(o *options) {
		if f != nil {
			o.locks = f
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFatalHandler sets the handler invoked when a store commit fails
// after the redo intent was logged. The default logs the error and exits
// the process, forcing recovery by redo playback.
func WithFatalHandler(fn FatalFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.fatal = fn
		}
	}
}

// --- Index Batching Options ---

// WithMaxBatchItems sets the maximum number of items per indexing chunk.
// Default is 2000.
func WithMaxBatchItems(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBatchItems = n
		}
	}
}

// WithMaxBatchBytes sets the maximum payload size per indexing chunk.
// Default is 10 MB.
func WithMaxBatchBytes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBatchBytes = n
		}
	}
}

// WithFailureBatchItems sets the reduced chunk size used after an
// indexing failure, until any attempt succeeds again.
// Default is 5.
func WithFailureBatchItems(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.failureBatchItems = n
		}
	}
}

// WithIndexAttemptDelay sets the minimum delay between catch-up passes
// for one mailbox. Default is 10 seconds.
func WithIndexAttemptDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.indexAttemptDelay = d
		}
	}
}

// WithIndexFailureDelay sets the minimum delay before retrying after a
// failed catch-up pass. Default is 30 seconds.
func WithIndexFailureDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.indexFailureDelay = d
		}
	}
}

// --- Cache Options ---

// WithItemCacheSizes sets the item LRU trim targets for mailboxes with
// and without registered listeners. Defaults are 500 and 30.
func WithItemCacheSizes(active, passive int) Option {
	return func(o *options) {
		if active > 0 {
			o.itemCacheActive = active
		}
		if passive > 0 {
			o.itemCachePassive = passive
		}
	}
}

// --- Worker Pool Options ---

// WithCompletionWorkers sets the number of concurrent index completion
// callbacks. Default is 4.
func WithCompletionWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.completionWorkers = int64(n)
		}
	}
}

// WithReindexWorkers sets the number of concurrent background re-index
// jobs across all mailboxes. Default is 2.
func WithReindexWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.reindexWorkers = int64(n)
		}
	}
}

// WithSynchronousPools runs completion callbacks and re-index jobs
// inline on the calling goroutine instead of on worker pools. Useful
// in tests where deterministic ordering matters.
func WithSynchronousPools() Option {
	return func(o *options) {
		o.synchronousPools = true
	}
}

// WithTrashRetention sets how long items remain in Trash before
// PurgeTrash removes them. Default is 30 days.
func WithTrashRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.trashRetention = d
		}
	}
}

// WithShutdownTimeout sets the maximum time to wait for in-flight
// completion callbacks during graceful shutdown. Re-index jobs are not
// awaited; they observe cancellation and stop between chunks.
// Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// When enabled, spans are created for transactions, searches and
// re-index jobs. Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
// This is a convenience function equivalent to calling
// WithTracing(true) and WithMetrics(true).
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name for OpenTelemetry telemetry.
// Default is "mailstore".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Event Options ---

// WithEventTransport sets the event transport for publishing and subscribing.
// When provided, committed-change events are published via the given
// transport. If not provided, a noop transport is used (events are
// silently dropped).
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient sets a Redis client for the event transport.
// When provided, events are published to Redis Streams for reliable delivery.
// If not provided, a noop transport is used (events are silently dropped).
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing failures.
// Use this for custom logging, metrics, or alerting on event failures.
//
// By default, failures are logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}
