// Package postgres provides a PostgreSQL implementation of store.Store.
//
// Layout is three tables sharing a configurable prefix: one row per
// mailbox, one row per item keyed (mailbox_id, id), and one row per
// per-mailbox config section. Transactional connections map directly to
// database transactions, so Commit atomicity comes from PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/rbaliyan/mailstore/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger

	mailboxes string
	items     string
	config    string
}

// New creates a new PostgreSQL store with the provided database
// connection. Call Connect to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:        db,
		opts:      o,
		logger:    o.logger,
		mailboxes: o.prefix + "mailboxes",
		items:     o.prefix + "items",
		config:    o.prefix + "config",
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB
// connection.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect pings the database and initializes the schema.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected. The caller owns the database
// connection and is responsible for closing it.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// ensureSchema creates the required tables and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	tables := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id SERIAL PRIMARY KEY,
				account_id VARCHAR(255) NOT NULL UNIQUE,
				last_item_id INTEGER NOT NULL DEFAULT 0,
				last_change_id INTEGER NOT NULL DEFAULT 0,
				size BIGINT NOT NULL DEFAULT 0,
				contact_count INTEGER NOT NULL DEFAULT 0,
				recent_count INTEGER NOT NULL DEFAULT 0,
				index_deferred_count INTEGER NOT NULL DEFAULT 0,
				highest_indexed_mod_content INTEGER NOT NULL DEFAULT 0,
				highest_indexed_item_id INTEGER NOT NULL DEFAULT 0
			)
		`, s.mailboxes),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				mailbox_id INTEGER NOT NULL,
				id INTEGER NOT NULL,
				type SMALLINT NOT NULL,
				folder_id INTEGER NOT NULL DEFAULT 0,
				parent_id INTEGER NOT NULL DEFAULT 0,
				index_id INTEGER NOT NULL DEFAULT 0,
				size BIGINT NOT NULL DEFAULT 0,
				unread INTEGER NOT NULL DEFAULT 0,
				flags INTEGER NOT NULL DEFAULT 0,
				tags TEXT[] NOT NULL DEFAULT '{}',
				name TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				blob_digest TEXT NOT NULL DEFAULT '',
				metadata JSONB,
				date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				mod_metadata INTEGER NOT NULL DEFAULT 0,
				mod_content INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (mailbox_id, id)
			)
		`, s.items),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				mailbox_id INTEGER NOT NULL,
				section VARCHAR(255) NOT NULL,
				value BYTEA NOT NULL,
				change_id INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (mailbox_id, section)
			)
		`, s.config),
	}

	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		// The deferred-indexing feed scans by (mod_content, id).
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%sitems_mod_content ON %s(mailbox_id, mod_content, id) WHERE index_id <> 0`, s.opts.prefix, s.items),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%sitems_folder ON %s(mailbox_id, folder_id)`, s.opts.prefix, s.items),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%sitems_type ON %s(mailbox_id, type)`, s.opts.prefix, s.items),
	}

	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}

	return nil
}

// CreateMailbox allocates a new mailbox row for the given account.
func (s *Store) CreateMailbox(ctx context.Context, accountID string) (*store.MailboxData, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if accountID == "" {
		return nil, store.ErrInvalidID
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s (account_id) VALUES ($1) RETURNING id`, s.mailboxes)
	var id int
	if err := s.db.QueryRowContext(ctx, query, accountID).Scan(&id); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrMailboxExists
		}
		return nil, fmt.Errorf("create mailbox: %w", err)
	}
	return &store.MailboxData{ID: id, AccountID: accountID}, nil
}

// GetMailbox loads the mailbox row.
func (s *Store) GetMailbox(ctx context.Context, mailboxID int) (*store.MailboxData, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	return scanMailbox(s.db.QueryRowxContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, mailboxColumns, s.mailboxes), mailboxID))
}

// GetMailboxByAccount loads the mailbox row for an account.
func (s *Store) GetMailboxByAccount(ctx context.Context, accountID string) (*store.MailboxData, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	return scanMailbox(s.db.QueryRowxContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE account_id = $1`, mailboxColumns, s.mailboxes), accountID))
}

// DeleteMailbox removes the mailbox row and every item row that belongs
// to it, atomically.
func (s *Store) DeleteMailbox(ctx context.Context, mailboxID int) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.mailboxes), mailboxID)
	if err != nil {
		return fmt.Errorf("delete mailbox: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE mailbox_id = $1`, s.items), mailboxID); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE mailbox_id = $1`, s.config), mailboxID); err != nil {
		return fmt.Errorf("delete config: %w", err)
	}
	return tx.Commit()
}

// ListMailboxIDs returns the ids of every mailbox in the store.
func (s *Store) ListMailboxIDs(ctx context.Context) ([]int, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var ids []int
	if err := s.db.SelectContext(ctx, &ids,
		fmt.Sprintf(`SELECT id FROM %s ORDER BY id`, s.mailboxes)); err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	return ids, nil
}

// Begin opens a transactional connection scoped to one mailbox.
func (s *Store) Begin(ctx context.Context, mailboxID int) (store.Conn, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	if _, err := s.GetMailbox(ctx, mailboxID); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &conn{store: s, tx: tx, mailboxID: mailboxID}, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique
// constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
