// Package memory provides an in-memory Store implementation for testing
// and embedded single-node use. Data is not persisted across restarts.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/mailstore/store"
)

// Store implements store.Store with in-memory storage.
// Safe for concurrent use across mailboxes. Not suitable for production.
type Store struct {
	connected int32

	mu            sync.RWMutex
	nextMailboxID int
	mailboxes     map[int]*store.MailboxData
	byAccount     map[string]int
	items         map[int]map[int]*store.ItemData // mailbox id -> item id -> row
	config        map[int]map[string]configRow    // mailbox id -> section -> row

	// BeforeCommit, when set, runs at the start of every Conn.Commit and
	// aborts the commit if it returns an error. Used by tests to inject
	// commit failures at exact points.
	BeforeCommit func(mailboxID int) error
}

type configRow struct {
	value    []byte
	changeID int
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		nextMailboxID: 1,
		mailboxes:     make(map[int]*store.MailboxData),
		byAccount:     make(map[string]int),
		items:         make(map[int]map[int]*store.ItemData),
		config:        make(map[int]map[string]configRow),
	}
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) isConnected() bool {
	return atomic.LoadInt32(&s.connected) == 1
}

// CreateMailbox allocates a new mailbox row for the given account.
func (s *Store) CreateMailbox(_ context.Context, accountID string) (*store.MailboxData, error) {
	if !s.isConnected() {
		return nil, store.ErrNotConnected
	}
	if accountID == "" {
		return nil, store.ErrInvalidID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAccount[accountID]; ok {
		return nil, store.ErrMailboxExists
	}

	id := s.nextMailboxID
	s.nextMailboxID++

	data := &store.MailboxData{ID: id, AccountID: accountID}
	s.mailboxes[id] = data
	s.byAccount[accountID] = id
	s.items[id] = make(map[int]*store.ItemData)
	s.config[id] = make(map[string]configRow)
	return data.Clone(), nil
}

// GetMailbox loads the mailbox row.
func (s *Store) GetMailbox(_ context.Context, mailboxID int) (*store.MailboxData, error) {
	if !s.isConnected() {
		return nil, store.ErrNotConnected
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.mailboxes[mailboxID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return data.Clone(), nil
}

// GetMailboxByAccount loads the mailbox row for an account.
func (s *Store) GetMailboxByAccount(_ context.Context, accountID string) (*store.MailboxData, error) {
	if !s.isConnected() {
		return nil, store.ErrNotConnected
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byAccount[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.mailboxes[id].Clone(), nil
}

// DeleteMailbox removes the mailbox row and all of its items.
func (s *Store) DeleteMailbox(_ context.Context, mailboxID int) error {
	if !s.isConnected() {
		return store.ErrNotConnected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.mailboxes[mailboxID]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.byAccount, data.AccountID)
	delete(s.mailboxes, mailboxID)
	delete(s.items, mailboxID)
	delete(s.config, mailboxID)
	return nil
}

// ListMailboxIDs returns the ids of every mailbox in the store.
func (s *Store) ListMailboxIDs(_ context.Context) ([]int, error) {
	if !s.isConnected() {
		return nil, store.ErrNotConnected
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int, 0, len(s.mailboxes))
	for id := range s.mailboxes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// Begin opens a transactional connection scoped to one mailbox.
func (s *Store) Begin(_ context.Context, mailboxID int) (store.Conn, error) {
	if !s.isConnected() {
		return nil, store.ErrNotConnected
	}

	s.mu.RLock()
	_, ok := s.mailboxes[mailboxID]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}

	return &conn{
		store:      s,
		mailboxID:  mailboxID,
		puts:       make(map[int]*store.ItemData),
		deletes:    make(map[int]bool),
		configPuts: make(map[string]*configRow),
	}, nil
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)
