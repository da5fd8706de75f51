// Package mongo provides a MongoDB implementation of store.Store.
//
// Layout is four collections: mailboxes, items, config, and a counters
// collection backing mailbox id allocation. Transactional connections
// use driver sessions, so the deployment must be a replica set (or a
// sharded cluster) for Commit to be atomic.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rbaliyan/mailstore/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	mailboxes *mongo.Collection
	items     *mongo.Collection
	config    *mongo.Collection
	counters  *mongo.Collection
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new MongoDB store with the provided client.
// Call Connect to initialize the collections and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect pings the deployment and initializes collections and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.client == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.db = s.client.Database(s.opts.database)
	s.mailboxes = s.db.Collection("mailboxes")
	s.items = s.db.Collection("items")
	s.config = s.db.Collection("config")
	s.counters = s.db.Collection("counters")

	if err := s.ensureIndexes(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure indexes: %w", err)
	}

	s.logger.Info("connected to MongoDB", "database", s.opts.database)
	return nil
}

// Close marks the store as disconnected. The caller owns the client and
// is responsible for disconnecting it.
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

// ensureIndexes creates required indexes.
func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.mailboxes.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{bson.E{Key: "account_id", Value: 1}},
		Options: mongoopts.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("mailboxes index: %w", err)
	}

	itemIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				bson.E{Key: "mailbox_id", Value: 1},
				bson.E{Key: "id", Value: 1},
			},
			Options: mongoopts.Index().SetUnique(true),
		},
		// The deferred-indexing feed scans by (mod_content, id).
		{Keys: bson.D{
			bson.E{Key: "mailbox_id", Value: 1},
			bson.E{Key: "mod_content", Value: 1},
			bson.E{Key: "id", Value: 1},
		}},
		{Keys: bson.D{
			bson.E{Key: "mailbox_id", Value: 1},
			bson.E{Key: "folder_id", Value: 1},
		}},
		{Keys: bson.D{
			bson.E{Key: "mailbox_id", Value: 1},
			bson.E{Key: "type", Value: 1},
		}},
	}
	if _, err := s.items.Indexes().CreateMany(ctx, itemIndexes); err != nil {
		return fmt.Errorf("items indexes: %w", err)
	}

	if _, err := s.config.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			bson.E{Key: "mailbox_id", Value: 1},
			bson.E{Key: "section", Value: 1},
		},
		Options: mongoopts.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("config index: %w", err)
	}

	return nil
}

// nextMailboxID allocates the next mailbox id from the counters
// collection.
func (s *Store) nextMailboxID(ctx context.Context) (int, error) {
	var doc struct {
		Seq int `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "mailbox_id"},
		bson.M{"$inc": bson.M{"seq": 1}},
		mongoopts.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(mongoopts.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("allocate mailbox id: %w", err)
	}
	return doc.Seq, nil
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

	id, err := s.nextMailboxID(ctx)
	if err != nil {
		return nil, err
	}

	doc := mailboxDoc{ID: id, AccountID: accountID}
	if _, err := s.mailboxes.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrMailboxExists
		}
		return nil, fmt.Errorf("create mailbox: %w", err)
	}
	return doc.toData(), nil
}

// GetMailbox loads the mailbox row.
func (s *Store) GetMailbox(ctx context.Context, mailboxID int) (*store.MailboxData, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	return s.findMailbox(ctx, bson.M{"_id": mailboxID})
}

// GetMailboxByAccount loads the mailbox row for an account.
func (s *Store) GetMailboxByAccount(ctx context.Context, accountID string) (*store.MailboxData, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	return s.findMailbox(ctx, bson.M{"account_id": accountID})
}

func (s *Store) findMailbox(ctx context.Context, filter bson.M) (*store.MailboxData, error) {
	var doc mailboxDoc
	if err := s.mailboxes.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get mailbox: %w", err)
	}
	return doc.toData(), nil
}

// DeleteMailbox removes the mailbox row and every item row that belongs
// to it.
func (s *Store) DeleteMailbox(ctx context.Context, mailboxID int) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	result, err := s.mailboxes.DeleteOne(ctx, bson.M{"_id": mailboxID})
	if err != nil {
		return fmt.Errorf("delete mailbox: %w", err)
	}
	if result.DeletedCount == 0 {
		return store.ErrNotFound
	}
	if _, err := s.items.DeleteMany(ctx, bson.M{"mailbox_id": mailboxID}); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	if _, err := s.config.DeleteMany(ctx, bson.M{"mailbox_id": mailboxID}); err != nil {
		return fmt.Errorf("delete config: %w", err)
	}
	return nil
}

// ListMailboxIDs returns the ids of every mailbox in the store.
func (s *Store) ListMailboxIDs(ctx context.Context) ([]int, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	cursor, err := s.mailboxes.Find(ctx, bson.M{},
		mongoopts.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []int
	for cursor.Next(ctx) {
		var doc struct {
			ID int `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode mailbox id: %w", err)
		}
		ids = append(ids, doc.ID)
	}
	return ids, cursor.Err()
}

// Begin opens a transactional connection scoped to one mailbox.
func (s *Store) Begin(ctx context.Context, mailboxID int) (store.Conn, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	if _, err := s.GetMailbox(ctx, mailboxID); err != nil {
		return nil, err
	}

	session, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, fmt.Errorf("start transaction: %w", err)
	}
	return &conn{store: s, session: session, mailboxID: mailboxID}, nil
}
