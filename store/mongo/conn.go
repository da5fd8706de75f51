package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rbaliyan/mailstore/store"
)

// Compile-time check
var _ store.Conn = (*conn)(nil)

// conn maps store.Conn onto one driver session transaction.
type conn struct {
	store     *Store
	session   *mongo.Session
	mailboxID int
	done      bool
}

func (c *conn) checkDone() error {
	if c.done {
		return store.ErrTxDone
	}
	return nil
}

// sctx binds ctx to this connection's session so reads observe the
// transaction's own writes.
func (c *conn) sctx(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, c.session)
}

// Commit commits the session transaction.
func (c *conn) Commit(ctx context.Context) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	c.done = true
	defer c.session.EndSession(ctx)
	if err := c.session.CommitTransaction(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrTransactionFailed, err)
	}
	return nil
}

// Rollback aborts the session transaction.
func (c *conn) Rollback(ctx context.Context) error {
	if c.done {
		return nil
	}
	c.done = true
	defer c.session.EndSession(ctx)
	if err := c.session.AbortTransaction(ctx); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// mailboxDoc is the document shape of the mailboxes collection.
type mailboxDoc struct {
	ID                       int    `bson:"_id"`
	AccountID                string `bson:"account_id"`
	LastItemID               int    `bson:"last_item_id"`
	LastChangeID             int    `bson:"last_change_id"`
	Size                     int64  `bson:"size"`
	ContactCount             int    `bson:"contact_count"`
	RecentCount              int    `bson:"recent_count"`
	IndexDeferredCount       int    `bson:"index_deferred_count"`
	HighestIndexedModContent int    `bson:"highest_indexed_mod_content"`
	HighestIndexedItemID     int    `bson:"highest_indexed_item_id"`
}

func (d *mailboxDoc) toData() *store.MailboxData {
	return &store.MailboxData{
		ID:                       d.ID,
		AccountID:                d.AccountID,
		LastItemID:               d.LastItemID,
		LastChangeID:             d.LastChangeID,
		Size:                     d.Size,
		ContactCount:             d.ContactCount,
		RecentCount:              d.RecentCount,
		IndexDeferredCount:       d.IndexDeferredCount,
		HighestIndexedModContent: d.HighestIndexedModContent,
		HighestIndexedItemID:     d.HighestIndexedItemID,
	}
}

// itemDoc is the document shape of the items collection. The driver's
// _id stays implicit; identity is the unique (mailbox_id, id) index.
type itemDoc struct {
	MailboxID   int            `bson:"mailbox_id"`
	ID          int            `bson:"id"`
	Type        int            `bson:"type"`
	FolderID    int            `bson:"folder_id"`
	ParentID    int            `bson:"parent_id"`
	IndexID     int            `bson:"index_id"`
	Size        int64          `bson:"size"`
	Unread      int            `bson:"unread"`
	Flags       int            `bson:"flags"`
	Tags        []string       `bson:"tags,omitempty"`
	Name        string         `bson:"name,omitempty"`
	Subject     string         `bson:"subject,omitempty"`
	BlobDigest  string         `bson:"blob_digest,omitempty"`
	Metadata    map[string]any `bson:"metadata,omitempty"`
	Date        time.Time      `bson:"date"`
	ModMetadata int            `bson:"mod_metadata"`
	ModContent  int            `bson:"mod_content"`
}

func itemFromData(mailboxID int, item *store.ItemData) *itemDoc {
	return &itemDoc{
		MailboxID:   mailboxID,
		ID:          item.ID,
		Type:        int(item.Type),
		FolderID:    item.FolderID,
		ParentID:    item.ParentID,
		IndexID:     item.IndexID,
		Size:        item.Size,
		Unread:      item.Unread,
		Flags:       item.Flags,
		Tags:        item.Tags,
		Name:        item.Name,
		Subject:     item.Subject,
		BlobDigest:  item.BlobDigest,
		Metadata:    item.Metadata,
		Date:        item.Date,
		ModMetadata: item.ModMetadata,
		ModContent:  item.ModContent,
	}
}

func (d *itemDoc) toData() *store.ItemData {
	return &store.ItemData{
		MailboxID:   d.MailboxID,
		ID:          d.ID,
		Type:        store.ItemType(d.Type),
		FolderID:    d.FolderID,
		ParentID:    d.ParentID,
		IndexID:     d.IndexID,
		Size:        d.Size,
		Unread:      d.Unread,
		Flags:       d.Flags,
		Tags:        d.Tags,
		Name:        d.Name,
		Subject:     d.Subject,
		BlobDigest:  d.BlobDigest,
		Metadata:    d.Metadata,
		Date:        d.Date,
		ModMetadata: d.ModMetadata,
		ModContent:  d.ModContent,
	}
}

func (c *conn) findItems(ctx context.Context, filter bson.M, sort bson.D) ([]*store.ItemData, error) {
	cursor, err := c.store.items.Find(c.sctx(ctx), filter, mongoopts.Find().SetSort(sort))
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer cursor.Close(ctx)

	var items []*store.ItemData
	for cursor.Next(ctx) {
		var doc itemDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		items = append(items, doc.toData())
	}
	return items, cursor.Err()
}

var sortByID = bson.D{bson.E{Key: "id", Value: 1}}

func (c *conn) GetItem(ctx context.Context, itemID int) (*store.ItemData, error) {
	if err := c.checkDone(); err != nil {
		return nil, err
	}
	var doc itemDoc
	err := c.store.items.FindOne(c.sctx(ctx),
		bson.M{"mailbox_id": c.mailboxID, "id": itemID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return doc.toData(), nil
}

func (c *conn) GetItems(ctx context.Context, itemIDs []int) ([]*store.ItemData, error) {
	if err := c.checkDone(); err != nil {
		return nil, err
	}
	if len(itemIDs) == 0 {
		return nil, nil
	}
	filter := bson.M{"mailbox_id": c.mailboxID, "id": bson.M{"$in": itemIDs}}
	return c.findItems(ctx, filter, sortByID)
}

func (c *conn) ItemsByType(ctx context.Context, types ...store.ItemType) ([]*store.ItemData, error) {
	if err := c.checkDone(); err != nil {
		return nil, err
	}
	filter := bson.M{"mailbox_id": c.mailboxID}
	if len(types) > 0 {
		ints := make([]int, len(types))
		for i, t := range types {
			ints[i] = int(t)
		}
		filter["type"] = bson.M{"$in": ints}
	}
	return c.findItems(ctx, filter, sortByID)
}

func (c *conn) ItemsByFolder(ctx context.Context, folderID int) ([]*store.ItemData, error) {
	if err := c.checkDone(); err != nil {
		return nil, err
	}
	// A folder document carries its own id as folder_id; exclude it so
	// the listing holds only the folder's contents.
	filter := bson.M{
		"mailbox_id": c.mailboxID,
		"folder_id":  folderID,
		"id":         bson.M{"$ne": folderID},
	}
	return c.findItems(ctx, filter, sortByID)
}

func (c *conn) CreateItem(ctx context.Context, item *store.ItemData) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	if item.ID <= 0 {
		return store.ErrInvalidID
	}
	if _, err := c.store.items.InsertOne(c.sctx(ctx), itemFromData(c.mailboxID, item)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrDuplicateEntry
		}
		return fmt.Errorf("create item: %w", err)
	}
	return nil
}

func (c *conn) UpdateItem(ctx context.Context, item *store.ItemData) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	// The mod_metadata guard rejects writes based on a stale read.
	filter := bson.M{
		"mailbox_id":   c.mailboxID,
		"id":           item.ID,
		"mod_metadata": bson.M{"$lte": item.ModMetadata},
	}
	result, err := c.store.items.ReplaceOne(c.sctx(ctx), filter, itemFromData(c.mailboxID, item))
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if result.MatchedCount == 0 {
		count, err := c.store.items.CountDocuments(c.sctx(ctx),
			bson.M{"mailbox_id": c.mailboxID, "id": item.ID})
		if err != nil {
			return fmt.Errorf("check item: %w", err)
		}
		if count == 0 {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}

func (c *conn) DeleteItems(ctx context.Context, itemIDs []int) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	if len(itemIDs) == 0 {
		return nil
	}
	filter := bson.M{"mailbox_id": c.mailboxID, "id": bson.M{"$in": itemIDs}}
	if _, err := c.store.items.DeleteMany(c.sctx(ctx), filter); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	return nil
}

func (c *conn) modifiedFilter(cutoff int) bson.M {
	return bson.M{
		"mailbox_id":  c.mailboxID,
		"index_id":    bson.M{"$ne": 0},
		"mod_content": bson.M{"$gte": cutoff},
	}
}

func (c *conn) ModifiedSince(ctx context.Context, cutoff int, types ...store.ItemType) ([]*store.ItemData, error) {
	if err := c.checkDone(); err != nil {
		return nil, err
	}
	filter := c.modifiedFilter(cutoff)
	if len(types) > 0 {
		ints := make([]int, len(types))
		for i, t := range types {
			ints[i] = int(t)
		}
		filter["type"] = bson.M{"$in": ints}
	}
	sort := bson.D{
		bson.E{Key: "mod_content", Value: 1},
		bson.E{Key: "id", Value: 1},
	}
	return c.findItems(ctx, filter, sort)
}

func (c *conn) CountModifiedSince(ctx context.Context, cutoff int) (int, error) {
	if err := c.checkDone(); err != nil {
		return 0, err
	}
	count, err := c.store.items.CountDocuments(c.sctx(ctx), c.modifiedFilter(cutoff))
	if err != nil {
		return 0, fmt.Errorf("count modified: %w", err)
	}
	return int(count), nil
}

func (c *conn) UpdateMailbox(ctx context.Context, data *store.MailboxData) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	update := bson.M{"$set": bson.M{
		"last_item_id":                data.LastItemID,
		"last_change_id":              data.LastChangeID,
		"size":                        data.Size,
		"contact_count":               data.ContactCount,
		"recent_count":                data.RecentCount,
		"index_deferred_count":        data.IndexDeferredCount,
		"highest_indexed_mod_content": data.HighestIndexedModContent,
		"highest_indexed_item_id":     data.HighestIndexedItemID,
	}}
	result, err := c.store.mailboxes.UpdateOne(c.sctx(ctx), bson.M{"_id": c.mailboxID}, update)
	if err != nil {
		return fmt.Errorf("update mailbox: %w", err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *conn) GetConfig(ctx context.Context, section string) ([]byte, int, error) {
	if err := c.checkDone(); err != nil {
		return nil, 0, err
	}
	var doc struct {
		Value    []byte `bson:"value"`
		ChangeID int    `bson:"change_id"`
	}
	err := c.store.config.FindOne(c.sctx(ctx),
		bson.M{"mailbox_id": c.mailboxID, "section": section}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, 0, store.ErrNotFound
		}
		return nil, 0, fmt.Errorf("get config: %w", err)
	}
	return doc.Value, doc.ChangeID, nil
}

func (c *conn) SetConfig(ctx context.Context, section string, value []byte, changeID int) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	if section == "" {
		return store.ErrInvalidID
	}
	filter := bson.M{"mailbox_id": c.mailboxID, "section": section}
	if value == nil {
		if _, err := c.store.config.DeleteOne(c.sctx(ctx), filter); err != nil {
			return fmt.Errorf("delete config: %w", err)
		}
		return nil
	}
	update := bson.M{"$set": bson.M{"value": value, "change_id": changeID}}
	_, err := c.store.config.UpdateOne(c.sctx(ctx), filter, update, mongoopts.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}
