package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/rbaliyan/mailstore/store"
)

// Compile-time check
var _ store.Conn = (*conn)(nil)

// conn maps store.Conn onto one database transaction.
type conn struct {
	store     *Store
	tx        *sqlx.Tx
	mailboxID int
	done      bool
}

func (c *conn) checkDone() error {
	if c.done {
		return store.ErrTxDone
	}
	return nil
}

// Commit commits the underlying database transaction.
func (c *conn) Commit(_ context.Context) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	c.done = true
	if err := c.tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrTransactionFailed, err)
	}
	return nil
}

// Rollback rolls back the underlying database transaction.
func (c *conn) Rollback(_ context.Context) error {
	if c.done {
		return nil
	}
	c.done = true
	if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

const mailboxColumns = `id, account_id, last_item_id, last_change_id, size,
	contact_count, recent_count, index_deferred_count,
	highest_indexed_mod_content, highest_indexed_item_id`

// mailboxRow is the scan shape of the mailboxes table.
type mailboxRow struct {
	ID                       int    `db:"id"`
	AccountID                string `db:"account_id"`
	LastItemID               int    `db:"last_item_id"`
	LastChangeID             int    `db:"last_change_id"`
	Size                     int64  `db:"size"`
	ContactCount             int    `db:"contact_count"`
	RecentCount              int    `db:"recent_count"`
	IndexDeferredCount       int    `db:"index_deferred_count"`
	HighestIndexedModContent int    `db:"highest_indexed_mod_content"`
	HighestIndexedItemID     int    `db:"highest_indexed_item_id"`
}

func (r *mailboxRow) toData() *store.MailboxData {
	return &store.MailboxData{
		ID:                       r.ID,
		AccountID:                r.AccountID,
		LastItemID:               r.LastItemID,
		LastChangeID:             r.LastChangeID,
		Size:                     r.Size,
		ContactCount:             r.ContactCount,
		RecentCount:              r.RecentCount,
		IndexDeferredCount:       r.IndexDeferredCount,
		HighestIndexedModContent: r.HighestIndexedModContent,
		HighestIndexedItemID:     r.HighestIndexedItemID,
	}
}

func scanMailbox(row *sqlx.Row) (*store.MailboxData, error) {
	var r mailboxRow
	if err := row.StructScan(&r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("scan mailbox: %w", err)
	}
	return r.toData(), nil
}

const itemColumns = `mailbox_id, id, type, folder_id, parent_id, index_id,
	size, unread, flags, tags, name, subject, blob_digest, metadata, date,
	mod_metadata, mod_content`

// itemRow is the scan shape of the items table.
type itemRow struct {
	MailboxID   int            `db:"mailbox_id"`
	ID          int            `db:"id"`
	Type        int            `db:"type"`
	FolderID    int            `db:"folder_id"`
	ParentID    int            `db:"parent_id"`
	IndexID     int            `db:"index_id"`
	Size        int64          `db:"size"`
	Unread      int            `db:"unread"`
	Flags       int            `db:"flags"`
	Tags        pq.StringArray `db:"tags"`
	Name        string         `db:"name"`
	Subject     string         `db:"subject"`
	BlobDigest  string         `db:"blob_digest"`
	Metadata    []byte         `db:"metadata"`
	Date        time.Time      `db:"date"`
	ModMetadata int            `db:"mod_metadata"`
	ModContent  int            `db:"mod_content"`
}

func (r *itemRow) toData() (*store.ItemData, error) {
	data := &store.ItemData{
		MailboxID:   r.MailboxID,
		ID:          r.ID,
		Type:        store.ItemType(r.Type),
		FolderID:    r.FolderID,
		ParentID:    r.ParentID,
		IndexID:     r.IndexID,
		Size:        r.Size,
		Unread:      r.Unread,
		Flags:       r.Flags,
		Tags:        []string(r.Tags),
		Name:        r.Name,
		Subject:     r.Subject,
		BlobDigest:  r.BlobDigest,
		Date:        r.Date,
		ModMetadata: r.ModMetadata,
		ModContent:  r.ModContent,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &data.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return data, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func (c *conn) selectItems(ctx context.Context, query string, args ...any) ([]*store.ItemData, error) {
	rows, err := c.tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []*store.ItemData
	for rows.Next() {
		var r itemRow
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		data, err := r.toData()
		if err != nil {
			return nil, err
		}
		items = append(items, data)
	}
	return items, rows.Err()
}

func (c *conn) GetItem(ctx context.Context, itemID int) (*store.ItemData, error) {
	if err := c.checkDone(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE mailbox_id = $1 AND id = $2`,
		itemColumns, c.store.items)
	var r itemRow
	if err := c.tx.QueryRowxContext(ctx, query, c.mailboxID, itemID).StructScan(&r); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return r.toData()
}

func (c *conn) GetItems(ctx context.Context, itemIDs []int) ([]*store.ItemData, error) {
	if err := c.checkDone(); err != nil {
		return nil, err
	}
	if len(itemIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE mailbox_id = $1 AND id = ANY($2) ORDER BY id`,
		itemColumns, c.store.items)
	return c.selectItems(ctx, query, c.mailboxID, pq.Array(itemIDs))
}

func (c *conn) ItemsByType(ctx context.Context, types ...store.ItemType) ([]*store.ItemData, error) {
	if err := c.checkDone(); err != nil {
		return nil, err
	}
	if len(types) == 0 {
		query := fmt.Sprintf(`SELECT %s FROM %s WHERE mailbox_id = $1 ORDER BY id`,
			itemColumns, c.store.items)
		return c.selectItems(ctx, query, c.mailboxID)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE mailbox_id = $1 AND type = ANY($2) ORDER BY id`,
		itemColumns, c.store.items)
	return c.selectItems(ctx, query, c.mailboxID, pq.Array(typeInts(types)))
}

func (c *conn) ItemsByFolder(ctx context.Context, folderID int) ([]*store.ItemData, error) {
	if err := c.checkDone(); err != nil {
		return nil, err
	}
	// A folder row carries its own id as folder_id; exclude it so the
	// listing holds only the folder's contents.
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE mailbox_id = $1 AND folder_id = $2 AND id <> $2 ORDER BY id`,
		itemColumns, c.store.items)
	return c.selectItems(ctx, query, c.mailboxID, folderID)
}

func (c *conn) CreateItem(ctx context.Context, item *store.ItemData) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	if item.ID <= 0 {
		return store.ErrInvalidID
	}
	metadata, err := marshalMetadata(item.Metadata)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (mailbox_id, id, type, folder_id, parent_id, index_id,
			size, unread, flags, tags, name, subject, blob_digest, metadata,
			date, mod_metadata, mod_content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, c.store.items)
	_, err = c.tx.ExecContext(ctx, query,
		c.mailboxID, item.ID, int(item.Type), item.FolderID, item.ParentID, item.IndexID,
		item.Size, item.Unread, item.Flags, pq.Array(item.Tags), item.Name, item.Subject,
		item.BlobDigest, metadata, item.Date, item.ModMetadata, item.ModContent,
	)
	if err != nil {
		if isUniqueViolation(err) {
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
	metadata, err := marshalMetadata(item.Metadata)
	if err != nil {
		return err
	}
	// The mod_metadata guard rejects writes based on a stale read.
	query := fmt.Sprintf(`
		UPDATE %s
		SET type = $3, folder_id = $4, parent_id = $5, index_id = $6,
			size = $7, unread = $8, flags = $9, tags = $10, name = $11,
			subject = $12, blob_digest = $13, metadata = $14, date = $15,
			mod_metadata = $16, mod_content = $17
		WHERE mailbox_id = $1 AND id = $2 AND mod_metadata <= $16
	`, c.store.items)
	result, err := c.tx.ExecContext(ctx, query,
		c.mailboxID, item.ID, int(item.Type), item.FolderID, item.ParentID, item.IndexID,
		item.Size, item.Unread, item.Flags, pq.Array(item.Tags), item.Name, item.Subject,
		item.BlobDigest, metadata, item.Date, item.ModMetadata, item.ModContent,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		var exists bool
		check := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE mailbox_id = $1 AND id = $2)`, c.store.items)
		if err := c.tx.QueryRowContext(ctx, check, c.mailboxID, item.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check item: %w", err)
		}
		if !exists {
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
	query := fmt.Sprintf(`DELETE FROM %s WHERE mailbox_id = $1 AND id = ANY($2)`, c.store.items)
	if _, err := c.tx.ExecContext(ctx, query, c.mailboxID, pq.Array(itemIDs)); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	return nil
}

func (c *conn) ModifiedSince(ctx context.Context, cutoff int, types ...store.ItemType) ([]*store.ItemData, error) {
	if err := c.checkDone(); err != nil {
		return nil, err
	}
	if len(types) == 0 {
		query := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE mailbox_id = $1 AND index_id <> 0 AND mod_content >= $2
			ORDER BY mod_content, id
		`, itemColumns, c.store.items)
		return c.selectItems(ctx, query, c.mailboxID, cutoff)
	}
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE mailbox_id = $1 AND index_id <> 0 AND mod_content >= $2 AND type = ANY($3)
		ORDER BY mod_content, id
	`, itemColumns, c.store.items)
	return c.selectItems(ctx, query, c.mailboxID, cutoff, pq.Array(typeInts(types)))
}

func (c *conn) CountModifiedSince(ctx context.Context, cutoff int) (int, error) {
	if err := c.checkDone(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		WHERE mailbox_id = $1 AND index_id <> 0 AND mod_content >= $2
	`, c.store.items)
	var count int
	if err := c.tx.QueryRowContext(ctx, query, c.mailboxID, cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("count modified: %w", err)
	}
	return count, nil
}

func (c *conn) UpdateMailbox(ctx context.Context, data *store.MailboxData) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET last_item_id = $2, last_change_id = $3, size = $4,
			contact_count = $5, recent_count = $6, index_deferred_count = $7,
			highest_indexed_mod_content = $8, highest_indexed_item_id = $9
		WHERE id = $1
	`, c.store.mailboxes)
	result, err := c.tx.ExecContext(ctx, query,
		c.mailboxID, data.LastItemID, data.LastChangeID, data.Size,
		data.ContactCount, data.RecentCount, data.IndexDeferredCount,
		data.HighestIndexedModContent, data.HighestIndexedItemID,
	)
	if err != nil {
		return fmt.Errorf("update mailbox: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c *conn) GetConfig(ctx context.Context, section string) ([]byte, int, error) {
	if err := c.checkDone(); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT value, change_id FROM %s WHERE mailbox_id = $1 AND section = $2`, c.store.config)
	var value []byte
	var changeID int
	if err := c.tx.QueryRowContext(ctx, query, c.mailboxID, section).Scan(&value, &changeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, store.ErrNotFound
		}
		return nil, 0, fmt.Errorf("get config: %w", err)
	}
	return value, changeID, nil
}

func (c *conn) SetConfig(ctx context.Context, section string, value []byte, changeID int) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	if section == "" {
		return store.ErrInvalidID
	}
	if value == nil {
		query := fmt.Sprintf(`DELETE FROM %s WHERE mailbox_id = $1 AND section = $2`, c.store.config)
		if _, err := c.tx.ExecContext(ctx, query, c.mailboxID, section); err != nil {
			return fmt.Errorf("delete config: %w", err)
		}
		return nil
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (mailbox_id, section, value, change_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (mailbox_id, section)
		DO UPDATE SET value = EXCLUDED.value, change_id = EXCLUDED.change_id
	`, c.store.config)
	if _, err := c.tx.ExecContext(ctx, query, c.mailboxID, section, value, changeID); err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}

func typeInts(types []store.ItemType) []int {
	ints := make([]int, len(types))
	for i, t := range types {
		ints[i] = int(t)
	}
	return ints
}
