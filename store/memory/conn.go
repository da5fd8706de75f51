package memory

import (
	"context"
	"sort"

	"github.com/rbaliyan/mailstore/store"
)

// conn buffers one transaction's writes and applies them to the shared maps
// atomically at Commit. Reads overlay the buffered writes on the committed
// state so the transaction observes its own work.
type conn struct {
	store     *Store
	mailboxID int
	done      bool

	puts    map[int]*store.ItemData
	deletes map[int]bool

	mailbox *store.MailboxData // pending mailbox row rewrite, nil if untouched

	configPuts map[string]*configRow // nil value deletes the section
}

func (c *conn) checkDone() error {
	if c.done {
		return store.ErrTxDone
	}
	return nil
}

// Commit applies every buffered write under the store's write lock.
func (c *conn) Commit(_ context.Context) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	c.done = true

	if hook := c.store.BeforeCommit; hook != nil {
		if err := hook(c.mailboxID); err != nil {
			return err
		}
	}

	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	table, ok := c.store.items[c.mailboxID]
	if !ok {
		return store.ErrNotFound
	}
	for id := range c.deletes {
		delete(table, id)
	}
	for id, row := range c.puts {
		table[id] = row
	}
	if c.mailbox != nil {
		c.mailbox.ID = c.mailboxID
		c.store.mailboxes[c.mailboxID] = c.mailbox
	}
	if len(c.configPuts) > 0 {
		sections := c.store.config[c.mailboxID]
		for name, row := range c.configPuts {
			if row == nil {
				delete(sections, name)
			} else {
				sections[name] = *row
			}
		}
	}
	return nil
}

// Rollback discards every buffered write.
func (c *conn) Rollback(_ context.Context) error {
	if c.done {
		return nil
	}
	c.done = true
	c.puts = nil
	c.deletes = nil
	c.mailbox = nil
	c.configPuts = nil
	return nil
}

// lookup resolves one item against the overlay, then the committed state.
// Returns a clone; callers own the result.
func (c *conn) lookup(itemID int) (*store.ItemData, bool) {
	if c.deletes[itemID] {
		return nil, false
	}
	if row, ok := c.puts[itemID]; ok {
		return row.Clone(), true
	}

	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	row, ok := c.store.items[c.mailboxID][itemID]
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

// visit calls fn for every visible item row (committed state overlaid with
// this connection's writes). Rows passed to fn are clones.
func (c *conn) visit(fn func(*store.ItemData)) {
	seen := make(map[int]bool, len(c.puts))
	for id, row := range c.puts {
		seen[id] = true
		fn(row.Clone())
	}

	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	for id, row := range c.store.items[c.mailboxID] {
		if seen[id] || c.deletes[id] {
			continue
		}
		fn(row.Clone())
	}
}

func (c *conn) GetItem(_ context.Context, itemID int) (*store.ItemData, error) {
	if err := c.checkDone(); err != nil {
		return nil, err
	}
	row, ok := c.lookup(itemID)
	if !ok {
		return nil, store.ErrNotFound
	}
	return row, nil
}

func (c *conn) GetItems(_ context.Context, itemIDs []int) ([]*store.ItemData, error) {
	if err := c.checkDone(); err != nil {
		return nil, err
	}
	rows := make([]*store.ItemData, 0, len(itemIDs))
	for _, id := range itemIDs {
		if row, ok := c.lookup(id); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (c *conn) ItemsByType(_ context.Context, types ...store.ItemType) ([]*store.ItemData, error) {
	if err := c.checkDone(); err != nil {
		return nil, err
	}
	match := typeSet(types)
	var rows []*store.ItemData
	c.visit(func(row *store.ItemData) {
		if match == nil || match[row.Type] {
			rows = append(rows, row)
		}
	})
	sortByID(rows)
	return rows, nil
}

func (c *conn) ItemsByFolder(_ context.Context, folderID int) ([]*store.ItemData, error) {
	if err := c.checkDone(); err != nil {
		return nil, err
	}
	var rows []*store.ItemData
	c.visit(func(row *store.ItemData) {
		if row.FolderID == folderID && row.ID != folderID {
			rows = append(rows, row)
		}
	})
	sortByID(rows)
	return rows, nil
}

func (c *conn) CreateItem(_ context.Context, item *store.ItemData) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	if item.ID <= 0 {
		return store.ErrInvalidID
	}
	if _, ok := c.lookup(item.ID); ok {
		return store.ErrDuplicateEntry
	}
	row := item.Clone()
	row.MailboxID = c.mailboxID
	delete(c.deletes, item.ID)
	c.puts[item.ID] = row
	return nil
}

func (c *conn) UpdateItem(_ context.Context, item *store.ItemData) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	existing, ok := c.lookup(item.ID)
	if !ok {
		return store.ErrNotFound
	}
	if existing.ModMetadata > item.ModMetadata {
		return store.ErrConflict
	}
	row := item.Clone()
	row.MailboxID = c.mailboxID
	c.puts[item.ID] = row
	return nil
}

func (c *conn) DeleteItems(_ context.Context, itemIDs []int) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	for _, id := range itemIDs {
		delete(c.puts, id)
		c.deletes[id] = true
	}
	return nil
}

func (c *conn) ModifiedSince(_ context.Context, cutoff int, types ...store.ItemType) ([]*store.ItemData, error) {
	if err := c.checkDone(); err != nil {
		return nil, err
	}
	match := typeSet(types)
	var rows []*store.ItemData
	c.visit(func(row *store.ItemData) {
		if row.IndexID == 0 || row.ModContent < cutoff {
			return
		}
		if match != nil && !match[row.Type] {
			return
		}
		rows = append(rows, row)
	})
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ModContent != rows[j].ModContent {
			return rows[i].ModContent < rows[j].ModContent
		}
		return rows[i].ID < rows[j].ID
	})
	return rows, nil
}

func (c *conn) CountModifiedSince(ctx context.Context, cutoff int) (int, error) {
	rows, err := c.ModifiedSince(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func (c *conn) UpdateMailbox(_ context.Context, data *store.MailboxData) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	c.mailbox = data.Clone()
	return nil
}

func (c *conn) GetConfig(_ context.Context, section string) ([]byte, int, error) {
	if err := c.checkDone(); err != nil {
		return nil, 0, err
	}
	if row, ok := c.configPuts[section]; ok {
		if row == nil {
			return nil, 0, store.ErrNotFound
		}
		return append([]byte(nil), row.value...), row.changeID, nil
	}

	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	row, ok := c.store.config[c.mailboxID][section]
	if !ok {
		return nil, 0, store.ErrNotFound
	}
	return append([]byte(nil), row.value...), row.changeID, nil
}

func (c *conn) SetConfig(_ context.Context, section string, value []byte, changeID int) error {
	if err := c.checkDone(); err != nil {
		return err
	}
	if section == "" {
		return store.ErrInvalidID
	}
	if value == nil {
		c.configPuts[section] = nil
		return nil
	}
	c.configPuts[section] = &configRow{
		value:    append([]byte(nil), value...),
		changeID: changeID,
	}
	return nil
}

func typeSet(types []store.ItemType) map[store.ItemType]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[store.ItemType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

func sortByID(rows []*store.ItemData) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
}

// Compile-time check that conn implements store.Conn.
var _ store.Conn = (*conn)(nil)
