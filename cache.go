package mailstore

import (
	"container/list"
	"sort"
	"strings"

	"github.com/rbaliyan/mailstore/store"
)

// itemCache is a bounded LRU over non-structural items. It is a pure
// accelerator: entries may be evicted at any time and every miss falls
// through to the store, so dropping an entry is always safe.
type itemCache struct {
	ll   *list.List // front = most recently used
	byID map[int]*list.Element
}

func newItemCache() *itemCache {
	return &itemCache{
		ll:   list.New(),
		byID: make(map[int]*list.Element),
	}
}

func (c *itemCache) get(id int) (*Item, bool) {
	el, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*Item), true
}

func (c *itemCache) put(it *Item) {
	if el, ok := c.byID[it.ID()]; ok {
		el.Value = it
		c.ll.MoveToFront(el)
		return
	}
	c.byID[it.ID()] = c.ll.PushFront(it)
}

func (c *itemCache) remove(id int) {
	if el, ok := c.byID[id]; ok {
		c.ll.Remove(el)
		delete(c.byID, id)
	}
}

// trim evicts least-recently-used entries until at most target remain.
func (c *itemCache) trim(target int) {
	for c.ll.Len() > target {
		el := c.ll.Back()
		delete(c.byID, el.Value.(*Item).ID())
		c.ll.Remove(el)
	}
}

func (c *itemCache) len() int { return c.ll.Len() }

// folderCache holds the complete folder tree for one mailbox. Unlike the
// item cache it is authoritative once warmed: a miss means the folder
// does not exist. It is dropped wholesale on rollback and rebuilt on the
// next transaction.
type folderCache struct {
	byID map[int]*Folder
}

// newFolderCache builds the cache from folder rows and links the tree in
// a single pass over a fresh id-indexed map.
func newFolderCache(rows []*store.ItemData) *folderCache {
	c := &folderCache{byID: make(map[int]*Folder, len(rows))}
	for _, row := range rows {
		c.byID[row.ID] = &Folder{Item: Item{data: *row}}
	}
	c.relink()
	return c
}

// relink rebuilds all parent/child pointers from ParentID fields.
func (c *folderCache) relink() {
	for _, f := range c.byID {
		f.parent = nil
		f.children = f.children[:0]
	}
	for _, f := range c.byID {
		if f.data.ID == FolderIDRoot {
			continue
		}
		if p, ok := c.byID[f.data.ParentID]; ok {
			f.parent = p
			p.children = append(p.children, f)
		}
	}
	for _, f := range c.byID {
		sort.Slice(f.children, func(i, j int) bool {
			return f.children[i].data.Name < f.children[j].data.Name
		})
	}
}

func (c *folderCache) get(id int) (*Folder, bool) {
	f, ok := c.byID[id]
	return f, ok
}

// getByName finds a direct child of parentID by case-insensitive name.
func (c *folderCache) getByName(parentID int, name string) (*Folder, bool) {
	p, ok := c.byID[parentID]
	if !ok {
		return nil, false
	}
	for _, ch := range p.children {
		if strings.EqualFold(ch.data.Name, name) {
			return ch, true
		}
	}
	return nil, false
}

func (c *folderCache) put(f *Folder) {
	c.byID[f.data.ID] = f
	c.relink()
}

func (c *folderCache) remove(id int) {
	delete(c.byID, id)
	c.relink()
}

func (c *folderCache) all() []*Folder {
	out := make([]*Folder, 0, len(c.byID))
	for _, f := range c.byID {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].data.ID < out[j].data.ID })
	return out
}

// tagCache holds all tags for one mailbox, addressed by id and by
// case-insensitive name. Authoritative once warmed, like the folder cache.
type tagCache struct {
	byID   map[int]*Tag
	byName map[string]*Tag
}

func newTagCache(rows []*store.ItemData) *tagCache {
	c := &tagCache{
		byID:   make(map[int]*Tag, len(rows)),
		byName: make(map[string]*Tag, len(rows)),
	}
	for _, row := range rows {
		t := &Tag{Item: Item{data: *row}}
		c.byID[t.data.ID] = t
		c.byName[strings.ToLower(t.data.Name)] = t
	}
	return c
}

func (c *tagCache) get(id int) (*Tag, bool) {
	t, ok := c.byID[id]
	return t, ok
}

func (c *tagCache) getByName(name string) (*Tag, bool) {
	t, ok := c.byName[strings.ToLower(name)]
	return t, ok
}

func (c *tagCache) put(t *Tag) {
	if old, ok := c.byID[t.data.ID]; ok {
		delete(c.byName, strings.ToLower(old.data.Name))
	}
	c.byID[t.data.ID] = t
	c.byName[strings.ToLower(t.data.Name)] = t
}

func (c *tagCache) remove(id int) {
	if t, ok := c.byID[id]; ok {
		delete(c.byName, strings.ToLower(t.data.Name))
		delete(c.byID, id)
	}
}

func (c *tagCache) all() []*Tag {
	out := make([]*Tag, 0, len(c.byID))
	for _, t := range c.byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].data.ID < out[j].data.ID })
	return out
}
