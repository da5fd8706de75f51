package mailstore

// Snapshots are taken once, at the outermost transaction boundary, so
// listeners can hold on to the notified entities without observing later
// in-place mutation.

// snapshotItem returns a detached deep copy of an item.
func snapshotItem(it *Item) *Item {
	return &Item{data: *it.data.Clone(), detached: true}
}

// snapshotTag returns a detached deep copy of a tag.
func snapshotTag(t *Tag) *Tag {
	return &Tag{Item: Item{data: *t.data.Clone(), detached: true}}
}

// snapshotFolderTree deep-copies the entire folder tree. A lone folder
// copy would dangle through its parent/child pointers, so the whole
// connected graph is copied in one pass into a fresh id-indexed map and
// the links are rebuilt between the copies only.
func snapshotFolderTree(c *folderCache) map[int]*Folder {
	out := make(map[int]*Folder, len(c.byID))
	for id, f := range c.byID {
		out[id] = &Folder{Item: Item{data: *f.data.Clone(), detached: true}}
	}
	for id, f := range c.byID {
		cp := out[id]
		if f.parent != nil {
			cp.parent = out[f.parent.data.ID]
		}
		for _, ch := range f.children {
			cp.children = append(cp.children, out[ch.data.ID])
		}
	}
	return out
}
