package mailstore

import (
	"bytes"
	"context"
	"sort"
	"testing"
)

func TestMailboxConfig(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	if _, err := m.GetConfig(ctx, nil, "imap"); !IsNotFound(err) {
		t.Fatalf("GetConfig before set = %v, want not-found", err)
	}

	want := []byte(`{"subscribed":["Inbox","Sent"]}`)
	if err := m.SetConfig(ctx, nil, "imap", want); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	got, err := m.GetConfig(ctx, nil, "imap")
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("GetConfig = %q, want %q", got, want)
	}

	// Sections are independent.
	if err := m.SetConfig(ctx, nil, "filters", []byte("x")); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if got, err := m.GetConfig(ctx, nil, "imap"); err != nil || !bytes.Equal(got, want) {
		t.Errorf("GetConfig(imap) = (%q, %v) after writing another section", got, err)
	}

	// Overwrite, then delete with a nil value.
	want = []byte(`{"subscribed":[]}`)
	if err := m.SetConfig(ctx, nil, "imap", want); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if got, _ := m.GetConfig(ctx, nil, "imap"); !bytes.Equal(got, want) {
		t.Errorf("GetConfig after overwrite = %q, want %q", got, want)
	}
	if err := m.SetConfig(ctx, nil, "imap", nil); err != nil {
		t.Fatalf("SetConfig(nil): %v", err)
	}
	if _, err := m.GetConfig(ctx, nil, "imap"); !IsNotFound(err) {
		t.Errorf("GetConfig after delete = %v, want not-found", err)
	}
}

func TestListTags(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	names := []string{"urgent", "receipts", "travel"}
	for _, name := range names {
		if _, err := m.CreateTag(ctx, nil, name); err != nil {
			t.Fatalf("CreateTag(%q): %v", name, err)
		}
	}

	tags, err := m.ListTags(ctx, nil)
	if err != nil {
		t.Fatalf("ListTags: %v", err)
	}
	if len(tags) != len(names) {
		t.Fatalf("got %d tags, want %d", len(tags), len(names))
	}
	if !sort.SliceIsSorted(tags, func(i, j int) bool { return tags[i].ID() < tags[j].ID() }) {
		t.Error("tags not sorted by id")
	}
	for i, tag := range tags {
		if tag.Name() != names[i] {
			t.Errorf("tag %d = %q, want %q", i, tag.Name(), names[i])
		}
		if !tag.Detached() {
			t.Errorf("tag %q snapshot not detached", tag.Name())
		}
	}
}

func TestListItemsByFolder(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	first := addMessage(t, m, &AddMessageOptions{Subject: "one"})
	second := addMessage(t, m, &AddMessageOptions{Subject: "two"})
	// A subfolder of Inbox is structural and must not be listed as content.
	if _, err := m.CreateFolder(ctx, nil, FolderIDInbox, "Sub"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}

	items, err := m.ListItemsByFolder(ctx, nil, FolderIDInbox)
	if err != nil {
		t.Fatalf("ListItemsByFolder: %v", err)
	}
	got := make(map[int]bool, len(items))
	for _, it := range items {
		got[it.ID()] = true
	}
	if len(items) != 2 || !got[first.ID()] || !got[second.ID()] {
		t.Fatalf("listed %d items %v, want exactly the two messages", len(items), got)
	}

	if _, err := m.ListItemsByFolder(ctx, nil, 9999); !IsNotFound(err) {
		t.Errorf("unknown folder error = %v, want not-found", err)
	}
}
