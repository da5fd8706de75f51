package mailstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestStreamFolder(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	var want []int
	for i := 0; i < 7; i++ {
		it := addMessage(t, m, &AddMessageOptions{
			Subject: fmt.Sprintf("stream %d", i),
		})
		want = append(want, it.ID())
	}

	iter, err := m.StreamFolder(ctx, nil, FolderIDInbox, StreamOptions{BatchSize: 3})
	if err != nil {
		t.Fatalf("StreamFolder: %v", err)
	}

	var got []int
	for {
		ok, err := iter.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		item, err := iter.Item()
		if err != nil {
			t.Fatalf("Item: %v", err)
		}
		got = append(got, item.ID())
	}
	if len(got) != len(want) {
		t.Fatalf("streamed %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("streamed ids = %v, want %v in id order", got, want)
		}
	}

	// Exhausted iterators stay exhausted.
	if ok, err := iter.Next(ctx); ok || err != nil {
		t.Errorf("Next after exhaustion = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestStreamFolderItemBeforeNext(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	addMessage(t, m, &AddMessageOptions{Subject: "premature"})

	iter, err := m.StreamFolder(ctx, nil, FolderIDInbox, StreamOptions{})
	if err != nil {
		t.Fatalf("StreamFolder: %v", err)
	}
	if _, err := iter.Item(); !errors.Is(err, ErrIteratorOutOfBounds) {
		t.Errorf("Item before Next error = %v, want ErrIteratorOutOfBounds", err)
	}
}

func TestStreamFolderSkipsItemsDeletedMidIteration(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	var ids []int
	for i := 0; i < 4; i++ {
		it := addMessage(t, m, &AddMessageOptions{
			Subject: fmt.Sprintf("fleeting %d", i),
		})
		ids = append(ids, it.ID())
	}

	// Batch size 2: consume the first batch, delete an item from the
	// second before it is hydrated.
	iter, err := m.StreamFolder(ctx, nil, FolderIDInbox, StreamOptions{BatchSize: 2})
	if err != nil {
		t.Fatalf("StreamFolder: %v", err)
	}
	var got []int
	for i := 0; i < 2; i++ {
		if ok, err := iter.Next(ctx); !ok || err != nil {
			t.Fatalf("Next %d = (%v, %v)", i, ok, err)
		}
		item, err := iter.Item()
		if err != nil {
			t.Fatalf("Item: %v", err)
		}
		got = append(got, item.ID())
	}

	if err := m.DeleteItems(ctx, nil, ids[2]); err != nil {
		t.Fatalf("DeleteItems: %v", err)
	}

	for {
		ok, err := iter.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		item, err := iter.Item()
		if err != nil {
			t.Fatalf("Item: %v", err)
		}
		got = append(got, item.ID())
	}
	want := []int{ids[0], ids[1], ids[3]}
	if len(got) != len(want) {
		t.Fatalf("streamed ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("streamed ids = %v, want %v", got, want)
		}
	}
}

func TestStreamFolderUnknownFolder(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")

	if _, err := m.StreamFolder(context.Background(), nil, 9999, StreamOptions{}); !IsNotFound(err) {
		t.Errorf("unknown folder error = %v, want not-found", err)
	}
}
