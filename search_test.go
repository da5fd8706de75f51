package mailstore

import (
	"context"
	"strings"
	"testing"

	"github.com/rbaliyan/mailstore/index"
)

func TestParseQuery(t *testing.T) {
	tests := []struct {
		in    string
		field string
		text  string
	}{
		{"report thursday", "", "report thursday"},
		{"subject:report thursday", index.FieldSubject, "report thursday"},
		{"body:budget", index.FieldBody, "budget"},
		{"name:attachment.pdf", index.FieldName, "attachment.pdf"},
		{"from:alice", index.FieldFrom, "alice"},
		{"FROM:alice", index.FieldFrom, "alice"},
		{"subject: report", index.FieldSubject, "report"},
		{"deadline:friday report", "", "deadline:friday report"},
		{"subject:foo body:bar", index.FieldBody, "foo bar"},
		{"", "", ""},
		{"   ", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			q := ParseQuery(tt.in)
			if q.Field != tt.field || q.Text != tt.text {
				t.Errorf("ParseQuery(%q) = {Field:%q Text:%q}, want {Field:%q Text:%q}",
					tt.in, q.Field, q.Text, tt.field, tt.text)
			}
		})
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	report := addMessage(t, m, &AddMessageOptions{
		Subject:  "quarterly report",
		Content:  strings.NewReader("budget figures attached"),
		Metadata: map[string]any{metaSender: "carol@example.com"},
	})
	lunch := addMessage(t, m, &AddMessageOptions{
		Subject:  "lunch plans",
		Content:  strings.NewReader("quarterly budget review over noodles"),
		Metadata: map[string]any{metaSender: "dave@example.com"},
	})

	wantIDs := func(t *testing.T, got []*Item, want ...int) {
		t.Helper()
		if len(got) != len(want) {
			t.Fatalf("got %d hits, want %d", len(got), len(want))
		}
		for i, it := range got {
			if it.ID() != want[i] {
				t.Fatalf("hit %d = item %d, want %d", i, it.ID(), want[i])
			}
		}
	}
	search := func(t *testing.T, query string, limit int) []*Item {
		t.Helper()
		hits, err := m.SearchText(ctx, nil, query, limit)
		if err != nil {
			t.Fatalf("SearchText(%q): %v", query, err)
		}
		return hits
	}

	t.Run("bare terms match every field", func(t *testing.T) {
		wantIDs(t, search(t, "quarterly", 0), report.ID(), lunch.ID())
	})
	t.Run("terms are conjunctive", func(t *testing.T) {
		wantIDs(t, search(t, "quarterly noodles", 0), lunch.ID())
		wantIDs(t, search(t, "quarterly parsnips", 0))
	})
	t.Run("subject qualifier", func(t *testing.T) {
		wantIDs(t, search(t, "subject:quarterly", 0), report.ID())
	})
	t.Run("body qualifier", func(t *testing.T) {
		wantIDs(t, search(t, "body:attached", 0), report.ID())
	})
	t.Run("from qualifier matches the sender address", func(t *testing.T) {
		wantIDs(t, search(t, "from:dave", 0), lunch.ID())
		wantIDs(t, search(t, "from:example", 0), report.ID(), lunch.ID())
	})
	t.Run("limit truncates", func(t *testing.T) {
		wantIDs(t, search(t, "quarterly", 1), report.ID())
	})
	t.Run("empty query matches nothing", func(t *testing.T) {
		wantIDs(t, search(t, "", 0))
	})
}

func TestSearchDropsVanishedHits(t *testing.T) {
	env := newTestEnv(t)
	m := env.newTestMailbox(t, "alice")
	ctx := context.Background()

	kept := addMessage(t, m, &AddMessageOptions{Subject: "ghost story one"})
	doomed := addMessage(t, m, &AddMessageOptions{Subject: "ghost story two"})

	// Remove the row behind the mailbox's back so the index still holds
	// the hit. The fetch must skip it rather than fail the search.
	conn, err := env.store.Begin(ctx, m.ID())
	if err != nil {
		t.Fatalf("store.Begin: %v", err)
	}
	if err := conn.DeleteItems(ctx, []int{doomed.ID()}); err != nil {
		t.Fatalf("DeleteItems: %v", err)
	}
	if err := conn.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	hits, err := m.SearchText(ctx, nil, "ghost", 0)
	if err != nil {
		t.Fatalf("SearchText: %v", err)
	}
	if len(hits) != 1 || hits[0].ID() != kept.ID() {
		t.Fatalf("got %d hits, want only item %d", len(hits), kept.ID())
	}
}
