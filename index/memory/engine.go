// Package memory provides an in-memory inverted-index implementation of
// index.Engine for testing and embedded single-node use.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/rbaliyan/mailstore/index"
)

// Engine is an in-memory inverted index. Safe for concurrent use.
//
// When a Completion is attached, it is invoked on the caller's goroutine at
// the end of every Add, which keeps tests deterministic; the coordinator
// contract allows arbitrary delay, so synchronous is just the simplest
// legal schedule.
type Engine struct {
	mu    sync.RWMutex
	terms map[string]map[int]bool  // field:term -> index id set
	docs  map[int][]index.Document // index id -> stored documents
	items map[int]int              // index id -> item id

	completion index.Completion

	// FailAdd, when set, makes Add fail for batches containing any listed
	// item id. Used by tests to simulate engine outages and poison writes.
	FailAdd func(entries []index.ItemEntry) error
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{
		terms: make(map[string]map[int]bool),
		docs:  make(map[int][]index.Document),
		items: make(map[int]int),
	}
}

// SetCompletion attaches the write-confirmation callback.
func (e *Engine) SetCompletion(c index.Completion) {
	e.mu.Lock()
	e.completion = c
	e.mu.Unlock()
}

// Add writes the entries' documents and confirms the batch through the
// attached Completion.
func (e *Engine) Add(ctx context.Context, entries []index.ItemEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if fail := e.FailAdd; fail != nil {
		if err := fail(entries); err != nil {
			e.confirm(entries, false)
			return err
		}
	}

	e.mu.Lock()
	for _, entry := range entries {
		if entry.DeleteFirst {
			e.removeLocked(entry.IndexID)
		}
		e.items[entry.IndexID] = entry.ItemID
		e.docs[entry.IndexID] = append(e.docs[entry.IndexID], entry.Documents...)
		for _, doc := range entry.Documents {
			for field, text := range doc.Fields {
				for _, term := range tokenize(text) {
					key := field + ":" + term
					set := e.terms[key]
					if set == nil {
						set = make(map[int]bool)
						e.terms[key] = set
					}
					set[entry.IndexID] = true
				}
			}
		}
	}
	e.mu.Unlock()

	e.confirm(entries, true)
	return nil
}

// confirm reports the batch outcome: the number of tracked entries and
// the newest token among them. Untracked entries (partial re-index
// re-feeds) are invisible to the bookkeeping.
func (e *Engine) confirm(entries []index.ItemEntry, succeeded bool) {
	e.mu.RLock()
	completion := e.completion
	e.mu.RUnlock()
	if completion == nil {
		return
	}
	var tracked int
	var newest index.SyncToken
	for _, entry := range entries {
		if entry.ModContent == index.NoChange {
			continue
		}
		tracked++
		if token := entry.Token(); token.After(newest) {
			newest = token
		}
	}
	completion.IndexingCompleted(tracked, newest, succeeded)
}

// Delete removes all documents for the given index ids.
func (e *Engine) Delete(_ context.Context, indexIDs []int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range indexIDs {
		e.removeLocked(id)
	}
	return nil
}

// DeleteAll drops the entire index.
func (e *Engine) DeleteAll(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terms = make(map[string]map[int]bool)
	e.docs = make(map[int][]index.Document)
	e.items = make(map[int]int)
	return nil
}

func (e *Engine) removeLocked(indexID int) {
	delete(e.docs, indexID)
	delete(e.items, indexID)
	for key, set := range e.terms {
		delete(set, indexID)
		if len(set) == 0 {
			delete(e.terms, key)
		}
	}
}

// Search returns items matching every term in the query, ordered by item
// id for determinism.
func (e *Engine) Search(_ context.Context, q index.Query) ([]index.Hit, error) {
	terms := tokenize(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var matched map[int]bool
	for _, term := range terms {
		set := e.lookupLocked(q.Field, term)
		if matched == nil {
			matched = set
			continue
		}
		next := make(map[int]bool)
		for id := range matched {
			if set[id] {
				next[id] = true
			}
		}
		matched = next
	}

	hits := make([]index.Hit, 0, len(matched))
	for indexID := range matched {
		hits = append(hits, index.Hit{
			ItemID:  e.items[indexID],
			IndexID: indexID,
			Score:   1,
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ItemID < hits[j].ItemID })
	if q.Limit > 0 && len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

// lookupLocked resolves one term, across all fields when field is empty.
func (e *Engine) lookupLocked(field, term string) map[int]bool {
	if field != "" {
		return e.terms[field+":"+term]
	}
	merged := make(map[int]bool)
	suffix := ":" + term
	for key, set := range e.terms {
		if strings.HasSuffix(key, suffix) {
			for id := range set {
				merged[id] = true
			}
		}
	}
	return merged
}

// Size returns the number of indexed items.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.docs)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// Compile-time check that Engine implements index.Engine.
var _ index.Engine = (*Engine)(nil)
