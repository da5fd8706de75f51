// Package memory provides an in-memory blob.Store for testing and
// embedded single-node use.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/rbaliyan/mailstore/blob"
)

// Store implements blob.Store with in-memory byte slices.
// Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	staged    map[string][]byte // staging path -> content
	committed map[string][]byte // permanent path -> content
}

// New creates an empty store.
func New() *Store {
	return &Store{
		staged:    make(map[string][]byte),
		committed: make(map[string][]byte),
	}
}

// Stage buffers content and computes its digest.
func (s *Store) Stage(_ context.Context, content io.Reader) (*blob.Staged, error) {
	var buf bytes.Buffer
	w := blob.NewDigestWriter()
	if _, err := io.Copy(io.MultiWriter(&buf, w), content); err != nil {
		return nil, err
	}

	path := "stage/" + uuid.New().String()
	s.mu.Lock()
	s.staged[path] = buf.Bytes()
	s.mu.Unlock()

	return &blob.Staged{Digest: w.Digest(), Size: w.Size(), Path: path}, nil
}

// Commit moves staged content to its permanent path.
func (s *Store) Commit(_ context.Context, staged *blob.Staged, mailboxID, itemID int) (*blob.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, ok := s.staged[staged.Path]
	if !ok {
		return nil, blob.ErrNotStaged
	}
	path := fmt.Sprintf("blobs/%d/%d-%s", mailboxID, itemID, staged.Digest)
	s.committed[path] = content
	delete(s.staged, staged.Path)

	return &blob.Ref{Digest: staged.Digest, Size: staged.Size, Path: path}, nil
}

// Open returns a reader over committed content, verifying size and digest.
func (s *Store) Open(_ context.Context, ref *blob.Ref) (io.ReadCloser, error) {
	s.mu.RLock()
	content, ok := s.committed[ref.Path]
	s.mu.RUnlock()
	if !ok {
		return nil, blob.ErrNotFound
	}
	if err := blob.Verify(bytes.NewReader(content), ref.Digest, ref.Size); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

// Delete removes committed content.
func (s *Store) Delete(_ context.Context, ref *blob.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.committed[ref.Path]; !ok {
		return blob.ErrNotFound
	}
	delete(s.committed, ref.Path)
	return nil
}

// Discard removes staged content.
func (s *Store) Discard(_ context.Context, staged *blob.Staged) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staged, staged.Path)
	return nil
}

// StagedCount returns the number of uncommitted staged blobs.
func (s *Store) StagedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.staged)
}

// Compile-time check that Store implements blob.Store.
var _ blob.Store = (*Store)(nil)
