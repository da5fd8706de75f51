package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rbaliyan/mailstore/blob"
)

func TestStageCommitOpen(t *testing.T) {
	s := New()
	ctx := context.Background()

	staged, err := s.Stage(ctx, strings.NewReader("message body bytes"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if staged.Size != int64(len("message body bytes")) {
		t.Errorf("staged size = %d", staged.Size)
	}
	if staged.Digest == "" {
		t.Error("staged digest empty")
	}

	ref, err := s.Commit(ctx, staged, 1, 42)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ref.Digest != staged.Digest || ref.Size != staged.Size {
		t.Errorf("ref (%s, %d) != staged (%s, %d)", ref.Digest, ref.Size, staged.Digest, staged.Size)
	}
	if s.StagedCount() != 0 {
		t.Errorf("%d blobs remain staged after commit", s.StagedCount())
	}

	r, err := s.Open(ctx, ref)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	content, _ := io.ReadAll(r)
	if string(content) != "message body bytes" {
		t.Errorf("got %q", content)
	}

	// Commit of an already-committed staging handle fails.
	if _, err := s.Commit(ctx, staged, 1, 42); !errors.Is(err, blob.ErrNotStaged) {
		t.Errorf("double Commit: got %v, want ErrNotStaged", err)
	}
}

func TestDiscard(t *testing.T) {
	s := New()
	ctx := context.Background()

	staged, err := s.Stage(ctx, strings.NewReader("doomed"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if err := s.Discard(ctx, staged); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if s.StagedCount() != 0 {
		t.Errorf("%d blobs remain staged after discard", s.StagedCount())
	}
	if _, err := s.Commit(ctx, staged, 1, 1); !errors.Is(err, blob.ErrNotStaged) {
		t.Errorf("Commit after Discard: got %v, want ErrNotStaged", err)
	}
}

func TestDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	staged, _ := s.Stage(ctx, strings.NewReader("short lived"))
	ref, _ := s.Commit(ctx, staged, 2, 7)

	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Open(ctx, ref); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Open after Delete: got %v, want ErrNotFound", err)
	}
}

func TestDigestVerification(t *testing.T) {
	content := []byte("verify me")
	digest, size, err := blob.Sum(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Sum: %v", err)
	}
	if err := blob.Verify(bytes.NewReader(content), digest, size); err != nil {
		t.Errorf("Verify on matching content: %v", err)
	}
	err = blob.Verify(bytes.NewReader([]byte("tampered")), digest, size)
	if !errors.Is(err, blob.ErrDigestMismatch) {
		t.Errorf("Verify on tampered content: got %v, want ErrDigestMismatch", err)
	}
}
