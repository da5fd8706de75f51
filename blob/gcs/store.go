// Package gcs provides a Google Cloud Storage-backed blob store.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/rbaliyan/mailstore/blob"
)

// Store implements blob.Store on a GCS bucket. Staged blobs live under
// <prefix>/stage/ and are promoted with a server-side copy at commit.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// Ensure Store implements blob.Store.
var _ blob.Store = (*Store)(nil)

// New creates a new GCS blob store.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := &options{
		prefix: "blobs",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	clientOpts, err := buildClientOptions(o)
	if err != nil {
		return nil, fmt.Errorf("build client options: %w", err)
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	return &Store{
		client: client,
		bucket: o.bucket,
		prefix: o.prefix,
		logger: o.logger,
	}, nil
}

// buildClientOptions builds GCS client options based on authentication
// settings. With no credential option set, Application Default Credentials
// apply (GOOGLE_APPLICATION_CREDENTIALS, gcloud login, Workload Identity,
// compute default service account).
func buildClientOptions(o *options) ([]option.ClientOption, error) {
	var opts []option.ClientOption

	switch {
	case o.credentialsJSON != nil:
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
			CredentialsJSON: o.credentialsJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from json: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))

	case o.credentialsFile != "":
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
			CredentialsFile: o.credentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from file: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))
	}

	if o.endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.endpoint))
	}

	return opts, nil
}

// Stage uploads content to the staging area, computing its digest as the
// bytes stream through.
func (s *Store) Stage(ctx context.Context, content io.Reader) (*blob.Staged, error) {
	key := path.Join(s.prefix, "stage", uuid.New().String())
	dw := blob.NewDigestWriter()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(io.MultiWriter(w, dw), content); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("stage to gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close gcs writer: %w", err)
	}

	s.logger.Debug("staged blob to gcs", "bucket", s.bucket, "key", key, "size", dw.Size())
	return &blob.Staged{Digest: dw.Digest(), Size: dw.Size(), Path: key}, nil
}

// Commit promotes a staged blob with a server-side copy and removes the
// staged object.
func (s *Store) Commit(ctx context.Context, staged *blob.Staged, mailboxID, itemID int) (*blob.Ref, error) {
	bucket := s.client.Bucket(s.bucket)
	src := bucket.Object(staged.Path)
	key := path.Join(s.prefix, fmt.Sprint(mailboxID), fmt.Sprintf("%d-%s", itemID, staged.Digest))

	if _, err := bucket.Object(key).CopierFrom(src).Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, blob.ErrNotStaged
		}
		return nil, fmt.Errorf("commit blob in gcs: %w", err)
	}
	if err := src.Delete(ctx); err != nil {
		s.logger.Warn("staged blob not removed after commit", "key", staged.Path, "error", err)
	}

	return &blob.Ref{Digest: staged.Digest, Size: staged.Size, Path: key}, nil
}

// Open returns a reader over committed content.
func (s *Store) Open(ctx context.Context, ref *blob.Ref) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(ref.Path).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("create gcs reader: %w", err)
	}
	return r, nil
}

// Delete removes committed content.
func (s *Store) Delete(ctx context.Context, ref *blob.Ref) error {
	return s.deleteKey(ctx, ref.Path)
}

// Discard removes a staged blob that will never be committed.
func (s *Store) Discard(ctx context.Context, staged *blob.Staged) error {
	return s.deleteKey(ctx, staged.Path)
}

func (s *Store) deleteKey(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete blob from gcs: %w", err)
	}
	s.logger.Debug("deleted blob from gcs", "bucket", s.bucket, "key", key)
	return nil
}

// Close closes the GCS client.
func (s *Store) Close() error {
	return s.client.Close()
}
