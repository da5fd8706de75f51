// Package s3 provides an AWS S3-backed blob store.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/rbaliyan/mailstore/blob"
)

// Store implements blob.Store on an S3 bucket. Staged blobs live under
// <prefix>/stage/ and are promoted with a server-side copy at commit, so
// content bytes cross the network only once.
type Store struct {
	client *s3.Client
	tm     *transfermanager.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// Ensure Store implements blob.Store.
var _ blob.Store = (*Store)(nil)

// New creates a new S3 blob store.
// The context is used for AWS credential loading and configuration.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := &options{
		region: "us-east-1",
		prefix: "blobs",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	awsCfg, err := buildAWSConfig(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("build aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(opts *s3.Options) {
		if o.endpoint != "" {
			opts.BaseEndpoint = aws.String(o.endpoint)
			opts.UsePathStyle = o.usePathStyle
		}
	})

	return &Store{
		client: client,
		tm:     transfermanager.New(client),
		bucket: o.bucket,
		prefix: o.prefix,
		logger: o.logger,
	}, nil
}

// buildAWSConfig builds AWS config based on authentication options.
func buildAWSConfig(ctx context.Context, o *options) (aws.Config, error) {
	var optFns []func(*config.LoadOptions) error

	optFns = append(optFns, config.WithRegion(o.region))

	switch {
	case o.accessKey != "" && o.secretKey != "":
		creds := credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))

	case o.roleARN != "":
		// IAM role via STS AssumeRole, bootstrapped from the default chain.
		baseCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load base config for role: %w", err)
		}
		stsCreds := newAssumeRoleProvider(baseCfg, o.roleARN, o.roleSessionName, o.externalID)
		optFns = append(optFns, config.WithCredentialsProvider(stsCreds))

	default:
		// Default credential chain: env vars, shared config, EC2/ECS
		// roles, IRSA on EKS. Nothing to configure.
	}

	return config.LoadDefaultConfig(ctx, optFns...)
}

// Stage uploads content to the staging area, computing its digest as the
// bytes stream through.
func (s *Store) Stage(ctx context.Context, content io.Reader) (*blob.Staged, error) {
	key := path.Join(s.prefix, "stage", uuid.New().String())
	w := blob.NewDigestWriter()

	input := &transfermanager.UploadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   io.TeeReader(content, w),
	}
	if _, err := s.tm.UploadObject(ctx, input); err != nil {
		return nil, fmt.Errorf("stage to s3: %w", err)
	}

	s.logger.Debug("staged blob to s3", "bucket", s.bucket, "key", key, "size", w.Size())
	return &blob.Staged{Digest: w.Digest(), Size: w.Size(), Path: key}, nil
}

// Commit promotes a staged blob with a server-side copy and removes the
// staged object.
func (s *Store) Commit(ctx context.Context, staged *blob.Staged, mailboxID, itemID int) (*blob.Ref, error) {
	key := s.blobKey(mailboxID, itemID, staged.Digest)

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		CopySource: aws.String(s.bucket + "/" + staged.Path),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, blob.ErrNotStaged
		}
		return nil, fmt.Errorf("commit blob in s3: %w", err)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(staged.Path),
	}); err != nil {
		// The staged copy is orphaned, not lost; a cleanup sweep can
		// reclaim it.
		s.logger.Warn("staged blob not removed after commit", "key", staged.Path, "error", err)
	}

	return &blob.Ref{Digest: staged.Digest, Size: staged.Size, Path: key}, nil
}

// Open returns a reader over committed content.
func (s *Store) Open(ctx context.Context, ref *blob.Ref) (io.ReadCloser, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(ref.Path),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("get blob from s3: %w", err)
	}
	return output.Body, nil
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
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete blob from s3: %w", err)
	}
	s.logger.Debug("deleted blob from s3", "bucket", s.bucket, "key", key)
	return nil
}

func (s *Store) blobKey(mailboxID, itemID int, digest string) string {
	return path.Join(s.prefix, fmt.Sprint(mailboxID), fmt.Sprintf("%d-%s", itemID, digest))
}

func isNoSuchKey(err error) bool {
	var noKey *types.NoSuchKey
	return errors.As(err, &noKey)
}
