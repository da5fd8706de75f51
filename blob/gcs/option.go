package gcs

import (
	"log/slog"
)

// options holds GCS blob store configuration.
type options struct {
	bucket string
	prefix string

	// Authentication
	credentialsJSON []byte
	credentialsFile string

	// Custom endpoint (for emulators, testing)
	endpoint string

	logger *slog.Logger
}

// Option configures the GCS blob store.
type Option func(*options)

// WithBucket sets the GCS bucket name (required).
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix sets the object prefix for blobs. Default is "blobs".
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithCredentialsJSON sets service account key JSON. When no credential
// option is set, Application Default Credentials are used.
func WithCredentialsJSON(credentials []byte) Option {
	return func(o *options) {
		o.credentialsJSON = credentials
	}
}

// WithCredentialsFile sets a path to a service account key file.
func WithCredentialsFile(path string) Option {
	return func(o *options) {
		o.credentialsFile = path
	}
}

// WithEndpoint sets a custom endpoint, for the storage emulator.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
