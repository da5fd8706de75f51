// Package content turns stored message bodies into indexable plain text.
//
// The indexing pipeline feeds raw blob bytes and the item's declared MIME
// type through a [Registry] of [Extractor] implementations. Text-native
// formats pass through, markup formats are stripped to their character
// data, and binary formats yield no text so their items are indexed on
// metadata fields alone.
//
// # Metadata Convention
//
// Items record their body's MIME type under the content_type metadata key.
// Items without one are treated as text/plain.
//
// # Usage
//
//	reg := content.DefaultRegistry()
//	text, err := reg.Extract("text/html", body)
//
// Applications with custom body formats register their own extractor:
//
//	reg.Register(pdfExtractor{})
package content

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// MetaContentType is the metadata key for the body's MIME content type.
// Example values: "text/plain", "text/html", "application/json".
const MetaContentType = "content_type"

// ErrUnsupportedContentType is returned when no extractor is registered
// for a content type.
var ErrUnsupportedContentType = errors.New("content: unsupported content type")

// Extractor produces indexable text from raw body bytes of one MIME type.
//
// Implementations must be safe for concurrent use. An extractor may
// return an empty string for bodies that carry no searchable text.
type Extractor interface {
	// ContentType returns the MIME type this extractor handles.
	ContentType() string

	// Extract converts raw body bytes to plain text.
	Extract(data []byte) (string, error)
}

// Registry maps content types to extractors.
// It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

// NewRegistry creates a registry pre-loaded with the given extractors.
func NewRegistry(extractors ...Extractor) *Registry {
	r := &Registry{
		extractors: make(map[string]Extractor, len(extractors)),
	}
	for _, e := range extractors {
		r.extractors[e.ContentType()] = e
	}
	return r
}

// Register adds an extractor to the registry. If one for the same content
// type already exists, it is replaced.
func (r *Registry) Register(e Extractor) {
	r.mu.Lock()
	r.extractors[e.ContentType()] = e
	r.mu.Unlock()
}

// Lookup returns the extractor for the given content type.
// Returns false if none is registered.
func (r *Registry) Lookup(contentType string) (Extractor, bool) {
	r.mu.RLock()
	e, ok := r.extractors[normalize(contentType)]
	r.mu.RUnlock()
	return e, ok
}

// Extract converts body bytes to indexable text using the extractor
// registered for contentType. An empty content type is treated as
// text/plain. MIME parameters ("; charset=utf-8") are ignored.
func (r *Registry) Extract(contentType string, data []byte) (string, error) {
	ct := normalize(contentType)
	if ct == "" {
		ct = "text/plain"
	}
	e, ok := r.Lookup(ct)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedContentType, ct)
	}
	return e.Extract(data)
}

// normalize lowercases a MIME type and drops any parameters.
func normalize(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
