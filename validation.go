package mailstore

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// Validation limits for item fields. Names cover folders and tags;
// subject and metadata cover content items.
const (
	// MaxNameLength is the maximum length of a folder or tag name.
	MaxNameLength = 128

	// MaxSubjectLength is the maximum length of an item subject.
	MaxSubjectLength = 1024

	// Metadata limits. Metadata is persisted as JSON alongside the item
	// row; the byte limit applies to the serialized form.
	MaxMetadataKeys      = 64
	MaxMetadataKeyLength = 256
	MaxMetadataBytes     = 32 * 1024
)

// validateName checks a folder or tag name: non-empty after trimming,
// no path separator, no control characters, bounded length.
func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: name length %d exceeds max %d", ErrInvalidName, len(name), MaxNameLength)
	}
	if strings.ContainsRune(name, '/') {
		return fmt.Errorf("%w: name %q contains '/'", ErrInvalidName, name)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: name contains invalid UTF-8", ErrInvalidName)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: name contains control character U+%04X", ErrInvalidName, r)
		}
	}
	return nil
}

// validateSubject checks an item subject. Empty subjects are allowed;
// messages without one are common.
func validateSubject(subject string) error {
	if len(subject) > MaxSubjectLength {
		return fmt.Errorf("%w: subject length %d exceeds max %d", ErrInvalidName, len(subject), MaxSubjectLength)
	}
	if !utf8.ValidString(subject) {
		return fmt.Errorf("%w: subject contains invalid UTF-8", ErrInvalidName)
	}
	for _, r := range subject {
		if unicode.IsControl(r) && r != '\t' {
			return fmt.Errorf("%w: subject contains control character U+%04X", ErrInvalidName, r)
		}
	}
	return nil
}

// validateMetadata checks item metadata against key count, key length
// and serialized-size limits.
func validateMetadata(metadata map[string]any) error {
	if metadata == nil {
		return nil
	}
	if len(metadata) > MaxMetadataKeys {
		return fmt.Errorf("%w: too many keys (%d > %d)", ErrInvalidMetadata, len(metadata), MaxMetadataKeys)
	}
	for key := range metadata {
		if key == "" {
			return fmt.Errorf("%w: empty key", ErrInvalidMetadata)
		}
		if len(key) > MaxMetadataKeyLength {
			return fmt.Errorf("%w: key %q exceeds max length %d", ErrInvalidMetadata, key[:50], MaxMetadataKeyLength)
		}
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: not serializable: %v", ErrInvalidMetadata, err)
	}
	if len(data) > MaxMetadataBytes {
		return fmt.Errorf("%w: serialized size %d exceeds max %d bytes", ErrMetadataTooLarge, len(data), MaxMetadataBytes)
	}
	return nil
}
