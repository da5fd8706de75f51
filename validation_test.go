package mailstore

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		desc string
		name string
		ok   bool
	}{
		{"plain", "Projects", true},
		{"unicode", "Entwürfe", true},
		{"interior spaces", "Old Mail", true},
		{"max length", strings.Repeat("a", MaxNameLength), true},
		{"empty", "", false},
		{"whitespace only", "   ", false},
		{"too long", strings.Repeat("a", MaxNameLength+1), false},
		{"path separator", "a/b", false},
		{"control character", "bad\x00name", false},
		{"tab", "bad\tname", false},
		{"invalid utf-8", "bad\xffname", false},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			err := validateName(tt.name)
			if tt.ok && err != nil {
				t.Fatalf("validateName(%q) = %v, want nil", tt.name, err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidName) {
				t.Fatalf("validateName(%q) = %v, want ErrInvalidName", tt.name, err)
			}
		})
	}
}

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		desc    string
		subject string
		ok      bool
	}{
		{"plain", "Re: quarterly numbers", true},
		{"empty is fine", "", true},
		{"tab allowed", "col1\tcol2", true},
		{"max length", strings.Repeat("s", MaxSubjectLength), true},
		{"too long", strings.Repeat("s", MaxSubjectLength+1), false},
		{"newline", "line1\nline2", false},
		{"invalid utf-8", "bad\xffsubject", false},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			err := validateSubject(tt.subject)
			if tt.ok && err != nil {
				t.Fatalf("validateSubject(%q) = %v, want nil", tt.subject, err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidName) {
				t.Fatalf("validateSubject(%q) = %v, want ErrInvalidName", tt.subject, err)
			}
		})
	}
}

func TestValidateMetadata(t *testing.T) {
	manyKeys := make(map[string]any, MaxMetadataKeys+1)
	for i := 0; i < MaxMetadataKeys+1; i++ {
		manyKeys[strings.Repeat("k", i+1)] = i
	}

	tests := []struct {
		desc string
		meta map[string]any
		want error
	}{
		{"nil", nil, nil},
		{"typical", map[string]any{"sender": "a@b.c", "priority": 3}, nil},
		{"empty key", map[string]any{"": "x"}, ErrInvalidMetadata},
		{"oversized key", map[string]any{strings.Repeat("k", MaxMetadataKeyLength+1): "x"}, ErrInvalidMetadata},
		{"too many keys", manyKeys, ErrInvalidMetadata},
		{"unserializable value", map[string]any{"ch": make(chan int)}, ErrInvalidMetadata},
		{"serialized too large", map[string]any{"blob": strings.Repeat("x", MaxMetadataBytes)}, ErrMetadataTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			err := validateMetadata(tt.meta)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("validateMetadata = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("validateMetadata = %v, want %v", err, tt.want)
			}
		})
	}
}
