package content

import (
	"errors"
	"strings"
	"testing"
)

func TestRegistryExtract(t *testing.T) {
	reg := DefaultRegistry()

	tests := []struct {
		desc        string
		contentType string
		data        string
		want        string
	}{
		{"plain text", "text/plain", "hello world", "hello world"},
		{"empty type defaults to plain", "", "fallback body", "fallback body"},
		{"mime parameters ignored", "text/plain; charset=utf-8", "with params", "with params"},
		{"case-insensitive type", "TEXT/PLAIN", "shouted", "shouted"},
		{"csv as text", "text/csv", "a,b,c", "a,b,c"},
		{
			"html stripped",
			"text/html",
			"<html><body><h1>Title</h1><p>Some <b>bold</b> text.</p></body></html>",
			"Title Some bold text.",
		},
		{
			"html entities decoded",
			"text/html",
			"<p>fish &amp; chips &lt;tonight&gt;</p>",
			"fish & chips <tonight>",
		},
		{
			"script and style skipped",
			"text/html",
			"<style>p { color: red }</style><p>visible</p><script>var hidden = 1;</script>",
			"visible",
		},
		{
			"unterminated script drops the tail",
			"text/html",
			"<p>kept</p><script>never closed",
			"kept",
		},
		{
			"json string values",
			"application/json",
			`{"subject": "status update", "count": 7, "nested": {"note": "ship it"}}`,
			"", // map order is unstable; matched below by token set
		},
		{
			"json array",
			"application/json",
			`["alpha", 2, "beta"]`,
			"alpha beta",
		},
		{
			"xml character data",
			"application/xml",
			"<note><to>ops</to><body>disk almost full</body></note>",
			"ops disk almost full",
		},
		{"binary yields nothing", "application/octet-stream", "\x00\x01\x02", ""},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			got, err := reg.Extract(tt.contentType, []byte(tt.data))
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			if tt.want == "" && tt.desc == "json string values" {
				for _, token := range []string{"status update", "ship it"} {
					if !strings.Contains(got, token) {
						t.Errorf("Extract = %q, missing %q", got, token)
					}
				}
				if strings.Contains(got, "7") {
					t.Errorf("Extract = %q, numbers should not be collected", got)
				}
				return
			}
			if got != tt.want {
				t.Errorf("Extract = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistryExtractErrors(t *testing.T) {
	reg := DefaultRegistry()

	if _, err := reg.Extract("application/pdf", []byte("%PDF-1.4")); !errors.Is(err, ErrUnsupportedContentType) {
		t.Errorf("unsupported type error = %v, want ErrUnsupportedContentType", err)
	}
	if _, err := reg.Extract("application/json", []byte("{not json")); err == nil {
		t.Error("malformed JSON extracted without error")
	}
	if _, err := reg.Extract("application/xml", []byte("<unclosed>")); err == nil {
		t.Error("malformed XML extracted without error")
	}
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	reg := NewRegistry(Plain)

	if _, ok := reg.Lookup("text/markdown"); ok {
		t.Fatal("Lookup found an unregistered type")
	}
	reg.Register(markdownExtractor{})
	if e, ok := reg.Lookup("text/markdown; charset=utf-8"); !ok || e.ContentType() != "text/markdown" {
		t.Fatalf("Lookup after Register = (%v, %v)", e, ok)
	}

	got, err := reg.Extract("text/markdown", []byte("# heading"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "heading" {
		t.Errorf("Extract = %q, want %q", got, "heading")
	}

	// Registering again replaces the previous extractor.
	reg.Register(plainExtractor{ct: "text/markdown"})
	got, err = reg.Extract("text/markdown", []byte("# heading"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "# heading" {
		t.Errorf("Extract = %q after replacement, want %q", got, "# heading")
	}
}

// markdownExtractor is a toy extractor that strips leading '#' runs.
type markdownExtractor struct{}

func (markdownExtractor) ContentType() string { return "text/markdown" }

func (markdownExtractor) Extract(data []byte) (string, error) {
	s := string(data)
	for len(s) > 0 && (s[0] == '#' || s[0] == ' ') {
		s = s[1:]
	}
	return s, nil
}
