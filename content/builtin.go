package content

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"html"
	"io"
	"strings"
)

// Built-in extractors for common content types.
//
// Plain text passes through unchanged. Markup formats are reduced to
// their character data. Binary formats yield no text, so their items are
// searchable on metadata fields only.
var (
	// Plain is a pass-through extractor for text/plain content.
	Plain Extractor = plainExtractor{ct: "text/plain"}

	// CSV treats comma-separated values as plain text; cell contents are
	// tokenized by the index engine anyway.
	CSV Extractor = plainExtractor{ct: "text/csv"}

	// HTML strips tags, scripts, and styles from text/html content and
	// decodes entities.
	HTML Extractor = htmlExtractor{}

	// JSON collects the string values of application/json content.
	JSON Extractor = jsonExtractor{}

	// XML collects the character data of application/xml content.
	XML Extractor = xmlExtractor{ct: "application/xml"}

	// TextXML handles the text/xml alias.
	TextXML Extractor = xmlExtractor{ct: "text/xml"}

	// OctetStream yields no text for application/octet-stream content.
	OctetStream Extractor = emptyExtractor{ct: "application/octet-stream"}
)

// DefaultRegistry returns a registry pre-loaded with all built-in
// extractors.
func DefaultRegistry() *Registry {
	return NewRegistry(Plain, CSV, HTML, JSON, XML, TextXML, OctetStream)
}

// plainExtractor passes text through, dropping invalid UTF-8.
type plainExtractor struct {
	ct string
}

func (e plainExtractor) ContentType() string { return e.ct }

func (e plainExtractor) Extract(data []byte) (string, error) {
	return strings.ToValidUTF8(string(data), ""), nil
}

// htmlExtractor strips markup with a small scanner rather than a full
// parser: script and style elements are skipped wholesale, every other
// tag is replaced by a space, and entities are decoded at the end.
type htmlExtractor struct{}

func (htmlExtractor) ContentType() string { return "text/html" }

func (htmlExtractor) Extract(data []byte) (string, error) {
	var b strings.Builder
	b.Grow(len(data))

	s := strings.ToValidUTF8(string(data), "")
	for len(s) > 0 {
		lt := strings.IndexByte(s, '<')
		if lt < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:lt])
		s = s[lt:]

		if rest, ok := skipElement(s, "script"); ok {
			s = rest
			continue
		}
		if rest, ok := skipElement(s, "style"); ok {
			s = rest
			continue
		}

		gt := strings.IndexByte(s, '>')
		if gt < 0 {
			break
		}
		b.WriteByte(' ')
		s = s[gt+1:]
	}
	return strings.Join(strings.Fields(html.UnescapeString(b.String())), " "), nil
}

// skipElement consumes "<name ...>...</name>" from the head of s.
func skipElement(s, name string) (string, bool) {
	open := "<" + name
	if len(s) < len(open) || !strings.EqualFold(s[:len(open)], open) {
		return s, false
	}
	end := strings.Index(strings.ToLower(s), "</"+name)
	if end < 0 {
		return "", true
	}
	s = s[end:]
	gt := strings.IndexByte(s, '>')
	if gt < 0 {
		return "", true
	}
	return s[gt+1:], true
}

// jsonExtractor walks the decoded value and joins its string scalars.
type jsonExtractor struct{}

func (jsonExtractor) ContentType() string { return "application/json" }

func (jsonExtractor) Extract(data []byte) (string, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return "", err
	}
	var parts []string
	collectStrings(v, &parts)
	return strings.Join(parts, " "), nil
}

func collectStrings(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		if t != "" {
			*out = append(*out, t)
		}
	case []any:
		for _, e := range t {
			collectStrings(e, out)
		}
	case map[string]any:
		for _, e := range t {
			collectStrings(e, out)
		}
	}
}

// xmlExtractor collects character data, ignoring markup structure.
type xmlExtractor struct {
	ct string
}

func (e xmlExtractor) ContentType() string { return e.ct }

func (e xmlExtractor) Extract(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var parts []string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if cd, ok := tok.(xml.CharData); ok {
			if s := strings.TrimSpace(string(cd)); s != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, " "), nil
}

// emptyExtractor yields no text for binary content types.
type emptyExtractor struct {
	ct string
}

func (e emptyExtractor) ContentType() string            { return e.ct }
func (e emptyExtractor) Extract([]byte) (string, error) { return "", nil }
