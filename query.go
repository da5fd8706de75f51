package mailstore

import (
	"context"
	"strings"

	"github.com/rbaliyan/mailstore/index"
)

// Recognized field qualifiers for query strings.
var queryFields = map[string]string{
	"subject": index.FieldSubject,
	"body":    index.FieldBody,
	"name":    index.FieldName,
	"from":    index.FieldFrom,
}

// ParseQuery turns a user query string into an index query.
//
// The syntax is deliberately small: bare terms match across all fields,
// and a single "field:" qualifier restricts the whole query to one
// field. Unknown qualifiers are treated as literal text.
//
//	report thursday          all fields
//	subject:report thursday  subject field only
//	from:alice               from field only
//
// When several qualifiers appear, the last one wins; the engine cannot
// combine per-field restrictions in one query.
func ParseQuery(s string) index.Query {
	var q index.Query
	var terms []string
	for _, tok := range strings.Fields(s) {
		if name, rest, ok := strings.Cut(tok, ":"); ok {
			if field, known := queryFields[strings.ToLower(name)]; known {
				q.Field = field
				if rest != "" {
					terms = append(terms, rest)
				}
				continue
			}
		}
		terms = append(terms, tok)
	}
	q.Text = strings.Join(terms, " ")
	return q
}

// SearchText is Search with a parsed query string. limit <= 0 means no
// limit.
func (m *Mailbox) SearchText(ctx context.Context, octxt *OpContext, query string, limit int) ([]*Item, error) {
	q := ParseQuery(query)
	if limit > 0 {
		q.Limit = limit
	}
	return m.Search(ctx, octxt, q)
}
