// Package fts builds the text fed into the derived search columns.
package fts

import (
	"html"
	"strings"
)

// JoinForFTS joins non-empty terms with spaces for use as a Postgres
// to_tsvector input string. Returns an empty string for nil/empty input.
func JoinForFTS(terms ...string) string {
	kept := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = StripNullBytes(t); t != "" {
			kept = append(kept, t)
		}
	}
	return strings.Join(kept, " ")
}

// Document is the input to the primary tsvector column.
func Document(subject, renderedContent string) string {
	return JoinForFTS(subject, renderedContent)
}

// SecondaryDocument is the value stored in the secondary search column. The
// rendered content is already HTML; the subject is plain text and gets
// escaped so the column is uniformly HTML.
func SecondaryDocument(subject, renderedContent string) string {
	return JoinForFTS(html.EscapeString(subject), renderedContent)
}

// StripNullBytes removes null bytes (\x00). Postgres TEXT columns reject them.
func StripNullBytes(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
