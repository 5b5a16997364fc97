package sink

import (
	"unicode/utf8"

	"docingest/internal/document"
)

// FieldMap flattens a document into the JSON shape search backends expect:
// single values as strings, repeated values as arrays. The id is always
// present. When contentField is set and the content is valid UTF-8 it is
// added as text under that name.
func FieldMap(doc *document.Document, idField, contentField string) map[string]interface{} {
	fields := doc.Fields()
	out := make(map[string]interface{}, len(fields)+2)
	for name, vals := range fields {
		switch len(vals) {
		case 0:
		case 1:
			out[name] = vals[0]
		default:
			out[name] = vals
		}
	}
	if idField != "" {
		out[idField] = doc.ID
	}
	if contentField != "" && len(doc.Content) > 0 && utf8.Valid(doc.Content) {
		out[contentField] = string(doc.Content)
	}
	return out
}
