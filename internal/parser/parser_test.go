package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docingest/internal/document"
)

func TestParse(t *testing.T) {
	p := New("stdin")

	doc, err := p.Parse([]byte(`{"id":"42","operation":"update","parent_id":"7",
		"fields":{"title":"Hello","tags":["a","b"],"size":1024,"draft":false,"empty":null},
		"content":"aGVsbG8gd29ybGQ="}`))
	require.NoError(t, err)

	assert.Equal(t, "42", doc.ID)
	assert.Equal(t, document.OpUpdate, doc.Operation)
	assert.Equal(t, "stdin", doc.ScannerName)
	assert.Equal(t, "7", doc.ParentID)
	assert.Equal(t, []byte("hello world"), doc.Content)
	assert.Equal(t, []string{"title", "tags", "size", "draft"}, doc.FieldNames())
	assert.Equal(t, []string{"a", "b"}, doc.Get("tags"))
	assert.Equal(t, "1024", doc.First("size"))
	assert.Equal(t, "false", doc.First("draft"))
	assert.Nil(t, doc.Get("empty"))
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "not json", line: `id=1`},
		{name: "missing id", line: `{"fields":{"a":"b"}}`},
		{name: "unknown operation", line: `{"id":"1","operation":"upsert"}`},
		{name: "fields not an object", line: `{"id":"1","fields":["a"]}`},
		{name: "nested object value", line: `{"id":"1","fields":{"a":{"b":1}}}`},
		{name: "bad base64", line: `{"id":"1","content":"%%%"}`},
	}

	p := New("")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse([]byte(tt.line))
			assert.Error(t, err)
		})
	}
}

func TestParse_Defaults(t *testing.T) {
	doc, err := New("").Parse([]byte(`{"id":"1","scanner":"crawler"}`))
	require.NoError(t, err)
	assert.Equal(t, document.OpNew, doc.Operation)
	assert.Equal(t, "crawler", doc.ScannerName)
	assert.Empty(t, doc.FieldNames())
}
