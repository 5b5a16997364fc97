package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"docingest/internal/document"
)

// Record is one NDJSON input line.
//
//	{"id":"42","operation":"update","scanner":"fs","parent_id":"7",
//	 "fields":{"title":"x","tags":["a","b"]},"content":"<base64>"}
type Record struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
	Scanner   string `json:"scanner"`
	ParentID  string `json:"parent_id"`
	Fields    Fields `json:"fields"`
	// Content is base64 in JSON.
	Content []byte `json:"content"`
}

// Field is one named, possibly repeated, value.
type Field struct {
	Name   string
	Values []string
}

// Fields keeps the order the fields had in the JSON object.
type Fields []Field

// UnmarshalJSON reads an object whose values are strings, numbers, booleans
// or arrays of those. Null values are skipped.
func (f *Fields) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*f = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("fields must be an object")
	}

	var out Fields
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)

		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		vals, err := stringify(raw)
		if err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
		if vals == nil {
			continue
		}
		out = append(out, Field{Name: name, Values: vals})
	}
	*f = out
	return nil
}

func stringify(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, err := scalar(e)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		s, err := scalar(t)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
}

func scalar(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}
}

// Parser turns NDJSON lines into documents.
type Parser struct {
	// scanner is used when a record does not name one.
	scanner string
}

// New builds a Parser. defaultScanner may be empty.
func New(defaultScanner string) *Parser {
	return &Parser{scanner: defaultScanner}
}

// Parse decodes one line.
func (p *Parser) Parse(line []byte) (*document.Document, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	return p.Document(r)
}

// Document builds the document a record describes.
func (p *Parser) Document(r Record) (*document.Document, error) {
	if r.ID == "" {
		return nil, errors.New("record has no id")
	}
	op, err := document.ParseOperation(r.Operation)
	if err != nil {
		return nil, err
	}

	doc := document.New(r.ID, op)
	doc.ScannerName = r.Scanner
	if doc.ScannerName == "" {
		doc.ScannerName = p.scanner
	}
	doc.ParentID = r.ParentID
	doc.Content = r.Content
	for _, f := range r.Fields {
		doc.Set(f.Name, f.Values...)
	}
	return doc, nil
}
