// Package document holds the entity that flows through the ingestion
// pipeline and its status lifecycle.
package document

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Operation is what the backend should do with a document.
type Operation int

const (
	OpNew Operation = iota
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpNew:
		return "NEW"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

// ParseOperation accepts the String form, case-insensitively. An empty
// string means OpNew.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NEW":
		return OpNew, nil
	case "UPDATE":
		return OpUpdate, nil
	case "DELETE":
		return OpDelete, nil
	}
	return OpNew, fmt.Errorf("unknown operation %q", s)
}

// Document is shared by reference between the orchestrator and the sink
// stage. Fields and status are guarded by the document's own lock, so status
// may change on the engine goroutine while other goroutines read fields.
// Callers must not structurally change a document after submitting it.
type Document struct {
	ID          string
	Operation   Operation
	ScannerName string
	ParentID    string
	Content     []byte

	mu       sync.RWMutex
	names    []string
	fields   map[string][]string
	status   Status
	message  string
	reporter StatusReporter
}

// New creates a document with no fields.
func New(id string, op Operation) *Document {
	return &Document{
		ID:        id,
		Operation: op,
		fields:    make(map[string][]string),
	}
}

// Get returns a copy of the values of the named field.
func (d *Document) Get(name string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	vals := d.fields[name]
	if vals == nil {
		return nil
	}
	out := make([]string, len(vals))
	copy(out, vals)
	return out
}

// First returns the first value of the named field or "".
func (d *Document) First(name string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if vals := d.fields[name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Put appends value to the named field.
func (d *Document) Put(name, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureField(name)
	d.fields[name] = append(d.fields[name], value)
}

// Set replaces every value of the named field.
func (d *Document) Set(name string, values ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensureField(name)
	d.fields[name] = append([]string(nil), values...)
}

// RemoveAll drops the named field and returns what it held.
func (d *Document) RemoveAll(name string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	vals, ok := d.fields[name]
	if !ok {
		return nil
	}
	delete(d.fields, name)
	for i, n := range d.names {
		if n == name {
			d.names = append(d.names[:i], d.names[i+1:]...)
			break
		}
	}
	return vals
}

// FieldNames returns field names in the order they were first added.
func (d *Document) FieldNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Fields returns a deep copy of every field.
func (d *Document) Fields() map[string][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string][]string, len(d.fields))
	for k, v := range d.fields {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (d *Document) ensureField(name string) {
	if d.fields == nil {
		d.fields = make(map[string][]string)
	}
	if _, ok := d.fields[name]; !ok {
		d.names = append(d.names, name)
	}
}

// SetStatus records a transition. The message is formatted like fmt.Sprintf.
func (d *Document) SetStatus(s Status, format string, args ...interface{}) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	d.mu.Lock()
	d.status = s
	d.message = msg
	d.mu.Unlock()
}

// Status returns the current status.
func (d *Document) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// StatusMessage returns the message recorded with the current status.
func (d *Document) StatusMessage() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.message
}

// SetReporter attaches the observer that ReportDocStatus notifies.
func (d *Document) SetReporter(r StatusReporter) {
	d.mu.Lock()
	d.reporter = r
	d.mu.Unlock()
}

// ReportDocStatus hands the current status to the attached reporter.
func (d *Document) ReportDocStatus() {
	d.mu.RLock()
	r := d.reporter
	u := StatusUpdate{
		DocID:    d.ID,
		Scanner:  d.ScannerName,
		ParentID: d.ParentID,
		Status:   d.status,
		State:    d.status.String(),
		Message:  d.message,
		Time:     time.Now().UTC(),
	}
	d.mu.RUnlock()
	if r != nil {
		r.ReportStatus(u)
	}
}
