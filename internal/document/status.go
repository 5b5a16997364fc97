package document

import (
	"fmt"
	"strings"
	"time"
)

// Status tracks where a document is in a single sink attempt.
//
//	BATCHED -> INDEXING -> INDEXED | ERROR | DROPPED | DEAD
type Status int

const (
	StatusUnknown Status = iota
	// StatusBatched means the document sits in a live batch awaiting flush.
	StatusBatched
	// StatusIndexing means a batch or individual send has started.
	StatusIndexing
	// StatusIndexed is terminal success.
	StatusIndexed
	// StatusError is terminal for this attempt. Change detection upstream may
	// present the document again.
	StatusError
	// StatusDropped means the document was discarded on purpose.
	StatusDropped
	// StatusDead means the backend answered with a success we could not parse.
	// Nothing automated can safely be done with it.
	StatusDead
)

var statusNames = map[Status]string{
	StatusUnknown:  "UNKNOWN",
	StatusBatched:  "BATCHED",
	StatusIndexing: "INDEXING",
	StatusIndexed:  "INDEXED",
	StatusError:    "ERROR",
	StatusDropped:  "DROPPED",
	StatusDead:     "DEAD",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Terminal reports whether no further transition is expected in this attempt.
func (s Status) Terminal() bool {
	switch s {
	case StatusIndexed, StatusError, StatusDropped, StatusDead:
		return true
	}
	return false
}

// ParseStatus is the inverse of String.
func ParseStatus(s string) (Status, error) {
	for st, n := range statusNames {
		if strings.EqualFold(n, s) {
			return st, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown status %q", s)
}

// StatusUpdate is the snapshot handed to a StatusReporter.
type StatusUpdate struct {
	DocID    string    `json:"doc_id"`
	Scanner  string    `json:"scanner,omitempty"`
	ParentID string    `json:"parent_id,omitempty"`
	Status   Status    `json:"-"`
	State    string    `json:"status"`
	Message  string    `json:"message,omitempty"`
	Time     time.Time `json:"time"`
}

// StatusReporter receives every status transition of the documents it is
// attached to. It is the durability boundary of the pipeline.
type StatusReporter interface {
	ReportStatus(u StatusUpdate)
}

// ReporterFunc adapts a function to StatusReporter.
type ReporterFunc func(u StatusUpdate)

// ReportStatus calls f(u).
func (f ReporterFunc) ReportStatus(u StatusUpdate) { f(u) }
