package sink

import (
	"context"
	"errors"
	"fmt"
)

// ErrAmbiguousResponse means the backend signalled success but the body could
// not be read or parsed. Documents caught by it end up DEAD: guessing either
// way risks duplicates or silent loss.
var ErrAmbiguousResponse = errors.New("ambiguous success response from backend")

// DocumentError marks a failure as attributable to one or more documents
// rather than to the transport or the backend as a whole.
type DocumentError struct {
	DocID string
	Err   error
}

// NewDocumentError wraps err as a document-attributable failure.
func NewDocumentError(docID string, err error) error {
	return &DocumentError{DocID: docID, Err: err}
}

func (e *DocumentError) Error() string {
	if e.DocID == "" {
		return fmt.Sprintf("document rejected: %v", e.Err)
	}
	return fmt.Sprintf("document %s rejected: %v", e.DocID, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }

// IsDocumentIssue reports whether err carries a DocumentError.
func IsDocumentIssue(err error) bool {
	var de *DocumentError
	return errors.As(err, &de)
}

// PanicError is what a panic raised inside sink code becomes, so that it
// follows the ordinary failure path instead of unwinding the engine.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("sink panicked: %v", e.Value)
}

// IsInterrupted reports whether err is the result of the engine shutting down.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}
