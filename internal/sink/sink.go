// Package sink defines the contract every indexing backend implements so the
// batch engine can drive it, plus helpers shared by the backends.
package sink

import (
	"context"

	"docingest/internal/bimap"
	"docingest/internal/document"
)

// Batch is a detached set of documents paired with their backend-native form.
// Sinks must not keep a reference to it after the call it was passed to.
type Batch[R comparable] = *bimap.Map[*document.Document, R]

// Sink is a backend strategy. R is the backend-native representation of a
// document and must be unique per document within a batch.
//
// BatchOperation marks every document INDEXING before sending and INDEXED
// once the backend has demonstrably accepted it. When it fails, the engine
// asks ExceptionIndicatesDocumentIssue whether the failure is attributable to
// individual documents. If so IndividualFallbackOperation resolves each
// document and returns how many succeeded; otherwise PerDocFailLogging is
// called for every document in the batch.
type Sink[R comparable] interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Convert builds the native representation. It must not do I/O.
	Convert(doc *document.Document) (R, error)

	BatchOperation(ctx context.Context, batch Batch[R]) error

	ExceptionIndicatesDocumentIssue(err error) bool

	IndividualFallbackOperation(ctx context.Context, batch Batch[R], err error) int

	// PerDocFailLogging sets the terminal failure status and reports it.
	PerDocFailLogging(ctx context.Context, err error, doc *document.Document)

	Close() error
}
