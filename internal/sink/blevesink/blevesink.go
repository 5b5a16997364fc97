// Package blevesink indexes batches into an embedded Bleve index.
package blevesink

import (
	"context"
	"errors"
	"fmt"

	"github.com/blevesearch/bleve/v2"

	"docingest/internal/document"
	"docingest/internal/sink"
)

const Name = "bleve"

// Options are the bleve specific keys of sink.options.
type Options struct {
	ContentField string `mapstructure:"content_field"`
}

// Record is the native form of a document. Each Convert call allocates a new
// Record, so pointers are unique per document.
type Record struct {
	ID     string
	Delete bool
	Fields map[string]interface{}
}

// Sink implements sink.Sink[*Record].
type Sink struct {
	index bleve.Index
	opts  Options
}

var _ sink.Sink[*Record] = (*Sink)(nil)

// New wraps an open index. The sink owns it from then on.
func New(index bleve.Index, opts Options) *Sink {
	return &Sink{index: index, opts: opts}
}

// Open opens the index at path, creating it with the default dynamic mapping
// when it does not exist.
func Open(path string, opts Options) (*Sink, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, bleve.NewIndexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open bleve index %s: %w", path, err)
	}
	return New(idx, opts), nil
}

func (s *Sink) Name() string { return Name }

// Index exposes the underlying index for queries.
func (s *Sink) Index() bleve.Index { return s.index }

func (s *Sink) Convert(doc *document.Document) (*Record, error) {
	if doc.ID == "" {
		return nil, errors.New("document has no id")
	}
	return &Record{
		ID:     doc.ID,
		Delete: doc.Operation == document.OpDelete,
		Fields: sink.FieldMap(doc, "", s.opts.ContentField),
	}, nil
}

// BatchOperation applies the whole batch in one index.Batch call. A record
// the batch refuses is a document issue; a failing index.Batch is not.
func (s *Sink) BatchOperation(ctx context.Context, batch sink.Batch[*Record]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sink.MarkAll(batch, document.StatusIndexing, "Indexing batch of %d into bleve", batch.Size())

	b := s.index.NewBatch()
	for _, r := range batch.Values() {
		if r.Delete {
			b.Delete(r.ID)
			continue
		}
		if err := b.Index(r.ID, r.Fields); err != nil {
			return sink.NewDocumentError(r.ID, err)
		}
	}
	if err := s.index.Batch(b); err != nil {
		return fmt.Errorf("bleve batch: %w", err)
	}

	sink.MarkAll(batch, document.StatusIndexed, "Indexed into bleve")
	return nil
}

func (s *Sink) ExceptionIndicatesDocumentIssue(err error) bool {
	return sink.IsDocumentIssue(err)
}

func (s *Sink) IndividualFallbackOperation(ctx context.Context, batch sink.Batch[*Record], err error) int {
	return sink.ResendIndividually(ctx, Name, batch, nil, func(_ context.Context, _ *document.Document, r *Record) error {
		if r.Delete {
			return s.index.Delete(r.ID)
		}
		return s.index.Index(r.ID, r.Fields)
	})
}

func (s *Sink) PerDocFailLogging(ctx context.Context, err error, doc *document.Document) {
	sink.FailDocument(ctx, Name, err, doc)
}

func (s *Sink) Close() error {
	return s.index.Close()
}
