package sink

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"docingest/internal/document"
	"docingest/internal/logging"
)

// MarkAll sets the same status on every document of the batch and reports it.
func MarkAll[R comparable](batch Batch[R], s document.Status, format string, args ...interface{}) {
	for _, doc := range batch.Keys() {
		doc.SetStatus(s, format, args...)
		doc.ReportDocStatus()
	}
}

// FailDocument is the usual PerDocFailLogging: ERROR, or DEAD when the
// backend's success answer was unreadable.
func FailDocument(ctx context.Context, sinkName string, err error, doc *document.Document) {
	log := logging.FromContext(logging.WithDocument(ctx, doc)).WithField("sink", sinkName)
	if errors.Is(err, ErrAmbiguousResponse) {
		log.Errorf("backend response could not be interpreted, document marked DEAD: %v", err)
		doc.SetStatus(document.StatusDead, "%s returned an unreadable success response: %v", sinkName, err)
	} else {
		log.Warnf("document failed: %v", err)
		doc.SetStatus(document.StatusError, "%s rejected document: %v", sinkName, err)
	}
	doc.ReportDocStatus()
}

// SendOneFunc sends a single document to the backend.
type SendOneFunc[R comparable] func(ctx context.Context, doc *document.Document, native R) error

// ResendIndividually is the fallback for backends without a structured bulk
// result: every document is sent on its own and judged by its own outcome.
// A nil limiter means no throttling. When ctx ends, the remaining documents
// are left untouched.
func ResendIndividually[R comparable](ctx context.Context, sinkName string, batch Batch[R], limiter *rate.Limiter, send SendOneFunc[R]) int {
	succeeded := 0
	for _, e := range batch.Entries() {
		if ctx.Err() != nil {
			return succeeded
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return succeeded
			}
		}

		doc := e.Key
		doc.SetStatus(document.StatusIndexing, "Sending individually to %s", sinkName)
		doc.ReportDocStatus()

		if err := send(ctx, doc, e.Value); err != nil {
			if IsInterrupted(err) {
				return succeeded
			}
			FailDocument(ctx, sinkName, err, doc)
			continue
		}

		doc.SetStatus(document.StatusIndexed, "Indexed individually by %s", sinkName)
		doc.ReportDocStatus()
		succeeded++
	}
	return succeeded
}
