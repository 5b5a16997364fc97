package batch

import "docingest/internal/document"

// BatchSendListener is told about every flushed batch once each document in
// it has its final status for that flush. Listeners must not modify the
// slice; they read each document's Status to work out what happened.
type BatchSendListener interface {
	BatchSent(docs []*document.Document)
}

// ListenerFunc adapts a function to BatchSendListener.
type ListenerFunc func(docs []*document.Document)

// BatchSent calls f(docs).
func (f ListenerFunc) BatchSent(docs []*document.Document) { f(docs) }
