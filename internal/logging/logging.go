// Package logging configures logrus and carries per-document log fields
// through context.Context, so sink code running on the flush goroutine logs
// with the same document, scanner and parent ids as the submitting goroutine.
package logging

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"docingest/internal/document"
)

type ctxKey struct{}

// Setup configures the global logger. format is "text" (default) or "json".
func Setup(level, format string) error {
	switch strings.ToLower(format) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unsupported log format: %s", format)
	}

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	return nil
}

// WithFields returns a child context whose logger carries fields on top of
// any already present.
func WithFields(ctx context.Context, fields logrus.Fields) context.Context {
	return context.WithValue(ctx, ctxKey{}, FromContext(ctx).WithFields(fields))
}

// WithDocument attaches the document's identity to the context logger.
func WithDocument(ctx context.Context, doc *document.Document) context.Context {
	f := logrus.Fields{"doc_id": doc.ID}
	if doc.ScannerName != "" {
		f["scanner"] = doc.ScannerName
	}
	if doc.ParentID != "" {
		f["parent_id"] = doc.ParentID
	}
	return WithFields(ctx, f)
}

// FromContext returns the logger stored in ctx or a bare entry on the
// standard logger.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if e, ok := ctx.Value(ctxKey{}).(*logrus.Entry); ok {
			return e
		}
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
