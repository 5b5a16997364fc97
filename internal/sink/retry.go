package sink

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// RetrySink decorates another Sink, retrying BatchOperation with exponential
// backoff when the failure looks transient. Document issues, ambiguous
// responses and shutdown are never retried; they go straight back to the
// engine for classification.
//
// If attempts is < 1, it defaults to 1 (no retries).
// If delayMs is 0, it defaults to 1000ms.
type RetrySink[R comparable] struct {
	Sink[R]
	attempts int
	delay    time.Duration
}

// NewRetrySink wraps inner. The result still fulfils Sink so the engine uses
// it transparently.
func NewRetrySink[R comparable](inner Sink[R], attempts int, delayMs int) Sink[R] {
	if inner == nil {
		return nil
	}
	if attempts < 1 {
		attempts = 1
	}
	if delayMs == 0 {
		delayMs = 1000
	}
	return &RetrySink[R]{
		Sink:     inner,
		attempts: attempts,
		delay:    time.Duration(delayMs) * time.Millisecond,
	}
}

// BatchOperation forwards to the wrapped sink retrying transient failures.
func (r *RetrySink[R]) BatchOperation(ctx context.Context, batch Batch[R]) error {
	attempt := 0
	op := func() error {
		attempt++
		err := r.Sink.BatchOperation(ctx, batch)
		if err == nil {
			return nil
		}
		if !r.retryable(err) {
			return backoff.Permanent(err)
		}
		logrus.Warnf("%s batch send failed (attempt %d/%d): %v", r.Sink.Name(), attempt, r.attempts, err)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.delay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.attempts-1)), ctx)
	return backoff.Retry(op, policy)
}

func (r *RetrySink[R]) retryable(err error) bool {
	switch {
	case IsInterrupted(err), errors.Is(err, ErrAmbiguousResponse), IsDocumentIssue(err):
		return false
	case r.Sink.ExceptionIndicatesDocumentIssue(err):
		return false
	}
	return true
}
