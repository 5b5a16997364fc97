// Package batch accumulates submitted documents into bounded batches, flushes
// them to a sink on size or time thresholds and applies the failure recovery
// protocol.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"docingest/internal/bimap"
	"docingest/internal/document"
	"docingest/internal/logging"
	"docingest/internal/sink"
)

const (
	DefaultBatchSize  = 100
	DefaultFlushDelay = time.Second
	DefaultNonceField = "_nonce"
)

var (
	// ErrStopped is returned by Submit once Stop was called.
	ErrStopped = errors.New("batch engine stopped")
	// ErrContractViolation means the sink broke its contract, for example by
	// converting two documents to the same native value.
	ErrContractViolation = errors.New("sink contract violation")
)

// Stats is a snapshot of the engine counters. At any quiescent point
// Received == Attempted + Pending and Succeeded <= Attempted.
type Stats struct {
	Received  int64 `json:"received"`
	Attempted int64 `json:"attempted"`
	Succeeded int64 `json:"succeeded"`
	Pending   int   `json:"pending"`
}

// Dispatcher is the engine seen without its native type, as used by feeders
// and the HTTP API.
type Dispatcher interface {
	Submit(doc *document.Document) error
	Flush()
	Stop()
	Stats() Stats
	AddListener(l BatchSendListener)
	SinkName() string
}

type options struct {
	batchSize  int
	flushDelay time.Duration
	nonceField string
	logger     *logrus.Entry
}

// Option configures an Engine.
type Option func(*options)

// WithBatchSize sets the soft capacity of a batch.
func WithBatchSize(n int) Option { return func(o *options) { o.batchSize = n } }

// WithFlushDelay sets how long a partial batch may wait.
func WithFlushDelay(d time.Duration) Option { return func(o *options) { o.flushDelay = d } }

// WithNonceField names the field the nonce is stamped into.
func WithNonceField(name string) Option { return func(o *options) { o.nonceField = name } }

// WithLogger sets the base logger.
func WithLogger(l *logrus.Entry) Option { return func(o *options) { o.logger = l } }

// Engine batches documents for one sink. R is the sink's native
// representation.
//
// accumMu guards the live batch and is held briefly per submission. A batch
// is detached (swapped for an empty one) under accumMu and is private to the
// sending call from then on. Sends of the same detached batch are serialized
// by a lock kept in sending; different batches may be in flight at once, so a
// size triggered send never waits for a slow timed one.
type Engine[R comparable] struct {
	sink sink.Sink[R]
	log  *logrus.Entry

	ctx     context.Context
	cancel  context.CancelFunc
	sched   *scheduler
	stopped atomic.Bool

	cfgMu      sync.RWMutex
	batchSize  int
	flushDelay time.Duration
	nonceField string

	accumMu sync.Mutex
	live    *bimap.Map[*document.Document, R]

	timerMu sync.Mutex
	pending *task

	sending sync.Map // *bimap.Map -> *sync.Mutex

	listenersMu sync.RWMutex
	listeners   []BatchSendListener

	received  atomic.Int64
	attempted atomic.Int64
	succeeded atomic.Int64
}

// New creates an engine and starts its scheduler. Stop releases it.
func New[R comparable](s sink.Sink[R], opts ...Option) (*Engine[R], error) {
	if s == nil {
		return nil, errors.New("sink is required")
	}
	o := options{
		batchSize:  DefaultBatchSize,
		flushDelay: DefaultFlushDelay,
		nonceField: DefaultNonceField,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if err := validateSettings(o.batchSize, o.flushDelay, o.nonceField); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine[R]{
		sink:       s,
		log:        o.logger.WithField("sink", s.Name()),
		ctx:        ctx,
		cancel:     cancel,
		sched:      newScheduler(),
		batchSize:  o.batchSize,
		flushDelay: o.flushDelay,
		nonceField: o.nonceField,
		live:       bimap.New[*document.Document, R](),
	}
	e.log.Infof("batch engine started | batchSize=%d flushDelay=%s nonceField=%s", o.batchSize, o.flushDelay, o.nonceField)
	return e, nil
}

// Configure replaces the batch settings. It affects batches accumulated from
// now on.
func (e *Engine[R]) Configure(batchSize int, flushDelayMs int, nonceField string) error {
	delay := time.Duration(flushDelayMs) * time.Millisecond
	if err := validateSettings(batchSize, delay, nonceField); err != nil {
		return err
	}
	e.cfgMu.Lock()
	e.batchSize, e.flushDelay, e.nonceField = batchSize, delay, nonceField
	e.cfgMu.Unlock()
	return nil
}

func validateSettings(batchSize int, flushDelay time.Duration, nonceField string) error {
	switch {
	case batchSize < 1:
		return fmt.Errorf("batch size must be at least 1, got %d", batchSize)
	case flushDelay <= 0:
		return fmt.Errorf("flush delay must be positive, got %s", flushDelay)
	case nonceField == "":
		return errors.New("nonce field is required")
	}
	return nil
}

func (e *Engine[R]) settings() (int, time.Duration, string) {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.batchSize, e.flushDelay, e.nonceField
}

// SinkName returns the name of the sink the engine feeds.
func (e *Engine[R]) SinkName() string { return e.sink.Name() }

// Submit accepts one document. When the live batch is already full it is
// detached first, so the document that triggers a size flush opens the next
// batch. The detached batch is sent on the calling goroutine after the
// accumulation lock is released.
func (e *Engine[R]) Submit(doc *document.Document) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	batchSize, flushDelay, nonceField := e.settings()
	doc.Set(nonceField, uuid.NewString())

	native, err := e.convert(doc)
	if err != nil {
		e.failDocument(e.ctx, err, doc)
		return fmt.Errorf("convert %s: %w", doc.ID, err)
	}

	var detached *bimap.Map[*document.Document, R]
	e.accumMu.Lock()
	if e.live.Size() >= batchSize {
		detached = e.live
		e.live = bimap.New[*document.Document, R]()
	}
	err = e.live.Put(doc, native)
	if err == nil {
		e.received.Add(1)
		doc.SetStatus(document.StatusBatched, "Batched at position %d of %d, flush expected within %s",
			e.live.Size(), batchSize, flushDelay)
		doc.ReportDocStatus()
	}
	e.accumMu.Unlock()

	if detached != nil {
		e.send(detached)
	} else if err == nil {
		e.scheduleFlush()
	}

	if err != nil {
		return fmt.Errorf("%w: %s produced a native value already bound to another document: %v",
			ErrContractViolation, e.sink.Name(), err)
	}
	return nil
}

// Flush detaches the live batch and sends it on the calling goroutine.
func (e *Engine[R]) Flush() {
	if detached := e.detach(); detached != nil {
		e.send(detached)
	}
}

// Stop cancels in-flight sends, stops the scheduler and waits for a running
// timed flush to return. Documents still in the live batch keep their
// BATCHED status. Stop is idempotent.
func (e *Engine[R]) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.cancel()

	e.timerMu.Lock()
	if e.pending != nil {
		e.pending.cancel()
		e.pending = nil
	}
	e.timerMu.Unlock()

	e.sched.stop()
	st := e.Stats()
	e.log.Infof("batch engine stopped | received=%d attempted=%d succeeded=%d pending=%d",
		st.Received, st.Attempted, st.Succeeded, st.Pending)
}

// AddListener registers l for every future flush.
func (e *Engine[R]) AddListener(l BatchSendListener) {
	e.listenersMu.Lock()
	e.listeners = append(e.listeners, l)
	e.listenersMu.Unlock()
}

func (e *Engine[R]) DocsReceived() int64  { return e.received.Load() }
func (e *Engine[R]) DocsAttempted() int64 { return e.attempted.Load() }
func (e *Engine[R]) DocsSucceeded() int64 { return e.succeeded.Load() }

// Stats returns the counters and the size of the live batch.
func (e *Engine[R]) Stats() Stats {
	e.accumMu.Lock()
	pending := e.live.Size()
	e.accumMu.Unlock()
	return Stats{
		Received:  e.received.Load(),
		Attempted: e.attempted.Load(),
		Succeeded: e.succeeded.Load(),
		Pending:   pending,
	}
}

// detach swaps the live batch for an empty one. It returns nil when there is
// nothing to send.
func (e *Engine[R]) detach() *bimap.Map[*document.Document, R] {
	e.accumMu.Lock()
	defer e.accumMu.Unlock()
	if e.live.Size() == 0 {
		return nil
	}
	detached := e.live
	e.live = bimap.New[*document.Document, R]()
	return detached
}

// scheduleFlush replaces the pending timed flush with a new one. Losing the
// race against a flush that already started is harmless: at worst the next
// flush happens a little later.
func (e *Engine[R]) scheduleFlush() {
	if e.stopped.Load() {
		return
	}
	_, delay, _ := e.settings()

	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.pending != nil && !e.pending.cancel() {
		e.log.Warn("could not cancel the previously scheduled flush, it already started")
	}
	e.pending = e.sched.schedule(delay, e.timedFlush)
}

func (e *Engine[R]) timedFlush(self *task) {
	e.timerMu.Lock()
	if e.pending == self {
		e.pending = nil
	}
	e.timerMu.Unlock()

	e.Flush()
}

// send hands a detached batch to the sink and resolves the outcome. Sends of
// one batch are serialized; a batch that was already cleared by an earlier
// send is a no-op. Failures never escape: they end up as document statuses
// and log lines.
func (e *Engine[R]) send(batch *bimap.Map[*document.Document, R]) {
	lock, _ := e.sending.LoadOrStore(batch, new(sync.Mutex))
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer func() {
		// The batch is cleared by now, so a late caller that creates a fresh
		// lock still finds nothing to send.
		e.sending.Delete(batch)
		mu.Unlock()
	}()

	n := batch.Size()
	if n == 0 {
		return
	}
	e.attempted.Add(int64(n))
	docs := batch.Keys()

	ctx := logging.WithFields(e.ctx, logrus.Fields{"sink": e.sink.Name(), "batch_size": n})
	log := logging.FromContext(ctx)

	defer func() {
		e.scheduleFlush()
		e.notify(docs)
		batch.Clear()
	}()

	err := e.batchOperation(ctx, batch)
	switch {
	case err == nil:
		e.succeeded.Add(int64(n))
		log.Debugf("batch of %d sent", n)

	case sink.IsInterrupted(err):
		log.Infof("batch send interrupted by shutdown, %d documents left as they were: %v", n, err)

	case e.indicatesDocumentIssue(err):
		log.Warnf("batch send failed on a document issue, resolving documents individually: %v", err)
		ok := e.fallback(ctx, batch, err)
		if ok < 0 {
			ok = 0
		}
		if ok > n {
			ok = n
		}
		e.succeeded.Add(int64(ok))
		log.Infof("individual fallback indexed %d of %d documents", ok, n)

	default:
		log.Errorf("batch send failed, marking %d documents ERROR: %v", n, err)
		for _, doc := range docs {
			e.failDocument(ctx, err, doc)
		}
	}
}

func (e *Engine[R]) notify(docs []*document.Document) {
	e.listenersMu.RLock()
	listeners := make([]BatchSendListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Errorf("batch listener panicked: %v", r)
				}
			}()
			l.BatchSent(docs)
		}()
	}
}

// The wrappers below turn panics raised inside sink code into ordinary
// failures so they take the normal classification path.

func (e *Engine[R]) convert(doc *document.Document) (native R, err error) {
	defer recoverInto(&err)
	return e.sink.Convert(doc)
}

func (e *Engine[R]) batchOperation(ctx context.Context, batch *bimap.Map[*document.Document, R]) (err error) {
	defer recoverInto(&err)
	return e.sink.BatchOperation(ctx, batch)
}

func (e *Engine[R]) indicatesDocumentIssue(err error) (issue bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("failure classification panicked, treating as systemic: %v", r)
			issue = false
		}
	}()
	return e.sink.ExceptionIndicatesDocumentIssue(err)
}

func (e *Engine[R]) fallback(ctx context.Context, batch *bimap.Map[*document.Document, R], cause error) (ok int) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		perr := &sink.PanicError{Value: r, Stack: debug.Stack()}
		e.log.Errorf("individual fallback panicked: %v", perr)
		ok = 0
		for _, doc := range batch.Keys() {
			switch doc.Status() {
			case document.StatusIndexed:
				ok++
			case document.StatusError, document.StatusDropped, document.StatusDead:
			default:
				e.failDocument(ctx, perr, doc)
			}
		}
	}()
	return e.sink.IndividualFallbackOperation(ctx, batch, cause)
}

// failDocument calls PerDocFailLogging. If that panics the document is still
// marked ERROR.
func (e *Engine[R]) failDocument(ctx context.Context, err error, doc *document.Document) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("doc_id", doc.ID).Errorf("failure logging panicked: %v (original failure: %v)", r, err)
			if !doc.Status().Terminal() {
				doc.SetStatus(document.StatusError, "%s failed: %v", e.sink.Name(), err)
				doc.ReportDocStatus()
			}
		}
	}()
	e.sink.PerDocFailLogging(logging.WithDocument(ctx, doc), err, doc)
}

func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = &sink.PanicError{Value: r, Stack: debug.Stack()}
	}
}
