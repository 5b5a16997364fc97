package feeder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"docingest/internal/batch"
	"docingest/internal/document"
	"docingest/internal/parser"
)

// MaxLineSize bounds a single NDJSON record.
const MaxLineSize = 16 << 20

// Result summarises one Run.
type Result struct {
	Lines     int64 `json:"lines"`
	Submitted int64 `json:"submitted"`
	Rejected  int64 `json:"rejected"`
}

// Feeder reads NDJSON records and submits the documents to a dispatcher with
// a pool of workers. It is decoupled from the concrete sink so tests can use
// any batch.Dispatcher.
type Feeder struct {
	dispatcher batch.Dispatcher
	parser     *parser.Parser
	reporter   document.StatusReporter
	workers    int
}

// New constructs a Feeder. reporter is attached to every document and may be
// nil.
func New(d batch.Dispatcher, p *parser.Parser, reporter document.StatusReporter, workers int) *Feeder {
	if workers < 1 {
		workers = 1
	}
	return &Feeder{dispatcher: d, parser: p, reporter: reporter, workers: workers}
}

type line struct {
	no   int64
	data []byte
}

// Run consumes r until EOF, the context is cancelled or an unrecoverable
// error occurs. Records that fail to parse or convert are counted as rejected
// and do not stop the run. It does not flush the dispatcher.
func (f *Feeder) Run(ctx context.Context, r io.Reader) (Result, error) {
	var res Result
	start := time.Now()
	logrus.Infof("Starting feeder | sink=%s workers=%d", f.dispatcher.SinkName(), f.workers)

	jobs := make(chan line, f.workers*2)
	errCh := make(chan error, f.workers)

	// Derive a cancellable context for early termination on first error
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	worker := func() {
		defer wg.Done()
		for j := range jobs {
			select {
			case <-wctx.Done():
				return
			default:
			}

			if err := f.process(j, &res); err != nil {
				select {
				case errCh <- err:
				default:
				}
				cancel()
				return
			}
		}
	}

	for i := 0; i < f.workers; i++ {
		wg.Add(1)
		go worker()
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), MaxLineSize)
	var readErr error
	var n int64
enqueue:
	for sc.Scan() {
		n++
		data := sc.Bytes()
		if len(data) == 0 {
			continue
		}
		j := line{no: n, data: append([]byte(nil), data...)}
		select {
		case <-wctx.Done():
			break enqueue
		case jobs <- j:
		}
	}
	if err := sc.Err(); err != nil {
		readErr = fmt.Errorf("read input at line %d: %w", n+1, err)
	}
	close(jobs)
	wg.Wait()

	atomic.StoreInt64(&res.Lines, n)
	logrus.Infof("[OK] Feeder done | lines=%d submitted=%d rejected=%d | Time: %.2fs",
		res.Lines, atomic.LoadInt64(&res.Submitted), atomic.LoadInt64(&res.Rejected), time.Since(start).Seconds())

	select {
	case e := <-errCh:
		return res, e
	default:
	}
	if readErr != nil {
		return res, readErr
	}
	return res, ctx.Err()
}

// process parses and submits one line. Only failures that make further
// submissions pointless are returned.
func (f *Feeder) process(j line, res *Result) error {
	doc, err := f.parser.Parse(j.data)
	if err != nil {
		logrus.Warnf("skipping line %d: %v", j.no, err)
		atomic.AddInt64(&res.Rejected, 1)
		return nil
	}
	if f.reporter != nil {
		doc.SetReporter(f.reporter)
	}
	return f.submit(doc, res)
}

// submit hands one document to the dispatcher and updates res.
func (f *Feeder) submit(doc *document.Document, res *Result) error {
	err := f.dispatcher.Submit(doc)
	switch {
	case err == nil:
		atomic.AddInt64(&res.Submitted, 1)
		return nil
	case errors.Is(err, batch.ErrStopped), errors.Is(err, batch.ErrContractViolation):
		return err
	default:
		logrus.Debugf("document %s rejected: %v", doc.ID, err)
		atomic.AddInt64(&res.Rejected, 1)
		return nil
	}
}
