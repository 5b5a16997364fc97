package feeder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docingest/internal/batch"
	"docingest/internal/document"
	"docingest/internal/parser"
)

// fakeDispatcher accepts documents until limit is reached, then reports
// itself stopped.
type fakeDispatcher struct {
	mu     sync.Mutex
	docs   []*document.Document
	limit  int
	reject map[string]bool
}

func (f *fakeDispatcher) Submit(doc *document.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limit > 0 && len(f.docs) >= f.limit {
		return batch.ErrStopped
	}
	if f.reject[doc.ID] {
		doc.SetStatus(document.StatusError, "convert failed")
		return errors.New("convert failed")
	}
	f.docs = append(f.docs, doc)
	return nil
}

func (f *fakeDispatcher) Flush()                                {}
func (f *fakeDispatcher) Stop()                                 {}
func (f *fakeDispatcher) Stats() batch.Stats                    { return batch.Stats{} }
func (f *fakeDispatcher) AddListener(l batch.BatchSendListener) {}
func (f *fakeDispatcher) SinkName() string                      { return "fake" }

func (f *fakeDispatcher) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.docs))
	for _, d := range f.docs {
		out = append(out, d.ID)
	}
	return out
}

func ndjson(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `{"id":"doc-%d","fields":{"n":%d}}`+"\n", i, i)
	}
	return b.String()
}

func TestRun_SubmitsEveryRecord(t *testing.T) {
	d := &fakeDispatcher{}
	var reported sync.Map
	rep := document.ReporterFunc(func(u document.StatusUpdate) { reported.Store(u.DocID, u.State) })

	f := New(d, parser.New("test"), rep, 4)
	res, err := f.Run(context.Background(), strings.NewReader(ndjson(50)))
	require.NoError(t, err)

	assert.Equal(t, int64(50), res.Lines)
	assert.Equal(t, int64(50), res.Submitted)
	assert.Zero(t, res.Rejected)
	assert.Len(t, d.ids(), 50)

	d.docs[0].SetStatus(document.StatusIndexed, "ok")
	d.docs[0].ReportDocStatus()
	state, ok := reported.Load(d.docs[0].ID)
	require.True(t, ok, "reporter attached")
	assert.Equal(t, "INDEXED", state)
}

func TestRun_RejectsBadRecordsAndContinues(t *testing.T) {
	d := &fakeDispatcher{reject: map[string]bool{"c": true}}
	input := strings.Join([]string{
		`{"id":"a"}`,
		`not json`,
		``,
		`{"fields":{"x":"no id"}}`,
		`{"id":"b","operation":"delete"}`,
		`{"id":"c"}`,
	}, "\n")

	res, err := New(d, parser.New(""), nil, 2).Run(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Lines)
	assert.Equal(t, int64(2), res.Submitted)
	assert.Equal(t, int64(3), res.Rejected)
	assert.ElementsMatch(t, []string{"a", "b"}, d.ids())
}

func TestRun_StopsWhenDispatcherStops(t *testing.T) {
	d := &fakeDispatcher{limit: 5}
	res, err := New(d, parser.New(""), nil, 1).Run(context.Background(), strings.NewReader(ndjson(100)))
	assert.ErrorIs(t, err, batch.ErrStopped)
	assert.Equal(t, int64(5), res.Submitted)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(&fakeDispatcher{}, parser.New(""), nil, 2).Run(ctx, strings.NewReader(ndjson(10)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_LineTooLong(t *testing.T) {
	long := `{"id":"x","fields":{"v":"` + strings.Repeat("a", MaxLineSize) + `"}}`
	_, err := New(&fakeDispatcher{}, parser.New(""), nil, 1).Run(context.Background(), strings.NewReader(long))
	assert.Error(t, err)
}
