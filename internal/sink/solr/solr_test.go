package solr_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"docingest/internal/batch"
	"docingest/internal/bimap"
	"docingest/internal/config"
	"docingest/internal/document"
	"docingest/internal/sink"
	"docingest/internal/sink/solr"
	"docingest/internal/transport"
	"docingest/internal/transport/transporttest"
)

const okBody = `{"responseHeader":{"status":0,"QTime":3}}`

func newSink(t *testing.T, h fasthttp.RequestHandler, opts solr.Options) *solr.Sink {
	t.Helper()
	srv := transporttest.NewServer(t, h)
	c := transport.New(transport.Config{BaseURL: transporttest.BaseURL + "/solr"}, config.RetryConfig{}, srv.Dial())
	return solr.New(c, "docs", opts)
}

func newBatch(t *testing.T, s *solr.Sink, docs ...*document.Document) sink.Batch[solr.Doc] {
	t.Helper()
	b := bimap.New[*document.Document, solr.Doc]()
	for _, d := range docs {
		native, err := s.Convert(d)
		require.NoError(t, err)
		require.NoError(t, b.Put(d, native))
	}
	return b
}

func doc(id string, op document.Operation, kv ...string) *document.Document {
	d := document.New(id, op)
	for i := 0; i+1 < len(kv); i += 2 {
		d.Put(kv[i], kv[i+1])
	}
	return d
}

func TestConvert(t *testing.T) {
	s := solr.New(nil, "docs", solr.Options{ContentField: "text"})

	d := doc("1", document.OpNew, "title", "hello", "tag", "a", "tag", "b")
	d.Content = []byte("body text")
	native, err := s.Convert(d)
	require.NoError(t, err)
	assert.Equal(t, "1", native.ID)
	assert.False(t, native.Delete)
	assert.JSONEq(t, `{"id":"1","title":"hello","tag":["a","b"],"text":"body text"}`, native.JSON)

	del, err := s.Convert(doc("2", document.OpDelete))
	require.NoError(t, err)
	assert.True(t, del.Delete)

	_, err = s.Convert(document.New("", document.OpNew))
	assert.Error(t, err)
}

func TestBatchOperation_AddsOnly(t *testing.T) {
	var body []byte
	s := newSink(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "/solr/docs/update", string(ctx.Path()))
		assert.Equal(t, "json", string(ctx.QueryArgs().Peek("wt")))
		assert.Equal(t, "500", string(ctx.QueryArgs().Peek("commitWithin")))
		body = append([]byte(nil), ctx.PostBody()...)
		ctx.SetBodyString(okBody)
	}, solr.Options{CommitWithinMS: 500})

	a, b := doc("a", document.OpNew, "t", "x"), doc("b", document.OpUpdate, "t", "y")
	require.NoError(t, s.BatchOperation(context.Background(), newBatch(t, s, a, b)))

	var sent []map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &sent))
	require.Len(t, sent, 2)
	assert.Equal(t, "a", sent[0]["id"])
	assert.Equal(t, "b", sent[1]["id"])
	assert.Equal(t, document.StatusIndexed, a.Status())
	assert.Equal(t, document.StatusIndexed, b.Status())
}

func TestBatchOperation_MixedUsesCommandForm(t *testing.T) {
	var body string
	s := newSink(t, func(ctx *fasthttp.RequestCtx) {
		body = string(ctx.PostBody())
		ctx.SetBodyString(okBody)
	}, solr.Options{})

	require.NoError(t, s.BatchOperation(context.Background(),
		newBatch(t, s, doc("a", document.OpNew), doc("gone", document.OpDelete))))

	assert.True(t, strings.HasPrefix(body, `{"add":{"doc":{`), body)
	assert.True(t, strings.HasSuffix(body, `"delete":{"id":"gone"}}`), body)
	assert.True(t, json.Valid([]byte(body)))
}

func TestBatchOperation_CommandFormKeepsBatchOrder(t *testing.T) {
	var body string
	s := newSink(t, func(ctx *fasthttp.RequestCtx) {
		body = string(ctx.PostBody())
		ctx.SetBodyString(okBody)
	}, solr.Options{})

	// Delete then re-add of the same id must reach Solr in that order.
	require.NoError(t, s.BatchOperation(context.Background(),
		newBatch(t, s, doc("x", document.OpDelete), doc("x", document.OpNew, "t", "new"), doc("y", document.OpDelete))))

	del := strings.Index(body, `"delete":{"id":"x"}`)
	add := strings.Index(body, `"add":{"doc":`)
	last := strings.Index(body, `"delete":{"id":"y"}`)
	require.True(t, del >= 0 && add >= 0 && last >= 0, body)
	assert.Less(t, del, add)
	assert.Less(t, add, last)
	assert.True(t, strings.HasPrefix(body, `{"delete":`), body)
}

func TestBatchOperation_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		ambiguous bool
		docIssue  bool
	}{
		{name: "non zero header status", status: 200, body: `{"responseHeader":{"status":1}}`},
		{name: "unparseable success", status: 200, body: `<html>proxy</html>`, ambiguous: true},
		{name: "success without header", status: 200, body: `{}`, ambiguous: true},
		{name: "bad request", status: 400, body: `{"error":{"msg":"unknown field 'x'","code":400}}`, docIssue: true},
		{name: "server error", status: 503, body: `unavailable`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSink(t, func(ctx *fasthttp.RequestCtx) {
				ctx.SetStatusCode(tt.status)
				ctx.SetBodyString(tt.body)
			}, solr.Options{})

			d := doc("a", document.OpNew)
			err := s.BatchOperation(context.Background(), newBatch(t, s, d))
			require.Error(t, err)
			assert.Equal(t, tt.ambiguous, errors.Is(err, sink.ErrAmbiguousResponse))
			assert.Equal(t, tt.docIssue, s.ExceptionIndicatesDocumentIssue(err))
			assert.Equal(t, document.StatusIndexing, d.Status())

			s.PerDocFailLogging(context.Background(), err, d)
			if tt.ambiguous {
				assert.Equal(t, document.StatusDead, d.Status())
			} else {
				assert.Equal(t, document.StatusError, d.Status())
			}
		})
	}
}

func TestIndividualFallback(t *testing.T) {
	var calls atomic.Int32
	s := newSink(t, func(ctx *fasthttp.RequestCtx) {
		calls.Add(1)
		if strings.Contains(string(ctx.PostBody()), `"bad"`) {
			ctx.SetStatusCode(400)
			ctx.SetBodyString(`{"error":{"msg":"bad doc","code":400}}`)
			return
		}
		ctx.SetBodyString(okBody)
	}, solr.Options{FallbackRate: 1000})

	a, bad, c := doc("a", document.OpNew), doc("bad", document.OpNew), doc("c", document.OpNew)
	b := newBatch(t, s, a, bad, c)

	n := s.IndividualFallbackOperation(context.Background(), b, errors.New("batch rejected"))
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, document.StatusIndexed, a.Status())
	assert.Equal(t, document.StatusError, bad.Status())
	assert.Contains(t, bad.StatusMessage(), "bad doc")
	assert.Equal(t, document.StatusIndexed, c.Status())
}

func TestEngineRoundTrip(t *testing.T) {
	var requests atomic.Int32
	s := newSink(t, func(ctx *fasthttp.RequestCtx) {
		requests.Add(1)
		if strings.Contains(string(ctx.PostBody()), `"poison"`) {
			ctx.SetStatusCode(400)
			ctx.SetBodyString(`{"error":{"msg":"poison","code":400}}`)
			return
		}
		ctx.SetBodyString(okBody)
	}, solr.Options{})

	e, err := batch.New[solr.Doc](s, batch.WithBatchSize(10), batch.WithFlushDelay(time.Hour))
	require.NoError(t, err)
	defer e.Stop()

	docs := []*document.Document{doc("a", document.OpNew), doc("poison", document.OpNew), doc("c", document.OpNew)}
	for _, d := range docs {
		require.NoError(t, e.Submit(d))
	}
	e.Flush()

	assert.Equal(t, int32(4), requests.Load(), "one batch request plus three individual resends")
	assert.Equal(t, int64(2), e.DocsSucceeded())
	assert.Equal(t, document.StatusIndexed, docs[0].Status())
	assert.Equal(t, document.StatusError, docs[1].Status())
	assert.Equal(t, document.StatusIndexed, docs[2].Status())
}
