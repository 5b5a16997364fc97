// Package solr sends batches to a Solr collection through the JSON update
// handler.
package solr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"golang.org/x/time/rate"

	"docingest/internal/config"
	"docingest/internal/document"
	"docingest/internal/logging"
	"docingest/internal/sink"
	"docingest/internal/transport"
)

const Name = "solr"

// Options are the solr specific keys of sink.options.
type Options struct {
	CommitWithinMS int     `mapstructure:"commit_within_ms"`
	FallbackRate   float64 `mapstructure:"fallback_rate"`
	ContentField   string  `mapstructure:"content_field"`
}

// Doc is the native form of a document: its update JSON, plus what is needed
// to build a delete command. JSON carries the nonce, which keeps Doc values
// unique.
type Doc struct {
	ID     string
	Delete bool
	JSON   string
}

type responseHeader struct {
	ResponseHeader *struct {
		Status int `json:"status"`
		QTime  int `json:"QTime"`
	} `json:"responseHeader"`
	Error *struct {
		Msg  string `json:"msg"`
		Code int    `json:"code"`
	} `json:"error"`
}

// Sink implements sink.Sink[Doc].
type Sink struct {
	client     *transport.Client
	collection string
	opts       Options
	limiter    *rate.Limiter
}

var _ sink.Sink[Doc] = (*Sink)(nil)

// New creates a sink writing to collection through client.
func New(client *transport.Client, collection string, opts Options) *Sink {
	s := &Sink{client: client, collection: collection, opts: opts}
	if opts.FallbackRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.FallbackRate), 1)
	}
	return s
}

// FromConfig connects to Solr, waiting for the collection's ping handler.
func FromConfig(ctx context.Context, cfg config.SinkConfig, retryCfg config.RetryConfig, topts ...transport.Option) (*Sink, error) {
	var opts Options
	if err := cfg.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	client, err := transport.Dial(ctx, transport.Config{
		BaseURL:  cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  cfg.Timeout(),
	}, retryCfg, cfg.Index+"/admin/ping?wt=json", topts...)
	if err != nil {
		return nil, fmt.Errorf("solr: %w", err)
	}
	return New(client, cfg.Index, opts), nil
}

func (s *Sink) Name() string { return Name }

func (s *Sink) Convert(doc *document.Document) (Doc, error) {
	if doc.ID == "" {
		return Doc{}, errors.New("document has no id")
	}
	body, err := json.Marshal(sink.FieldMap(doc, "id", s.opts.ContentField))
	if err != nil {
		return Doc{}, err
	}
	return Doc{ID: doc.ID, Delete: doc.Operation == document.OpDelete, JSON: string(body)}, nil
}

func (s *Sink) BatchOperation(ctx context.Context, batch sink.Batch[Doc]) error {
	sink.MarkAll(batch, document.StatusIndexing, "Sending batch of %d to solr collection %s", batch.Size(), s.collection)
	if err := s.update(ctx, batch.Values()); err != nil {
		return err
	}
	sink.MarkAll(batch, document.StatusIndexed, "Indexed by solr collection %s", s.collection)
	return nil
}

func (s *Sink) ExceptionIndicatesDocumentIssue(err error) bool {
	return sink.IsDocumentIssue(err)
}

// IndividualFallbackOperation resends each document on its own so the
// offending ones can be told apart.
func (s *Sink) IndividualFallbackOperation(ctx context.Context, batch sink.Batch[Doc], err error) int {
	logging.FromContext(ctx).Infof("solr rejected the batch, resending %d documents one by one", batch.Size())
	return sink.ResendIndividually(ctx, Name, batch, s.limiter, func(ctx context.Context, _ *document.Document, native Doc) error {
		return s.update(ctx, []Doc{native})
	})
}

func (s *Sink) PerDocFailLogging(ctx context.Context, err error, doc *document.Document) {
	sink.FailDocument(ctx, Name, err, doc)
}

func (s *Sink) Close() error { return nil }

func (s *Sink) update(ctx context.Context, docs []Doc) error {
	path := s.collection + "/update?" + s.query().Encode()
	resp, err := s.client.Do(ctx, "POST", path, "application/json", encodeUpdate(docs))
	if err != nil {
		return err
	}

	switch {
	case resp.OK():
		var rh responseHeader
		if err := json.Unmarshal(resp.Body, &rh); err != nil || rh.ResponseHeader == nil {
			return fmt.Errorf("%w: solr %d: %s", sink.ErrAmbiguousResponse, resp.Status, transport.Truncate(string(resp.Body), 256))
		}
		if rh.ResponseHeader.Status != 0 {
			return fmt.Errorf("solr update returned status %d", rh.ResponseHeader.Status)
		}
		return nil
	case resp.Status == 400:
		serr := &transport.StatusError{Status: resp.Status, Body: errorMessage(resp.Body)}
		id := ""
		if len(docs) == 1 {
			id = docs[0].ID
		}
		return sink.NewDocumentError(id, serr)
	default:
		return &transport.StatusError{Status: resp.Status, Body: errorMessage(resp.Body)}
	}
}

func (s *Sink) query() url.Values {
	q := url.Values{"wt": {"json"}}
	if s.opts.CommitWithinMS > 0 {
		q.Set("commitWithin", strconv.Itoa(s.opts.CommitWithinMS))
	}
	return q
}

// encodeUpdate builds the request body. A batch without deletes is a plain
// array of documents; otherwise the command form is used, with one "add" or
// "delete" key per document in batch order, so a delete followed by a re-add
// of the same id is applied in that order.
func encodeUpdate(docs []Doc) []byte {
	hasDelete := false
	for _, d := range docs {
		if d.Delete {
			hasDelete = true
			break
		}
	}

	var buf bytes.Buffer
	if !hasDelete {
		buf.WriteByte('[')
		for i, d := range docs {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(d.JSON)
		}
		buf.WriteByte(']')
		return buf.Bytes()
	}

	buf.WriteByte('{')
	for i, d := range docs {
		if i > 0 {
			buf.WriteByte(',')
		}
		if d.Delete {
			id, _ := json.Marshal(d.ID)
			buf.WriteString(`"delete":{"id":`)
			buf.Write(id)
			buf.WriteByte('}')
			continue
		}
		buf.WriteString(`"add":{"doc":`)
		buf.WriteString(d.JSON)
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func errorMessage(body []byte) string {
	var rh responseHeader
	if err := json.Unmarshal(body, &rh); err == nil && rh.Error != nil && rh.Error.Msg != "" {
		return rh.Error.Msg
	}
	return transport.Truncate(string(body), 256)
}
