// Package bulk sends batches to OpenSearch or Elasticsearch through the
// _bulk API. The per-item results of a bulk response let a failed batch be
// resolved without resending anything.
package bulk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/time/rate"

	"docingest/internal/config"
	"docingest/internal/document"
	"docingest/internal/logging"
	"docingest/internal/sink"
	"docingest/internal/transport"
)

// Flavor selects the backend dialect. Both speak the same bulk format; they
// differ in authentication.
type Flavor int

const (
	OpenSearch Flavor = iota
	Elasticsearch
)

func (f Flavor) String() string {
	if f == Elasticsearch {
		return config.SinkElasticsearch
	}
	return config.SinkOpenSearch
}

// Options are the bulk specific keys of sink.options.
type Options struct {
	// Refresh is passed through as the refresh query parameter.
	Refresh      string  `mapstructure:"refresh"`
	FallbackRate float64 `mapstructure:"fallback_rate"`
	ContentField string  `mapstructure:"content_field"`
}

// Action is the native form of a document: one bulk action line and, for
// index actions, the source line.
type Action struct {
	ID     string
	Delete bool
	Source string
}

// ItemResult is the outcome of one bulk action.
type ItemResult struct {
	ID     string
	Status int
	Reason string
}

// OK reports whether the item counts as applied.
func (r ItemResult) OK(delete bool) bool {
	if r.Status >= 200 && r.Status < 300 {
		return true
	}
	// Deleting a document that is not there leaves the index as intended.
	return delete && r.Status == 404
}

// ItemsError is returned when a bulk request was accepted but some actions
// failed. Items are in request order.
type ItemsError struct {
	Items  []ItemResult
	Failed int
}

func (e *ItemsError) Error() string {
	for _, it := range e.Items {
		if !it.OK(false) {
			return fmt.Sprintf("bulk request had %d failed items out of %d, first: %s status %d: %s",
				e.Failed, len(e.Items), it.ID, it.Status, it.Reason)
		}
	}
	return fmt.Sprintf("bulk request had %d failed items out of %d", e.Failed, len(e.Items))
}

type bulkResponse struct {
	Errors *bool                         `json:"errors"`
	Items  []map[string]bulkResponseItem `json:"items"`
}

type bulkResponseItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// Sink implements sink.Sink[Action].
type Sink struct {
	flavor  Flavor
	client  *transport.Client
	index   string
	opts    Options
	limiter *rate.Limiter
}

var _ sink.Sink[Action] = (*Sink)(nil)

// New creates a sink writing to index through client.
func New(flavor Flavor, client *transport.Client, index string, opts Options) *Sink {
	s := &Sink{flavor: flavor, client: client, index: index, opts: opts}
	if opts.FallbackRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.FallbackRate), 1)
	}
	return s
}

// FromConfig connects to the cluster, waiting for _cluster/health to answer.
func FromConfig(ctx context.Context, flavor Flavor, cfg config.SinkConfig, retryCfg config.RetryConfig, topts ...transport.Option) (*Sink, error) {
	var opts Options
	if err := cfg.DecodeOptions(&opts); err != nil {
		return nil, err
	}
	tcfg := transport.Config{
		BaseURL:  cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  cfg.Timeout(),
	}
	if flavor == Elasticsearch {
		tcfg.APIKey = cfg.APIKey
	}
	client, err := transport.Dial(ctx, tcfg, retryCfg, "_cluster/health", topts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", flavor, err)
	}
	return New(flavor, client, cfg.Index, opts), nil
}

func (s *Sink) Name() string { return s.flavor.String() }

func (s *Sink) Convert(doc *document.Document) (Action, error) {
	if doc.ID == "" {
		return Action{}, errors.New("document has no id")
	}
	src, err := json.Marshal(sink.FieldMap(doc, "", s.opts.ContentField))
	if err != nil {
		return Action{}, err
	}
	return Action{ID: doc.ID, Delete: doc.Operation == document.OpDelete, Source: string(src)}, nil
}

func (s *Sink) BatchOperation(ctx context.Context, batch sink.Batch[Action]) error {
	sink.MarkAll(batch, document.StatusIndexing, "Sending batch of %d to %s index %s", batch.Size(), s.Name(), s.index)
	if err := s.bulk(ctx, batch.Values()); err != nil {
		return err
	}
	sink.MarkAll(batch, document.StatusIndexed, "Indexed by %s index %s", s.Name(), s.index)
	return nil
}

func (s *Sink) ExceptionIndicatesDocumentIssue(err error) bool {
	var ie *ItemsError
	return errors.As(err, &ie) || sink.IsDocumentIssue(err)
}

// IndividualFallbackOperation reads the per-item results when the bulk
// response had them and resends one by one otherwise. Items come back in
// request order; an item whose id does not match its action leaves the
// document DEAD.
func (s *Sink) IndividualFallbackOperation(ctx context.Context, batch sink.Batch[Action], err error) int {
	var ie *ItemsError
	if !errors.As(err, &ie) {
		logging.FromContext(ctx).Infof("%s rejected the request, resending %d documents one by one", s.Name(), batch.Size())
		return sink.ResendIndividually(ctx, s.Name(), batch, s.limiter, func(ctx context.Context, _ *document.Document, a Action) error {
			return s.bulk(ctx, []Action{a})
		})
	}

	succeeded := 0
	for i, e := range batch.Entries() {
		doc, action := e.Key, e.Value
		if i >= len(ie.Items) {
			s.PerDocFailLogging(ctx, fmt.Errorf("%w: no bulk item for document %s", sink.ErrAmbiguousResponse, doc.ID), doc)
			continue
		}
		item := ie.Items[i]
		if item.ID != action.ID {
			s.PerDocFailLogging(ctx, fmt.Errorf("%w: bulk item %d is for %q, expected %q",
				sink.ErrAmbiguousResponse, i, item.ID, action.ID), doc)
			continue
		}
		if item.OK(action.Delete) {
			doc.SetStatus(document.StatusIndexed, "Indexed by %s (bulk item status %d)", s.Name(), item.Status)
			doc.ReportDocStatus()
			succeeded++
			continue
		}
		s.PerDocFailLogging(ctx, sink.NewDocumentError(doc.ID, fmt.Errorf("status %d: %s", item.Status, item.Reason)), doc)
	}
	return succeeded
}

func (s *Sink) PerDocFailLogging(ctx context.Context, err error, doc *document.Document) {
	sink.FailDocument(ctx, s.Name(), err, doc)
}

func (s *Sink) Close() error { return nil }

func (s *Sink) bulk(ctx context.Context, actions []Action) error {
	path := "_bulk"
	if s.opts.Refresh != "" {
		path += "?" + url.Values{"refresh": {s.opts.Refresh}}.Encode()
	}
	body, err := s.encode(actions)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(ctx, "POST", path, "application/x-ndjson", body)
	if err != nil {
		return err
	}

	switch {
	case resp.OK():
		var br bulkResponse
		if err := json.Unmarshal(resp.Body, &br); err != nil || br.Errors == nil {
			return fmt.Errorf("%w: %s %d: %s", sink.ErrAmbiguousResponse, s.Name(), resp.Status, transport.Truncate(string(resp.Body), 256))
		}
		if !*br.Errors {
			return nil
		}
		return itemsError(br)
	case resp.Status == 400:
		id := ""
		if len(actions) == 1 {
			id = actions[0].ID
		}
		return sink.NewDocumentError(id, &transport.StatusError{Status: resp.Status, Body: transport.Truncate(string(resp.Body), 256)})
	default:
		return &transport.StatusError{Status: resp.Status, Body: transport.Truncate(string(resp.Body), 256)}
	}
}

func (s *Sink) encode(actions []Action) ([]byte, error) {
	var buf bytes.Buffer
	for _, a := range actions {
		op := "index"
		if a.Delete {
			op = "delete"
		}
		meta, err := json.Marshal(map[string]map[string]string{op: {"_index": s.index, "_id": a.ID}})
		if err != nil {
			return nil, err
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		if !a.Delete {
			buf.WriteString(a.Source)
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

func itemsError(br bulkResponse) *ItemsError {
	ie := &ItemsError{Items: make([]ItemResult, 0, len(br.Items))}
	for _, entry := range br.Items {
		// Each entry has exactly one key: the action name.
		for _, it := range entry {
			r := ItemResult{ID: it.ID, Status: it.Status}
			if it.Error != nil {
				r.Reason = it.Error.Type + ": " + it.Error.Reason
			}
			if !r.OK(false) {
				ie.Failed++
			}
			ie.Items = append(ie.Items, r)
		}
	}
	return ie
}
