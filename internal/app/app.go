// Package app assembles the pipeline described by a config: the sink with its
// retry decorator, the batch engine, status stores and flush listeners.
package app

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"docingest/internal/batch"
	"docingest/internal/config"
	"docingest/internal/dlq"
	"docingest/internal/document"
	"docingest/internal/metrics"
	"docingest/internal/sink"
	"docingest/internal/sink/blevesink"
	"docingest/internal/sink/bulk"
	"docingest/internal/sink/solr"
	"docingest/internal/status"
	"docingest/internal/transport"
)

// App owns every long lived component.
type App struct {
	Config     *config.Config
	Dispatcher batch.Dispatcher
	// Reporter is attached to every submitted document.
	Reporter document.StatusReporter
	// Store answers status lookups.
	Store    status.Store
	Registry *prometheus.Registry

	closers []func() error
}

type options struct {
	transport []transport.Option
	redis     status.HashClient
	producer  dlq.Producer
}

// Option overrides how external clients are created.
type Option func(*options)

// WithTransport adds options to the HTTP client of remote sinks.
func WithTransport(opts ...transport.Option) Option {
	return func(o *options) { o.transport = append(o.transport, opts...) }
}

// WithRedis uses c instead of dialing status.redis_addr.
func WithRedis(c status.HashClient) Option { return func(o *options) { o.redis = c } }

// WithProducer uses p instead of dialing dlq.brokers.
func WithProducer(p dlq.Producer) Option { return func(o *options) { o.producer = p } }

// New builds the pipeline. On error everything built so far is closed.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			if cerr := a.Close(); cerr != nil {
				logrus.Warnf("cleanup after failed start: %v", cerr)
			}
		}
	}()

	if err := a.buildStatus(o); err != nil {
		return nil, err
	}

	engine, err := a.buildEngine(ctx, o)
	if err != nil {
		return nil, err
	}
	a.Dispatcher = engine

	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		col, err := metrics.New(a.Registry, engine.SinkName(), engine.Stats)
		if err != nil {
			return nil, err
		}
		engine.AddListener(col)
	}

	dlqEnabled := cfg.DLQ.Enabled() || o.producer != nil
	if dlqEnabled {
		p := o.producer
		if p == nil {
			client, err := dlq.Dial(cfg.DLQ.Brokers)
			if err != nil {
				return nil, err
			}
			p = client
		}
		pub := dlq.NewPublisher(p, cfg.DLQ.Topic, engine.SinkName())
		a.closers = append(a.closers, pub.Close)
		engine.AddListener(pub)
	}

	logrus.Infof("pipeline ready | sink=%s status=%s metrics=%t dlq=%t",
		engine.SinkName(), cfg.Status.Type, cfg.Metrics.Enabled, dlqEnabled)
	return a, nil
}

func (a *App) buildStatus(o options) error {
	cfg := a.Config.Status
	switch cfg.Type {
	case config.StatusPebble:
		s, err := status.OpenPebble(cfg.Path)
		if err != nil {
			return err
		}
		a.Store = s
	case config.StatusRedis:
		c := o.redis
		if c == nil {
			c = status.NewGoRedisHash(cfg.RedisAddr)
		}
		a.Store = status.NewRedisStore(c, cfg.RedisKey)
	default:
		a.Store = status.NewMemory()
	}
	a.closers = append(a.closers, a.Store.Close)
	a.Reporter = status.Fanout{status.NewLogReporter(nil), a.Store}
	return nil
}

func (a *App) buildEngine(ctx context.Context, o options) (batch.Dispatcher, error) {
	cfg := a.Config
	switch cfg.Sink.Type {
	case config.SinkSolr:
		s, err := solr.FromConfig(ctx, cfg.Sink, cfg.Retry, o.transport...)
		if err != nil {
			return nil, err
		}
		return startEngine[solr.Doc](a, s)
	case config.SinkOpenSearch, config.SinkElasticsearch:
		flavor := bulk.OpenSearch
		if cfg.Sink.Type == config.SinkElasticsearch {
			flavor = bulk.Elasticsearch
		}
		s, err := bulk.FromConfig(ctx, flavor, cfg.Sink, cfg.Retry, o.transport...)
		if err != nil {
			return nil, err
		}
		return startEngine[bulk.Action](a, s)
	case config.SinkBleve:
		var bo blevesink.Options
		if err := cfg.Sink.DecodeOptions(&bo); err != nil {
			return nil, err
		}
		s, err := blevesink.Open(cfg.Sink.URL, bo)
		if err != nil {
			return nil, err
		}
		return startEngine[*blevesink.Record](a, s)
	case config.SinkCSV:
		s, err := sink.NewCSVSink(cfg.Sink.URL)
		if err != nil {
			return nil, err
		}
		return startEngine[*sink.CSVRow](a, s)
	}
	return nil, fmt.Errorf("unsupported sink type: %s", cfg.Sink.Type)
}

func startEngine[R comparable](a *App, s sink.Sink[R]) (batch.Dispatcher, error) {
	a.closers = append(a.closers, s.Close)

	wrapped := sink.NewRetrySink[R](s, a.Config.Retry.Attempts, a.Config.Retry.DelayMS)
	e, err := batch.New[R](wrapped,
		batch.WithBatchSize(a.Config.Batch.Size),
		batch.WithFlushDelay(a.Config.Batch.FlushDelay()),
		batch.WithNonceField(a.Config.Batch.NonceField),
		batch.WithLogger(logrus.WithField("component", "batch")),
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Drain sends whatever is still batched. Call it at the end of input, before
// Close.
func (a *App) Drain() {
	if a.Dispatcher != nil {
		a.Dispatcher.Flush()
	}
}

// Close stops the engine, then closes listeners, the sink and stores.
// Documents still batched keep their BATCHED status.
func (a *App) Close() error {
	if a.Dispatcher != nil {
		a.Dispatcher.Stop()
	}
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}
