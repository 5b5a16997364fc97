// Package metrics exposes batch engine activity to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docingest/internal/batch"
	"docingest/internal/document"
)

const namespace = "docingest"

// Collector counts flushed batches and the status each document ended the
// flush with. Register it as a batch.BatchSendListener.
type Collector struct {
	batches   prometheus.Counter
	docs      *prometheus.CounterVec
	batchSize prometheus.Histogram
}

// New registers the collectors on reg. stats feeds the engine counters; it may
// be nil.
func New(reg prometheus.Registerer, sinkName string, stats func() batch.Stats) (*Collector, error) {
	labels := prometheus.Labels{"sink": sinkName}
	c := &Collector{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "batches_sent_total",
			Help:        "Non-empty batches handed to the sink.",
			ConstLabels: labels,
		}),
		docs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "documents_flushed_total",
			Help:        "Documents per status at the end of their flush.",
			ConstLabels: labels,
		}, []string{"status"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "batch_size",
			Help:        "Documents per flushed batch.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}

	cs := []prometheus.Collector{c.batches, c.docs, c.batchSize}
	if stats != nil {
		cs = append(cs,
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Name: "documents_received_total",
				Help: "Documents accepted into a batch.", ConstLabels: labels,
			}, func() float64 { return float64(stats().Received) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Name: "documents_attempted_total",
				Help: "Documents included in a send attempt.", ConstLabels: labels,
			}, func() float64 { return float64(stats().Attempted) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace, Name: "documents_succeeded_total",
				Help: "Documents the sink confirmed.", ConstLabels: labels,
			}, func() float64 { return float64(stats().Succeeded) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Name: "documents_pending",
				Help: "Documents in the live batch.", ConstLabels: labels,
			}, func() float64 { return float64(stats().Pending) }),
		)
	}
	for _, col := range cs {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// BatchSent implements batch.BatchSendListener.
func (c *Collector) BatchSent(docs []*document.Document) {
	c.batches.Inc()
	c.batchSize.Observe(float64(len(docs)))
	for _, d := range docs {
		c.docs.WithLabelValues(d.Status().String()).Inc()
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
