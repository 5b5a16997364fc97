// Package dlq publishes documents that ended a flush in ERROR or DEAD to a
// Kafka dead-letter topic so they can be inspected or replayed.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"docingest/internal/document"
)

// Message is the JSON value of a dead-letter record.
type Message struct {
	DocID     string              `json:"doc_id"`
	Operation string              `json:"operation"`
	Scanner   string              `json:"scanner,omitempty"`
	ParentID  string              `json:"parent_id,omitempty"`
	Sink      string              `json:"sink"`
	Status    string              `json:"status"`
	Reason    string              `json:"reason"`
	Fields    map[string][]string `json:"fields,omitempty"`
	FailedAt  time.Time           `json:"failed_at"`
}

// Producer is the part of *kgo.Client the publisher uses.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher is a batch.BatchSendListener forwarding failed documents.
type Publisher struct {
	client  Producer
	topic   string
	sink    string
	timeout time.Duration
}

// Dial creates a Kafka client for brokers.
func Dial(brokers []string) (*kgo.Client, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.GzipCompression()),
		kgo.RequestRetries(10),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ kafka client: %w", err)
	}
	return client, nil
}

func NewPublisher(client Producer, topic, sinkName string) *Publisher {
	return &Publisher{client: client, topic: topic, sink: sinkName, timeout: 10 * time.Second}
}

// BatchSent publishes one record per failed document, keyed by document id.
func (p *Publisher) BatchSent(docs []*document.Document) {
	var records []*kgo.Record
	for _, d := range docs {
		st := d.Status()
		if st != document.StatusError && st != document.StatusDead {
			continue
		}
		val, err := json.Marshal(Message{
			DocID:     d.ID,
			Operation: d.Operation.String(),
			Scanner:   d.ScannerName,
			ParentID:  d.ParentID,
			Sink:      p.sink,
			Status:    st.String(),
			Reason:    d.StatusMessage(),
			Fields:    d.Fields(),
			FailedAt:  time.Now().UTC(),
		})
		if err != nil {
			logrus.Errorf("dlq: encode %s: %v", d.ID, err)
			continue
		}
		records = append(records, &kgo.Record{Topic: p.topic, Key: []byte(d.ID), Value: val})
	}
	if len(records) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var result *multierror.Error
	for _, r := range p.client.ProduceSync(ctx, records...) {
		if r.Err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", r.Record.Key, r.Err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		logrus.Errorf("dlq: failed to publish to %s: %v", p.topic, err)
		return
	}
	logrus.Infof("dlq: published %d failed documents to %s", len(records), p.topic)
}

func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}
