// Package status persists and logs document status transitions. Stores are
// StatusReporters that also answer lookups for the HTTP API.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"

	"docingest/internal/document"
)

// ErrNotFound is returned by Get for a document never reported.
var ErrNotFound = errors.New("no status recorded")

// Store records the latest status of each document.
type Store interface {
	document.StatusReporter
	Get(ctx context.Context, docID string) (document.StatusUpdate, error)
	Close() error
}

// Fanout reports to every reporter in order.
type Fanout []document.StatusReporter

func (f Fanout) ReportStatus(u document.StatusUpdate) {
	for _, r := range f {
		r.ReportStatus(u)
	}
}

// CloseAll closes every reporter that has a Close method.
func (f Fanout) CloseAll() error {
	var result *multierror.Error
	for _, r := range f {
		if c, ok := r.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

// Memory keeps the latest update per document in a map.
type Memory struct {
	mu   sync.RWMutex
	last map[string]document.StatusUpdate
}

func NewMemory() *Memory {
	return &Memory{last: make(map[string]document.StatusUpdate)}
}

func (m *Memory) ReportStatus(u document.StatusUpdate) {
	m.mu.Lock()
	m.last[u.DocID] = u
	m.mu.Unlock()
}

func (m *Memory) Get(_ context.Context, docID string) (document.StatusUpdate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.last[docID]
	if !ok {
		return document.StatusUpdate{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) Close() error { return nil }

func encode(u document.StatusUpdate) ([]byte, error) {
	return json.Marshal(u)
}

func decode(b []byte) (document.StatusUpdate, error) {
	var u document.StatusUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return u, err
	}
	s, err := document.ParseStatus(u.State)
	if err != nil {
		return u, err
	}
	u.Status = s
	return u, nil
}
