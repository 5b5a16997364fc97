package status

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pebble "github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/sirupsen/logrus"

	"docingest/internal/document"
)

const (
	keyPrefix = "status:"
	// keyLimit sorts right after every keyPrefix key.
	keyLimit = "status;"
)

// PebbleStore is a durable status journal keyed by document id. Terminal
// statuses are written with Sync, in-flight ones without.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens or creates the journal at path.
func OpenPebble(path string) (*PebbleStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return openPebble(path, &pebble.Options{})
}

// OpenPebbleFS is OpenPebble on an explicit filesystem, typically vfs.NewMem.
func OpenPebbleFS(path string, fs vfs.FS) (*PebbleStore, error) {
	return openPebble(path, &pebble.Options{FS: fs})
}

func openPebble(path string, opts *pebble.Options) (*PebbleStore, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open status journal %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) ReportStatus(u document.StatusUpdate) {
	val, err := encode(u)
	if err != nil {
		logrus.Errorf("status journal: encode %s: %v", u.DocID, err)
		return
	}
	opt := pebble.NoSync
	if u.Status.Terminal() {
		opt = pebble.Sync
	}
	if err := s.db.Set([]byte(keyPrefix+u.DocID), val, opt); err != nil {
		logrus.Errorf("status journal: write %s: %v", u.DocID, err)
	}
}

func (s *PebbleStore) Get(_ context.Context, docID string) (document.StatusUpdate, error) {
	v, closer, err := s.db.Get([]byte(keyPrefix + docID))
	if errors.Is(err, pebble.ErrNotFound) {
		return document.StatusUpdate{}, ErrNotFound
	}
	if err != nil {
		return document.StatusUpdate{}, err
	}
	defer closer.Close()
	return decode(v)
}

// Iterate calls fn for every recorded document in id order.
func (s *PebbleStore) Iterate(fn func(u document.StatusUpdate) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyLimit),
	})
	if err != nil {
		return err
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		u, err := decode(it.Value())
		if err != nil {
			return fmt.Errorf("status journal: decode %s: %w", it.Key(), err)
		}
		if err := fn(u); err != nil {
			return err
		}
	}
	return nil
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
