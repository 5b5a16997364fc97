package status

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"docingest/internal/document"
)

// HashClient is the slice of a Redis client the store needs.
type HashClient interface {
	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, error)
	Close() error
}

// GoRedisHash implements HashClient with go-redis.
type GoRedisHash struct{ c *redis.Client }

func NewGoRedisHash(addr string) *GoRedisHash {
	return &GoRedisHash{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisHash) HSet(ctx context.Context, key, field string, value []byte) error {
	return g.c.HSet(ctx, key, field, value).Err()
}

func (g *GoRedisHash) HGet(ctx context.Context, key, field string) ([]byte, error) {
	b, err := g.c.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (g *GoRedisHash) Close() error { return g.c.Close() }

// RedisStore keeps the latest status of every document in one Redis hash.
type RedisStore struct {
	client  HashClient
	key     string
	timeout time.Duration
}

func NewRedisStore(client HashClient, key string) *RedisStore {
	return &RedisStore{client: client, key: key, timeout: 5 * time.Second}
}

func (s *RedisStore) ReportStatus(u document.StatusUpdate) {
	val, err := encode(u)
	if err != nil {
		logrus.Errorf("redis status: encode %s: %v", u.DocID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.client.HSet(ctx, s.key, u.DocID, val); err != nil {
		logrus.Errorf("redis status: write %s: %v", u.DocID, err)
	}
}

func (s *RedisStore) Get(ctx context.Context, docID string) (document.StatusUpdate, error) {
	b, err := s.client.HGet(ctx, s.key, docID)
	if err != nil {
		return document.StatusUpdate{}, err
	}
	return decode(b)
}

func (s *RedisStore) Close() error { return s.client.Close() }
