package payload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	cerrors "github.com/respcache/respcache/pkg/errors"
	"github.com/respcache/respcache/pkg/types"
)

const redisScanCount = 256

// RedisStore keeps payloads as Redis string values under a namespace.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisStore wraps client. Keys are prefixed with namespace and a colon.
func NewRedisStore(client redis.UniversalClient, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "respcache"
	}
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) key(location string) string {
	return s.namespace + ":" + location
}

// OpenRead fetches the whole value.
func (s *RedisStore) OpenRead(ctx context.Context, location string) (io.ReadCloser, error) {
	data, err := s.client.Get(ctx, s.key(location)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(location)
		}
		return nil, storageError(cerrors.ErrCodeStorageRead, "open_read", location, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// OpenWrite buffers the payload and SETs it on Commit.
func (s *RedisStore) OpenWrite(ctx context.Context, location string) (types.PayloadWriter, error) {
	if err := validLocation(location); err != nil {
		return nil, err
	}
	return &redisWriter{ctx: ctx, store: s, location: location}, nil
}

// Delete removes the key.
func (s *RedisStore) Delete(ctx context.Context, location string) error {
	if err := s.client.Del(ctx, s.key(location)).Err(); err != nil {
		return storageError(cerrors.ErrCodeStorageDelete, "delete", location, err)
	}
	return nil
}

// Exists reports whether the key is present.
func (s *RedisStore) Exists(ctx context.Context, location string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(location)).Result()
	if err != nil {
		return false, storageError(cerrors.ErrCodeStorageRead, "exists", location, err)
	}
	return n > 0, nil
}

// List scans the namespace.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	prefix := s.namespace + ":"
	var out []string
	iter := s.client.Scan(ctx, 0, prefix+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, storageError(cerrors.ErrCodeStorageRead, "list", prefix, err)
	}
	return out, nil
}

type redisWriter struct {
	ctx      context.Context
	store    *RedisStore
	location string
	buf      bytes.Buffer
	done     bool
}

func (w *redisWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *redisWriter) Commit() error {
	if w.done {
		return os.ErrClosed
	}
	w.done = true
	if err := w.store.client.Set(w.ctx, w.store.key(w.location), w.buf.Bytes(), 0).Err(); err != nil {
		return storageError(cerrors.ErrCodeStorageWrite, "commit", w.location, err)
	}
	return nil
}

func (w *redisWriter) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}
