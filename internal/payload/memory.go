package payload

import (
	"bytes"
	"context"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/respcache/respcache/internal/lock"
	"github.com/respcache/respcache/pkg/types"
)

// MemoryStore keeps payloads in a map. Stored slices are never mutated, so
// readers keep a consistent view after a concurrent overwrite or delete.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

// OpenRead returns a reader over the stored bytes.
func (s *MemoryStore) OpenRead(ctx context.Context, location string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g := lock.Read(&s.mu)
	data, ok := s.items[location]
	g.Unlock()
	if !ok {
		return nil, notFound(location)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// OpenWrite buffers the payload until Commit.
func (s *MemoryStore) OpenWrite(ctx context.Context, location string) (types.PayloadWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validLocation(location); err != nil {
		return nil, err
	}
	return &memoryWriter{store: s, location: location}, nil
}

// Delete removes the payload.
func (s *MemoryStore) Delete(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer lock.Write(&s.mu).Unlock()
	delete(s.items, location)
	return nil
}

// Exists reports whether a payload is stored at location.
func (s *MemoryStore) Exists(ctx context.Context, location string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	defer lock.Read(&s.mu).Unlock()
	_, ok := s.items[location]
	return ok, nil
}

// List returns all locations in sorted order.
func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g := lock.Read(&s.mu)
	out := make([]string, 0, len(s.items))
	for loc := range s.items {
		out = append(out, loc)
	}
	g.Unlock()
	sort.Strings(out)
	return out, nil
}

// Len returns the number of stored payloads.
func (s *MemoryStore) Len() int {
	defer lock.Read(&s.mu).Unlock()
	return len(s.items)
}

type memoryWriter struct {
	store    *MemoryStore
	location string
	buf      bytes.Buffer
	done     bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Commit() error {
	if w.done {
		return os.ErrClosed
	}
	w.done = true
	data := append([]byte(nil), w.buf.Bytes()...)
	defer lock.Write(&w.store.mu).Unlock()
	w.store.items[w.location] = data
	return nil
}

func (w *memoryWriter) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}
