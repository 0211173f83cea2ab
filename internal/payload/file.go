package payload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/respcache/respcache/pkg/errors"
	"github.com/respcache/respcache/pkg/types"
)

const tmpPrefix = ".tmp-"

// FileStore keeps each payload in its own file under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "cache directory cannot be empty").
			WithComponent(component)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(location string) (string, error) {
	if err := validLocation(location); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, location), nil
}

// OpenRead opens the payload file.
func (s *FileStore) OpenRead(ctx context.Context, location string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) // #nosec G304 -- location validated above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(location)
		}
		return nil, storageError(errors.ErrCodeStorageRead, "open_read", location, err)
	}
	return f, nil
}

// OpenWrite writes to a temp file in the same directory; Commit renames it
// into place.
func (s *FileStore) OpenWrite(ctx context.Context, location string) (types.PayloadWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(location)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.dir, tmpPrefix+"*")
	if err != nil {
		return nil, storageError(errors.ErrCodeStorageWrite, "open_write", location, err)
	}
	return &fileWriter{file: f, target: path, location: location}, nil
}

// Delete removes the payload file.
func (s *FileStore) Delete(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(location)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return storageError(errors.ErrCodeStorageDelete, "delete", location, err)
	}
	return nil
}

// Exists reports whether the payload file is present.
func (s *FileStore) Exists(ctx context.Context, location string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.path(location)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, storageError(errors.ErrCodeStorageRead, "exists", location, err)
	}
	return info.Mode().IsRegular(), nil
}

// List returns every committed payload location. Leftover temp files from
// interrupted writes are removed along the way.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, storageError(errors.ErrCodeStorageRead, "list", s.dir, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.Type().IsRegular() {
			continue
		}
		if strings.HasPrefix(e.Name(), tmpPrefix) {
			_ = os.Remove(filepath.Join(s.dir, e.Name()))
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

type fileWriter struct {
	file     *os.File
	target   string
	location string
	done     bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	n, err := w.file.Write(p)
	if err != nil {
		return n, storageError(errors.ErrCodeStorageWrite, "write", w.location, err)
	}
	return n, nil
}

func (w *fileWriter) Commit() error {
	if w.done {
		return os.ErrClosed
	}
	w.done = true

	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		_ = os.Remove(w.file.Name())
		return storageError(errors.ErrCodeStorageWrite, "commit", w.location, err)
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.file.Name())
		return storageError(errors.ErrCodeStorageWrite, "commit", w.location, err)
	}
	if err := os.Rename(w.file.Name(), w.target); err != nil {
		_ = os.Remove(w.file.Name())
		return storageError(errors.ErrCodeStorageWrite, "commit", w.location, err)
	}
	return nil
}

func (w *fileWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.file.Close()
	if err := os.Remove(w.file.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
