package payload

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	cerrors "github.com/respcache/respcache/pkg/errors"
	"github.com/respcache/respcache/pkg/retry"
	"github.com/respcache/respcache/pkg/types"
	"github.com/respcache/respcache/pkg/utils"
)

// stutteringStore fails the first failures calls of each read with a
// retryable storage error.
type stutteringStore struct {
	*MemoryStore
	failures int
	calls    int
	err      error
}

func (s *stutteringStore) fail(op string) error {
	s.calls++
	if s.calls <= s.failures {
		if s.err != nil {
			return s.err
		}
		return storageError(cerrors.ErrCodeStorageRead, op, "", io.ErrUnexpectedEOF)
	}
	return nil
}

func (s *stutteringStore) OpenRead(ctx context.Context, location string) (io.ReadCloser, error) {
	if err := s.fail("open_read"); err != nil {
		return nil, err
	}
	return s.MemoryStore.OpenRead(ctx, location)
}

func (s *stutteringStore) Exists(ctx context.Context, location string) (bool, error) {
	if err := s.fail("exists"); err != nil {
		return false, err
	}
	return s.MemoryStore.Exists(ctx, location)
}

func (s *stutteringStore) Delete(ctx context.Context, location string) error {
	if err := s.fail("delete"); err != nil {
		return err
	}
	return s.MemoryStore.Delete(ctx, location)
}

func fastRetry() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.Jitter = false
	return cfg
}

func TestRetrying(t *testing.T) {
	runStoreContract(t, func(t *testing.T) types.PayloadStore {
		return NewRetrying(NewMemoryStore(), fastRetry(), nil)
	})
}

func TestRetryingRecoversFromTransientFailures(t *testing.T) {
	inner := &stutteringStore{MemoryStore: NewMemoryStore()}
	writePayload(t, inner.MemoryStore, "0000000000000001", "body")

	core, logs := observer.New(zapcore.DebugLevel)
	r := NewRetrying(inner, fastRetry(), utils.NewZapSink(zap.New(core)))
	ctx := context.Background()

	inner.failures, inner.calls = 2, 0
	assert.Equal(t, "body", readPayload(t, r, "0000000000000001"))
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, 2, logs.FilterMessageSnippet("retrying payload operation").Len())

	inner.failures, inner.calls = 1, 0
	ok, err := r.Exists(ctx, "0000000000000001")
	require.NoError(t, err)
	assert.True(t, ok)

	inner.failures, inner.calls = 1, 0
	require.NoError(t, r.Delete(ctx, "0000000000000001"))
	assert.Zero(t, inner.Len())
}

func TestRetryingGivesUp(t *testing.T) {
	inner := &stutteringStore{MemoryStore: NewMemoryStore(), failures: 100}
	r := NewRetrying(inner, fastRetry(), nil)

	_, err := r.OpenRead(context.Background(), "0000000000000001")
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeStorageRead, cerrors.Code(err))
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingSkipsPermanentFailures(t *testing.T) {
	inner := NewMemoryStore()
	r := NewRetrying(inner, fastRetry(), nil)

	_, err := r.OpenRead(context.Background(), "00000000000000AA")
	assert.ErrorIs(t, err, types.ErrPayloadNotFound)

	open := &stutteringStore{
		MemoryStore: inner,
		failures:    100,
		err:         cerrors.NewError(cerrors.ErrCodeCircuitOpen, "payload store unavailable"),
	}
	_, err = NewRetrying(open, fastRetry(), nil).Exists(context.Background(), "00000000000000AA")
	assert.Equal(t, cerrors.ErrCodeCircuitOpen, cerrors.Code(err))
	assert.Equal(t, 1, open.calls)
}
