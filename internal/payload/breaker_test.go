package payload

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/respcache/respcache/pkg/errors"
	"github.com/respcache/respcache/pkg/types"
)

// flakyStore fails every call while down is set.
type flakyStore struct {
	*MemoryStore
	down  bool
	calls int
}

var errBackendDown = errors.New("backend down")

func (f *flakyStore) OpenRead(ctx context.Context, location string) (io.ReadCloser, error) {
	f.calls++
	if f.down {
		return nil, errBackendDown
	}
	return f.MemoryStore.OpenRead(ctx, location)
}

func (f *flakyStore) Exists(ctx context.Context, location string) (bool, error) {
	f.calls++
	if f.down {
		return false, errBackendDown
	}
	return f.MemoryStore.Exists(ctx, location)
}

func TestBreaker(t *testing.T) {
	runStoreContract(t, func(t *testing.T) types.PayloadStore {
		return NewBreaker(NewMemoryStore(), BreakerConfig{})
	})
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), down: true}
	b := NewBreaker(inner, BreakerConfig{FailureThreshold: 3, Timeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.OpenRead(ctx, "loc")
		require.ErrorIs(t, err, errBackendDown)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Exists(ctx, "loc")
	require.Error(t, err)
	assert.Equal(t, cerrors.ErrCodeCircuitOpen, cerrors.Code(err))
	assert.Equal(t, 3, inner.calls, "open circuit must not reach the backend")
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	b := NewBreaker(NewMemoryStore(), BreakerConfig{FailureThreshold: 2, Timeout: time.Hour})

	for i := 0; i < 5; i++ {
		_, err := b.OpenRead(context.Background(), "missing")
		require.ErrorIs(t, err, types.ErrPayloadNotFound)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerReportsStateChanges(t *testing.T) {
	var transitions []gobreaker.State
	inner := &flakyStore{MemoryStore: NewMemoryStore(), down: true}
	b := NewBreaker(inner, BreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Hour,
		OnStateChange: func(_ string, _, to gobreaker.State) {
			transitions = append(transitions, to)
		},
	})

	_, _ = b.Exists(context.Background(), "loc")
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)
}
