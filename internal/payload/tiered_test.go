package payload

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/respcache/respcache/pkg/types"
)

func TestTiered(t *testing.T) {
	runStoreContract(t, func(t *testing.T) types.PayloadStore {
		tiered, err := NewTiered(NewMemoryStore(), TieredConfig{MaxCost: 1 << 20, MaxItemSize: 1 << 10})
		require.NoError(t, err)
		t.Cleanup(func() { _ = tiered.Close() })
		return tiered
	})
}

func TestTieredServesSmallPayloadsFromMemory(t *testing.T) {
	inner := NewMemoryStore()
	tiered, err := NewTiered(inner, TieredConfig{MaxCost: 1 << 20, MaxItemSize: 1 << 10})
	require.NoError(t, err)
	defer tiered.Close()

	writePayload(t, tiered, "small", "tiny body")
	writePayload(t, tiered, "large", strings.Repeat("x", 4096))

	// remove behind the tier's back
	ctx := context.Background()
	require.NoError(t, inner.Delete(ctx, "small"))
	require.NoError(t, inner.Delete(ctx, "large"))

	assert.Equal(t, "tiny body", readPayload(t, tiered, "small"))
	ok, err := tiered.Exists(ctx, "large")
	require.NoError(t, err)
	assert.False(t, ok, "oversized payload must not be kept in memory")
	assert.Greater(t, tiered.HitRatio(), 0.0)
}

func TestTieredDeleteEvictsHotCopy(t *testing.T) {
	tiered, err := NewTiered(NewMemoryStore(), TieredConfig{MaxCost: 1 << 20, MaxItemSize: 1 << 10})
	require.NoError(t, err)
	defer tiered.Close()

	writePayload(t, tiered, "loc", "body")
	require.NoError(t, tiered.Delete(context.Background(), "loc"))

	ok, err := tiered.Exists(context.Background(), "loc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTieredPopulatesOnRead(t *testing.T) {
	inner := NewMemoryStore()
	writePayload(t, inner, "cold", "from disk")

	tiered, err := NewTiered(inner, TieredConfig{MaxCost: 1 << 20, MaxItemSize: 1 << 10})
	require.NoError(t, err)
	defer tiered.Close()

	assert.Equal(t, "from disk", readPayload(t, tiered, "cold"))
	require.NoError(t, inner.Delete(context.Background(), "cold"))
	assert.Equal(t, "from disk", readPayload(t, tiered, "cold"))
}

func TestTieredExistsFollowsWrappedStore(t *testing.T) {
	inner := NewMemoryStore()
	tiered, err := NewTiered(inner, TieredConfig{MaxCost: 1 << 20, MaxItemSize: 1 << 10})
	require.NoError(t, err)
	defer tiered.Close()

	ctx := context.Background()
	writePayload(t, tiered, "loc", "body")
	assert.Equal(t, "body", readPayload(t, tiered, "loc"))

	require.NoError(t, inner.Delete(ctx, "loc"))

	ok, err := tiered.Exists(ctx, "loc")
	require.NoError(t, err)
	assert.False(t, ok, "a hot copy does not outlive the wrapped payload")

	_, err = tiered.OpenRead(ctx, "loc")
	assert.ErrorIs(t, err, types.ErrPayloadNotFound, "the stale hot copy is dropped")
}
