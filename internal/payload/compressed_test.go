package payload

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/respcache/respcache/pkg/types"
)

func TestCompressed(t *testing.T) {
	runStoreContract(t, func(t *testing.T) types.PayloadStore {
		return NewCompressed(NewMemoryStore())
	})
}

func TestCompressedStoresSmallerPayload(t *testing.T) {
	inner := NewMemoryStore()
	store := NewCompressed(inner)
	body := strings.Repeat("<html>cached response</html>\n", 2000)

	writePayload(t, store, "0000000000000001", body)

	raw, err := inner.OpenRead(context.Background(), "0000000000000001")
	require.NoError(t, err)
	compressed, err := io.ReadAll(raw)
	require.NoError(t, err)

	assert.Less(t, len(compressed), len(body)/10)
	assert.Equal(t, body, readPayload(t, store, "0000000000000001"))
}

func TestCompressedRejectsGarbage(t *testing.T) {
	inner := NewMemoryStore()
	writePayload(t, inner, "0000000000000001", "definitely not zstd")

	rc, err := NewCompressed(inner).OpenRead(context.Background(), "0000000000000001")
	if err == nil {
		_, err = io.ReadAll(rc)
		_ = rc.Close()
	}
	assert.Error(t, err)
}
