package payload

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/respcache/respcache/pkg/types"
)

// Set RESPCACHE_TEST_REDIS to a redis address to run these tests.
func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("RESPCACHE_TEST_REDIS")
	if addr == "" {
		t.Skip("RESPCACHE_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) types.PayloadStore {
		client := redisClient(t)
		ns := fmt.Sprintf("respcache-test-%d", time.Now().UnixNano())
		store := NewRedisStore(client, ns)
		t.Cleanup(func() {
			locs, _ := store.List(context.Background())
			for _, loc := range locs {
				_ = store.Delete(context.Background(), loc)
			}
		})
		return store
	})
}

func TestRedisStoreKeys(t *testing.T) {
	store := NewRedisStore(nil, "")
	assert.Equal(t, "respcache:0000000000000001", store.key("0000000000000001"))

	store = NewRedisStore(nil, "edge")
	assert.Equal(t, "edge:index.json", store.key("index.json"))
}
