package payload

import (
	"context"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/respcache/respcache/internal/config"
	"github.com/respcache/respcache/pkg/errors"
	"github.com/respcache/respcache/pkg/retry"
	"github.com/respcache/respcache/pkg/types"
)

// Stack is an opened payload store plus the resources to release with it.
type Stack struct {
	Store   types.PayloadStore
	closers []io.Closer
}

// Close releases every resource opened for the stack.
func (s *Stack) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open builds the payload store selected by cfg.Cache.Backend and wraps it
// with the configured decorators.
func Open(ctx context.Context, cfg *config.Configuration, logger types.Logger) (*Stack, error) {
	stack := &Stack{}
	remote := false

	switch cfg.Cache.Backend {
	case config.BackendFS:
		fs, err := NewFileStore(cfg.Cache.Directory)
		if err != nil {
			return nil, err
		}
		stack.Store = fs
	case config.BackendMemory:
		stack.Store = NewMemoryStore()
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, errors.ErrCodeStorageRead, "failed to connect to redis").
				WithComponent(component).
				WithDetail("address", cfg.Redis.Address)
		}
		stack.Store = NewRedisStore(client, cfg.Redis.Namespace)
		stack.closers = append(stack.closers, client)
		remote = true
	case config.BackendS3:
		s3cfg := S3Config(cfg.S3)
		client, err := NewS3Client(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		store, err := NewS3Store(client, s3cfg.Bucket, s3cfg.Prefix)
		if err != nil {
			return nil, err
		}
		stack.Store = store
		remote = true
	default:
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "unknown cache backend").
			WithComponent(component).
			WithDetail("backend", cfg.Cache.Backend)
	}

	if remote && cfg.Retry.Enabled {
		rc := retry.DefaultConfig()
		rc.MaxAttempts = cfg.Retry.MaxAttempts
		rc.InitialDelay = cfg.Retry.InitialDelay
		rc.MaxDelay = cfg.Retry.MaxDelay
		stack.Store = NewRetrying(stack.Store, rc, logger)
	}

	if cfg.Cache.Compression {
		stack.Store = NewCompressed(stack.Store)
	}

	if cfg.Cache.HotTier.Enabled {
		maxCost, maxItem, err := cfg.HotTierBytes()
		if err != nil {
			_ = stack.Close()
			return nil, err
		}
		tiered, err := NewTiered(stack.Store, TieredConfig{MaxCost: maxCost, MaxItemSize: maxItem})
		if err != nil {
			_ = stack.Close()
			return nil, err
		}
		stack.Store = tiered
		stack.closers = append(stack.closers, tiered)
	}

	if remote && cfg.Breaker.Enabled {
		stack.Store = NewBreaker(stack.Store, BreakerConfig{
			Name:             cfg.Cache.Backend,
			FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
			Timeout:          cfg.Breaker.Timeout,
			OnStateChange: func(name string, from, to gobreaker.State) {
				if logger == nil {
					return
				}
				severity := types.SeverityInfo
				if to == gobreaker.StateOpen {
					severity = types.SeverityWarn
				}
				logger.Log(severity, component, "circuit "+name+" "+from.String()+" -> "+to.String(), nil)
			},
		})
	}

	return stack, nil
}
