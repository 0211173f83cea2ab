package payload

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/sony/gobreaker"

	"github.com/respcache/respcache/pkg/errors"
	"github.com/respcache/respcache/pkg/types"
)

// BreakerConfig represents circuit breaker configuration
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32        // consecutive failures before opening
	Timeout          time.Duration // time spent open before probing
	OnStateChange    func(name string, from, to gobreaker.State)
}

// Breaker guards a remote store with a circuit breaker. While the circuit
// is open every call fails fast with CIRCUIT_OPEN, which the cache treats
// as a transient I/O failure.
type Breaker struct {
	inner types.PayloadStore
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker wraps inner.
func NewBreaker(inner types.PayloadStore, cfg BreakerConfig) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "payload"
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	threshold := cfg.FailureThreshold

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				stderrors.Is(err, types.ErrPayloadNotFound) ||
				stderrors.Is(err, context.Canceled)
		},
		OnStateChange: cfg.OnStateChange,
	}
	return &Breaker{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State returns the current circuit state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) execute(op string, fn func() (interface{}, error)) (interface{}, error) {
	v, err := b.cb.Execute(fn)
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Wrap(err, errors.ErrCodeCircuitOpen, "payload store unavailable").
			WithComponent(component).
			WithOperation(op)
	}
	return v, err
}

// OpenRead opens through the breaker.
func (b *Breaker) OpenRead(ctx context.Context, location string) (io.ReadCloser, error) {
	v, err := b.execute("open_read", func() (interface{}, error) {
		return b.inner.OpenRead(ctx, location)
	})
	if err != nil {
		return nil, err
	}
	return v.(io.ReadCloser), nil
}

// OpenWrite opens through the breaker; Commit is guarded as well.
func (b *Breaker) OpenWrite(ctx context.Context, location string) (types.PayloadWriter, error) {
	v, err := b.execute("open_write", func() (interface{}, error) {
		return b.inner.OpenWrite(ctx, location)
	})
	if err != nil {
		return nil, err
	}
	return &breakerWriter{breaker: b, PayloadWriter: v.(types.PayloadWriter)}, nil
}

// Delete runs through the breaker.
func (b *Breaker) Delete(ctx context.Context, location string) error {
	_, err := b.execute("delete", func() (interface{}, error) {
		return nil, b.inner.Delete(ctx, location)
	})
	return err
}

// Exists runs through the breaker.
func (b *Breaker) Exists(ctx context.Context, location string) (bool, error) {
	v, err := b.execute("exists", func() (interface{}, error) {
		return b.inner.Exists(ctx, location)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// List runs through the breaker when the wrapped store can list.
func (b *Breaker) List(ctx context.Context) ([]string, error) {
	v, err := b.execute("list", func() (interface{}, error) {
		return list(ctx, b.inner)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

type breakerWriter struct {
	types.PayloadWriter
	breaker *Breaker
}

func (w *breakerWriter) Commit() error {
	_, err := w.breaker.execute("commit", func() (interface{}, error) {
		return nil, w.PayloadWriter.Commit()
	})
	if errors.Code(err) == errors.ErrCodeCircuitOpen {
		_ = w.PayloadWriter.Abort()
	}
	return err
}
