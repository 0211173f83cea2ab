package payload

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/respcache/respcache/pkg/retry"
	"github.com/respcache/respcache/pkg/types"
)

// Retrying retries the transient failures of a remote store with
// exponential backoff. Writers are passed through: a commit consumes the
// buffered body and is not replayed.
type Retrying struct {
	inner   types.PayloadStore
	retryer *retry.Retryer
}

// NewRetrying wraps inner. A nil logger disables retry logging.
func NewRetrying(inner types.PayloadStore, cfg retry.Config, logger types.Logger) *Retrying {
	r := retry.New(cfg)
	if logger != nil {
		r = r.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			logger.Log(types.SeverityDebug, component,
				fmt.Sprintf("retrying payload operation (attempt %d) in %s", attempt, delay), err)
		})
	}
	return &Retrying{inner: inner, retryer: r}
}

// OpenRead retries opening the payload.
func (r *Retrying) OpenRead(ctx context.Context, location string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := r.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		rc, err = r.inner.OpenRead(ctx, location)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// OpenWrite retries opening the writer.
func (r *Retrying) OpenWrite(ctx context.Context, location string) (types.PayloadWriter, error) {
	var w types.PayloadWriter
	err := r.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		w, err = r.inner.OpenWrite(ctx, location)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Delete retries the deletion.
func (r *Retrying) Delete(ctx context.Context, location string) error {
	return r.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return r.inner.Delete(ctx, location)
	})
}

// Exists retries the probe.
func (r *Retrying) Exists(ctx context.Context, location string) (bool, error) {
	var ok bool
	err := r.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		ok, err = r.inner.Exists(ctx, location)
		return err
	})
	return ok, err
}

// List retries the listing when the wrapped store can list.
func (r *Retrying) List(ctx context.Context) ([]string, error) {
	var out []string
	err := r.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		out, err = list(ctx, r.inner)
		return err
	})
	return out, err
}
