// Package retry decorates a storage.Backend so transient failures are retried
// with exponential backoff. Once attempts run out the failure is reported as
// storage.ErrUnavailable.
package retry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"pkt.systems/attractor/internal/clock"
	"pkt.systems/attractor/internal/storage"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		clock:  clock.Or(clk),
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	var res *storage.ListResult
	err := b.withRetry(ctx, "list_objects", namespace, opts.Prefix, func(ctx context.Context) error {
		var err error
		res, err = b.inner.ListObjects(ctx, namespace, opts)
		return err
	})
	return res, err
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	var result storage.GetObjectResult
	err := b.withRetry(ctx, "get_object", namespace, key, func(ctx context.Context) error {
		var err error
		result, err = b.inner.GetObject(ctx, namespace, key)
		return err
	})
	return result, err
}

func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	// Buffer once so every attempt sends the full body.
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("retry: read body: %w", err)
	}
	var info *storage.ObjectInfo
	err = b.withRetry(ctx, "put_object", namespace, key, func(ctx context.Context) error {
		var err error
		info, err = b.inner.PutObject(ctx, namespace, key, bytes.NewReader(payload), opts)
		return err
	})
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	return b.withRetry(ctx, "delete_object", namespace, key, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, namespace, key, opts)
	})
}

func (b *backend) Close() error {
	return b.inner.Close()
}

func (b *backend) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	if feed, ok := b.inner.(storage.ChangeFeed); ok {
		return feed.SubscribeChanges(namespace, prefix)
	}
	return nil, storage.ErrNotImplemented
}

func (b *backend) Ping(ctx context.Context) error {
	return b.withRetry(ctx, "ping", "", "", func(ctx context.Context) error {
		return storage.Ping(ctx, b.inner)
	})
}

func (b *backend) withRetry(ctx context.Context, op, namespace, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	delay := b.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		b.logger.Warn("storage transient error",
			"operation", op,
			"namespace", namespace,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if err := clock.SleepContext(ctx, b.clock, delay); err != nil {
			return err
		}
		next := time.Duration(float64(delay) * b.cfg.Multiplier)
		if b.cfg.MaxDelay > 0 && next > b.cfg.MaxDelay {
			next = b.cfg.MaxDelay
		}
		delay = next
	}
	b.logger.Error("storage unavailable",
		"operation", op,
		"namespace", namespace,
		"key", key,
		"attempts", attempts,
		"error", lastErr,
	)
	return fmt.Errorf("%w: %s %s: %w", storage.ErrUnavailable, op, key, lastErr)
}
