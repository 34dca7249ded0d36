// Package logging decorates a storage.Backend with trace spans and debug
// logging around every operation.
package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/attractor/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/attractor/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op, namespace, key string) (context.Context, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "attractor.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("attractor.storage.operation", op),
		attribute.String("attractor.storage.namespace", namespace),
		attribute.String("attractor.sys", b.sys),
	)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	logger = logger.With("namespace", namespace, "key", key)
	logger.Trace("storage." + op + ".begin")

	return ctx, logger, func(err error) {
		elapsed := time.Since(begin)
		switch {
		case err == nil:
			span.SetStatus(codes.Ok, "")
			logger.Debug("storage."+op+".success", "elapsed", elapsed)
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCASMismatch):
			// Expected outcomes of optimistic concurrency; not span errors.
			span.SetAttributes(attribute.String("attractor.storage.result", err.Error()))
			logger.Debug("storage."+op+".conflict", "error", err, "elapsed", elapsed)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "error", err, "elapsed", elapsed)
		}
		span.SetAttributes(attribute.Int64("attractor.storage.duration_ms", elapsed.Milliseconds()))
		span.End()
	}
}

func (b *backend) GetObject(ctx context.Context, namespace, key string) (storage.GetObjectResult, error) {
	ctx, logger, finish := b.start(ctx, "get_object", namespace, key)
	res, err := b.inner.GetObject(ctx, namespace, key)
	if err == nil && res.Info != nil {
		logger.Trace("storage.get_object.info", "etag", res.Info.ETag, "size", res.Info.Size)
	}
	finish(err)
	return res, err
}

func (b *backend) PutObject(ctx context.Context, namespace, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, logger, finish := b.start(ctx, "put_object", namespace, key)
	logger.Trace("storage.put_object.conditions",
		"expected_etag", opts.ExpectedETag,
		"if_not_exists", opts.IfNotExists,
		"content_type", opts.ContentType,
	)
	info, err := b.inner.PutObject(ctx, namespace, key, body, opts)
	finish(err)
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, namespace, key string, opts storage.DeleteObjectOptions) error {
	ctx, logger, finish := b.start(ctx, "delete_object", namespace, key)
	logger.Trace("storage.delete_object.conditions",
		"expected_etag", opts.ExpectedETag,
		"ignore_not_found", opts.IgnoreNotFound,
	)
	err := b.inner.DeleteObject(ctx, namespace, key, opts)
	finish(err)
	return err
}

func (b *backend) ListObjects(ctx context.Context, namespace string, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, logger, finish := b.start(ctx, "list_objects", namespace, opts.Prefix)
	res, err := b.inner.ListObjects(ctx, namespace, opts)
	if err == nil && res != nil {
		logger.Trace("storage.list_objects.page",
			"start_after", opts.StartAfter,
			"limit", opts.Limit,
			"count", len(res.Objects),
			"truncated", res.Truncated,
		)
	}
	finish(err)
	return res, err
}

func (b *backend) Close() error {
	b.logger.Debug("storage.close", "sys", b.sys)
	return b.inner.Close()
}

func (b *backend) SubscribeChanges(namespace, prefix string) (storage.ChangeSubscription, error) {
	feed, ok := b.inner.(storage.ChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	sub, err := feed.SubscribeChanges(namespace, prefix)
	if err != nil {
		b.logger.Debug("storage.subscribe_changes.unavailable", "namespace", namespace, "prefix", prefix, "error", err)
		return nil, err
	}
	b.logger.Debug("storage.subscribe_changes", "namespace", namespace, "prefix", prefix)
	return sub, nil
}

func (b *backend) Ping(ctx context.Context) error {
	ctx, _, finish := b.start(ctx, "ping", "", "")
	err := storage.Ping(ctx, b.inner)
	finish(err)
	return err
}
