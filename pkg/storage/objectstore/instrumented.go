package objectstore

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/your-org/lungscreen/pkg/metrics"
)

const tracerName = "github.com/your-org/lungscreen/pkg/storage/objectstore"

type instrumented struct {
	next     Client
	provider string
	tracer   trace.Tracer
}

// Instrument wraps next with tracing spans and Prometheus counters.
func Instrument(next Client, provider string) Client {
	return &instrumented{next: next, provider: provider, tracer: otel.Tracer(tracerName)}
}

func (i *instrumented) Store(ctx context.Context, data []byte, fileName, contentType string) (*StoredObject, error) {
	ctx, span := i.start(ctx, "store", attribute.Int("object.size", len(data)), attribute.String("object.content_type", contentType))
	defer span.End()

	start := time.Now()
	obj, err := i.next.Store(ctx, data, fileName, contentType)
	i.observe(span, "store", start, err)
	if err == nil {
		span.SetAttributes(attribute.String("object.key", obj.Key))
	}
	return obj, err
}

func (i *instrumented) Retrieve(ctx context.Context, key string) ([]byte, error) {
	ctx, span := i.start(ctx, "retrieve", attribute.String("object.key", key))
	defer span.End()

	start := time.Now()
	data, err := i.next.Retrieve(ctx, key)
	i.observe(span, "retrieve", start, err)
	return data, err
}

func (i *instrumented) ContentType(ctx context.Context, key string) (string, error) {
	ctx, span := i.start(ctx, "content_type", attribute.String("object.key", key))
	defer span.End()

	start := time.Now()
	ct, err := i.next.ContentType(ctx, key)
	i.observe(span, "content_type", start, err)
	return ct, err
}

func (i *instrumented) Remove(ctx context.Context, key string) error {
	ctx, span := i.start(ctx, "remove", attribute.String("object.key", key))
	defer span.End()

	start := time.Now()
	err := i.next.Remove(ctx, key)
	i.observe(span, "remove", start, err)
	return err
}

func (i *instrumented) Close() error {
	return i.next.Close()
}

func (i *instrumented) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("storage.provider", i.provider))
	return i.tracer.Start(ctx, "objectstore."+op, trace.WithAttributes(attrs...))
}

func (i *instrumented) observe(span trace.Span, op string, start time.Time, err error) {
	metrics.StorageDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.StorageOperations.WithLabelValues(op, resultLabel(err)).Inc()
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
