package objstore

import (
	"context"
	"iter"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout bounds every Get, Put and Delete by d. Listing is bounded by the
// caller's context only, since it may span many pages.
func WithTimeout(next Store, d time.Duration) Store {
	if d <= 0 {
		return next
	}
	return &timeoutStore{next: next, timeout: d}
}

func (s *timeoutStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Get(ctx, key)
}

func (s *timeoutStore) Put(ctx context.Context, key string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Put(ctx, key, body)
}

func (s *timeoutStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.next.Delete(ctx, key)
}

func (s *timeoutStore) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return s.next.List(ctx, prefix)
}

type tracingStore struct {
	next   Store
	tracer trace.Tracer
}

// WithTracing records one span per store operation.
func WithTracing(next Store, tracer trace.Tracer) Store {
	if tracer == nil {
		return next
	}
	return &tracingStore{next: next, tracer: tracer}
}

func (s *tracingStore) start(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "objstore."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("objstore.key", key)))
}

func endSpan(span trace.Span, err error) {
	if err != nil && err != ErrNotFound {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *tracingStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := s.start(ctx, "get", key)
	body, err := s.next.Get(ctx, key)
	span.SetAttributes(attribute.Bool("objstore.found", err == nil))
	endSpan(span, err)
	return body, err
}

func (s *tracingStore) Put(ctx context.Context, key string, body []byte) error {
	ctx, span := s.start(ctx, "put", key)
	span.SetAttributes(attribute.Int("objstore.size", len(body)))
	err := s.next.Put(ctx, key, body)
	endSpan(span, err)
	return err
}

func (s *tracingStore) Delete(ctx context.Context, key string) error {
	ctx, span := s.start(ctx, "delete", key)
	err := s.next.Delete(ctx, key)
	endSpan(span, err)
	return err
}

func (s *tracingStore) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		ctx, span := s.start(ctx, "list", prefix)
		n := 0
		var lastErr error
		for info, err := range s.next.List(ctx, prefix) {
			if err != nil {
				lastErr = err
			} else {
				n++
			}
			if !yield(info, err) {
				break
			}
		}
		span.SetAttributes(attribute.Int("objstore.listed", n))
		endSpan(span, lastErr)
	}
}
