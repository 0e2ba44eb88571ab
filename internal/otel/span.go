// Package otel holds the span helpers and attribute keys shared by the pipeline.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PipelineTracerName names the tracer used for run and source spans
const PipelineTracerName = "github.com/stacklok/toolhive-ingest/pipeline"

// Attribute keys used on pipeline spans
const (
	AttrRunID        = attribute.Key("pipeline.run_id")
	AttrTrigger      = attribute.Key("pipeline.trigger")
	AttrRunStatus    = attribute.Key("pipeline.status")
	AttrSourceName   = attribute.Key("source.name")
	AttrStartCursor  = attribute.Key("source.cursor.start")
	AttrEndCursor    = attribute.Key("source.cursor.end")
	AttrCommitted    = attribute.Key("source.records.committed")
	AttrNamespaces   = attribute.Key("cache.namespaces")
	AttrInvalidated  = attribute.Key("cache.entries.invalidated")
	AttrViewsRefresh = attribute.Key("views.refreshed")
)

// StartSpan starts a span on tracer, or returns the span already in ctx when tracer is nil
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError marks span as failed. The status description stays generic so
// connection strings or SQL never end up in the status; the error itself is
// kept as a span event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
