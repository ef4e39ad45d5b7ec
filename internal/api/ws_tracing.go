package api

import (
	"context"
	"net/http"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	wsTracerName      = "knowhow/ws"
	wsConnectSpanName = "websocket.connect"
)

// startWebSocketSpan opens the span that lives as long as a websocket
// connection. Its context is the parent of every watch request on it.
func startWebSocketSpan(r *http.Request, route string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx := context.Background()
	if r != nil {
		ctx = otelapi.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	}
	attributes := append(wsSpanAttributes(r, route), attrs...)
	return otelapi.Tracer(wsTracerName).Start(ctx, wsConnectSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attributes...),
	)
}

func wsSpanAttributes(r *http.Request, route string) []attribute.KeyValue {
	attributes := make([]attribute.KeyValue, 0, 6)
	if route != "" {
		attributes = append(attributes, attribute.String("http.route", route))
	}
	if r == nil {
		return attributes
	}
	attributes = append(attributes,
		attribute.String("http.method", r.Method),
		attribute.String("http.scheme", wsRequestScheme(r)),
	)
	if r.URL != nil {
		attributes = append(attributes, attribute.String("url.path", r.URL.Path))
	}
	if origin := r.Header.Get("Origin"); origin != "" {
		attributes = append(attributes, attribute.String("http.origin", origin))
	}
	if agent := r.UserAgent(); agent != "" {
		attributes = append(attributes, attribute.String("user_agent", agent))
	}
	return attributes
}

func wsRequestScheme(r *http.Request) string {
	switch {
	case r == nil:
		return "http"
	case r.URL != nil && r.URL.Scheme != "":
		return r.URL.Scheme
	case r.TLS != nil:
		return "https"
	default:
		return "http"
	}
}

// recordWatchEvent marks an accepted watch request on the connection span.
func recordWatchEvent(ctx context.Context, path string, mtime int64) {
	trace.SpanFromContext(ctx).AddEvent("watch", trace.WithAttributes(
		attribute.String("knowhow.path", path),
		attribute.Int64("knowhow.mtime", mtime),
	))
}

func recordWatchRejected(ctx context.Context, reason string) {
	trace.SpanFromContext(ctx).AddEvent("watch.rejected", trace.WithAttributes(
		attribute.String("knowhow.reason", reason),
	))
}

// endWebSocketSpan closes the connection span. A nil err or a clean close
// leaves the status unset.
func endWebSocketSpan(span trace.Span, reason string, err error) {
	if reason != "" {
		span.SetAttributes(attribute.String("knowhow.close_reason", reason))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
	}
	span.End()
}
