package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the default tracer name for the mailpass module.
const TracerName = "github.com/teemow/mailpass"

// Span attribute keys.
const (
	// SpanAttrAttemptID is the password change attempt identifier.
	SpanAttrAttemptID = "mailpass.attempt_id"

	// SpanAttrUserDomain is the domain of the mail user.
	SpanAttrUserDomain = "mailpass.user_domain"

	// SpanAttrOutcome is the helper outcome.
	SpanAttrOutcome = "mailpass.helper.outcome"

	// SpanAttrExitCode is the helper exit code.
	SpanAttrExitCode = "mailpass.helper.exit_code"

	// SpanAttrCommand is the helper executable (first word of the command line).
	SpanAttrCommand = "mailpass.helper.command"

	// SpanAttrIntrospectionURL is the URL of the identity provider.
	SpanAttrIntrospectionURL = "mailpass.idp.url"
)

// StartSpan starts a new span with the given name and attributes.
// The caller is responsible for ending the span with defer span.End().
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartHelperSpan starts a span for one password helper invocation.
func StartHelperSpan(ctx context.Context, command, user string) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, "helper.run",
		trace.WithAttributes(
			attribute.String(SpanAttrCommand, command),
			attribute.String(SpanAttrUserDomain, ExtractUserDomain(user)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartIntrospectionSpan starts a client span for a token introspection call.
func StartIntrospectionSpan(ctx context.Context, url string) (context.Context, trace.Span) {
	tracer := otel.GetTracerProvider().Tracer(TracerName)
	return tracer.Start(ctx, "idp.introspect",
		trace.WithAttributes(attribute.String(SpanAttrIntrospectionURL, url)),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SetSpanError records an error on the span and sets the status to error.
func SetSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess sets the span status to OK.
func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// GetTraceID returns the trace ID from the current span in context.
// Returns empty string if no valid span is present.
func GetTraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// GetSpanID returns the span ID from the current span in context.
// Returns empty string if no valid span is present.
func GetSpanID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().SpanID().String()
	}
	return ""
}
