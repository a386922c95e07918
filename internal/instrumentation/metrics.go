package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrResult  = "result"
	attrOutcome = "outcome"
	attrEvent   = "event"
	attrDomain  = "user_domain"
)

// Metrics provides methods for recording observability metrics.
// A zero Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Gateway metrics
	passwordChangeTotal    metric.Int64Counter
	helperInvocationsTotal metric.Int64Counter
	helperDuration         metric.Float64Histogram
	rateLimitedTotal       metric.Int64Counter
	jailEventsTotal        metric.Int64Counter

	// Identity provider metrics
	introspectionTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	m.passwordChangeTotal, err = meter.Int64Counter(
		"password_change_total",
		metric.WithDescription("Total number of password change requests by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create password_change_total counter: %w", err)
	}

	m.helperInvocationsTotal, err = meter.Int64Counter(
		"helper_invocations_total",
		metric.WithDescription("Total number of password helper invocations by outcome"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create helper_invocations_total counter: %w", err)
	}

	// Helper runs include hashing in the helper and can take seconds.
	m.helperDuration, err = meter.Float64Histogram(
		"helper_duration_seconds",
		metric.WithDescription("Password helper run time in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create helper_duration_seconds histogram: %w", err)
	}

	m.rateLimitedTotal, err = meter.Int64Counter(
		"rate_limited_total",
		metric.WithDescription("Total number of requests rejected by the rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limited_total counter: %w", err)
	}

	m.jailEventsTotal, err = meter.Int64Counter(
		"jail_events_total",
		metric.WithDescription("Total number of jail events (infraction, jailed, blocked)"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jail_events_total counter: %w", err)
	}

	m.introspectionTotal, err = meter.Int64Counter(
		"introspection_total",
		metric.WithDescription("Total number of token introspections by result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create introspection_total counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	)

	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPasswordChange records the result of a password change request.
//
// Parameters:
//   - result: one of ResultSuccess, ResultInvalidCredentials, ResultBadRequest, ResultError
//   - user: mail user; its domain becomes a label only for ResultSuccess
//
// Unauthenticated requests carry an arbitrary user, so every other result is
// labelled with the "unknown" domain to keep the series count bounded.
func (m *Metrics) RecordPasswordChange(ctx context.Context, result, user string) {
	if m == nil || m.passwordChangeTotal == nil {
		return
	}

	domain := unknownDomain
	if result == ResultSuccess {
		domain = ExtractUserDomain(user)
	}

	m.passwordChangeTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrResult, result),
		attribute.String(attrDomain, domain),
	))
}

// RecordHelperInvocation records one run of the password helper.
// Outcome is the helper outcome name ("success", "invalid_credentials", "error").
func (m *Metrics) RecordHelperInvocation(ctx context.Context, outcome string, duration time.Duration) {
	if m == nil || m.helperInvocationsTotal == nil || m.helperDuration == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(attrOutcome, outcome))
	m.helperInvocationsTotal.Add(ctx, 1, attrs)
	m.helperDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRateLimited records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited(ctx context.Context) {
	if m == nil || m.rateLimitedTotal == nil {
		return
	}
	m.rateLimitedTotal.Add(ctx, 1)
}

// RecordJailEvent records a jail event: JailEventInfraction, JailEventJailed or JailEventBlocked.
func (m *Metrics) RecordJailEvent(ctx context.Context, event string) {
	if m == nil || m.jailEventsTotal == nil {
		return
	}
	m.jailEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrEvent, event)))
}

// RecordIntrospection records a token introspection with result
// IntrospectionAccepted or IntrospectionRejected.
func (m *Metrics) RecordIntrospection(ctx context.Context, result string) {
	if m == nil || m.introspectionTotal == nil {
		return
	}
	m.introspectionTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}
