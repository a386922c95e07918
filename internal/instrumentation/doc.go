// Package instrumentation provides OpenTelemetry instrumentation for mailpass.
//
// This package enables observability through:
//   - OpenTelemetry metrics for HTTP requests, password changes and helper invocations
//   - Distributed tracing for helper invocations and introspection calls
//   - Prometheus metrics export via /metrics endpoint on dedicated port
//   - OTLP export support for modern observability platforms
//   - Audit logging of password change attempts
//
// # Metrics
//
// Server/HTTP Metrics:
//   - http_requests_total: Counter of HTTP requests by method, path, and status
//   - http_request_duration_seconds: Histogram of HTTP request durations
//
// Gateway Metrics:
//   - password_change_total: Counter of password change requests by result
//   - helper_invocations_total: Counter of helper invocations by outcome
//   - helper_duration_seconds: Histogram of helper run times
//   - rate_limited_total: Counter of requests rejected by the rate limiter
//   - jail_events_total: Counter of jail events (infraction, jailed, blocked)
//
// Identity Provider Metrics:
//   - introspection_total: Counter of token introspections by result
//
// # Configuration
//
// Instrumentation can be configured via environment variables:
//   - INSTRUMENTATION_ENABLED: Enable/disable instrumentation (default: true)
//   - METRICS_EXPORTER: Metrics exporter type (prometheus, otlp, stdout, default: prometheus)
//   - TRACING_EXPORTER: Tracing exporter type (otlp, stdout, none, default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint for traces/metrics
//   - OTEL_TRACES_SAMPLER_ARG: Sampling rate (0.0 to 1.0, default: 0.1)
//   - OTEL_SERVICE_NAME: Service name (default: mailpass)
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	recorder := provider.Metrics()
//	recorder.RecordHTTPRequest(ctx, "POST", "/change-password", 200, time.Since(start))
//	recorder.RecordHelperInvocation(ctx, "success", time.Since(start))
package instrumentation
