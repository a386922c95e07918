// Package server provides the HTTP plumbing shared by the mailpass gateway
// and the mock identity provider.
//
// # Key Components
//
// HTTPServer wraps a chi router with a fixed middleware stack:
//   - Request IDs (middleware.RequestID)
//   - Panic recovery (middleware.Recoverer)
//   - Request metrics labelled by route pattern, never by raw path
//
// Application routes are added through RouteRegistrar functions and sit
// behind an optional per-IP RateLimiter. Health endpoints are registered
// outside the limited group so that probes are never throttled.
//
// HealthChecker serves Kubernetes style probes:
//   - /healthz: liveness, always 200 while the process serves requests
//   - /readyz: readiness, 503 when not ready, draining or a check fails
//   - /healthz/detailed: readiness plus uptime
//
// MetricsServer exposes the Prometheus registry on its own port so that
// scraping never shares a listener with password traffic.
package server
