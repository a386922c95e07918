package instrumentation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

// counterValues returns the data points of an int64 counter keyed by the
// value of attribute key (or "" when key is empty).
func counterValues(t *testing.T, reader *sdkmetric.ManualReader, name, key string) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	values := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				label := ""
				if key != "" {
					v, _ := dp.Attributes.Value(attribute.Key(key))
					label = v.AsString()
				}
				values[label] += dp.Value
			}
		}
	}
	return values
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordHTTPRequest(ctx, "POST", "/change-password", 200, 100*time.Millisecond)
	m.RecordHTTPRequest(ctx, "POST", "/change-password", 403, 3*time.Second)
	m.RecordHTTPRequest(ctx, "GET", "/", 401, time.Millisecond)

	byStatus := counterValues(t, reader, "http_requests_total", attrStatus)
	assert.Equal(t, map[string]int64{"200": 1, "403": 1, "401": 1}, byStatus)
}

func TestMetrics_RecordPasswordChange(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPasswordChange(ctx, ResultSuccess, "user1@localhost.localdomain")
	m.RecordPasswordChange(ctx, ResultInvalidCredentials, "user1@localhost.localdomain")
	m.RecordPasswordChange(ctx, ResultInvalidCredentials, "user2@localhost.localdomain")

	byResult := counterValues(t, reader, "password_change_total", attrResult)
	assert.Equal(t, int64(1), byResult[ResultSuccess])
	assert.Equal(t, int64(2), byResult[ResultInvalidCredentials])

	byDomain := counterValues(t, reader, "password_change_total", attrDomain)
	assert.Equal(t, map[string]int64{"localhost.localdomain": 1, "unknown": 2}, byDomain,
		"only successful changes carry the user domain")
}

func TestMetrics_RecordPasswordChange_UnverifiedDomainsShareSeries(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		user := fmt.Sprintf("x@host-%d.example", i)
		m.RecordPasswordChange(ctx, ResultInvalidCredentials, user)
		m.RecordPasswordChange(ctx, ResultBadRequest, user)
		m.RecordPasswordChange(ctx, ResultError, user)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	series := 0
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name == "password_change_total" {
				series += len(metric.Data.(metricdata.Sum[int64]).DataPoints)
			}
		}
	}
	assert.Equal(t, 3, series, "one series per result")

	byDomain := counterValues(t, reader, "password_change_total", attrDomain)
	assert.Equal(t, map[string]int64{"unknown": 600}, byDomain)
}

func TestMetrics_RecordHelperInvocation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordHelperInvocation(ctx, "success", 200*time.Millisecond)
	m.RecordHelperInvocation(ctx, "error", 30*time.Second)

	byOutcome := counterValues(t, reader, "helper_invocations_total", attrOutcome)
	assert.Equal(t, map[string]int64{"success": 1, "error": 1}, byOutcome)
}

func TestMetrics_RecordJailAndRateLimit(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRateLimited(ctx)
	m.RecordRateLimited(ctx)
	m.RecordJailEvent(ctx, JailEventInfraction)
	m.RecordJailEvent(ctx, JailEventJailed)
	m.RecordJailEvent(ctx, JailEventBlocked)
	m.RecordIntrospection(ctx, IntrospectionRejected)

	assert.Equal(t, map[string]int64{"": 2}, counterValues(t, reader, "rate_limited_total", ""))
	assert.Equal(t,
		map[string]int64{JailEventInfraction: 1, JailEventJailed: 1, JailEventBlocked: 1},
		counterValues(t, reader, "jail_events_total", attrEvent))
	assert.Equal(t,
		map[string]int64{IntrospectionRejected: 1},
		counterValues(t, reader, "introspection_total", attrResult))
}

func TestMetrics_NilSafe(t *testing.T) {
	ctx := context.Background()

	for _, m := range []*Metrics{nil, {}} {
		// Should not panic
		m.RecordHTTPRequest(ctx, "GET", "/", 200, time.Millisecond)
		m.RecordPasswordChange(ctx, ResultSuccess, "a@b")
		m.RecordHelperInvocation(ctx, "success", time.Millisecond)
		m.RecordRateLimited(ctx)
		m.RecordJailEvent(ctx, JailEventBlocked)
		m.RecordIntrospection(ctx, IntrospectionAccepted)
	}
}
