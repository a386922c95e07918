package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/teemow/mailpass/internal/instrumentation"
)

func echoRoutes(r chi.Router) {
	r.Post("/echo/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(chi.URLParam(r, "name")))
	})
	r.Get("/panic", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
}

func TestHTTPServer_Routes(t *testing.T) {
	s := NewHTTPServer(Config{Name: "test"}, echoRoutes)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo/alice", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/echo/alice", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTPServer_RecoversPanics(t *testing.T) {
	s := NewHTTPServer(Config{}, echoRoutes)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHTTPServer_HealthBypassesRateLimit(t *testing.T) {
	rl := NewRateLimiter(1, 1, false, time.Minute, nil)
	s := NewHTTPServer(Config{Health: NewHealthChecker(), RateLimiter: rl}, echoRoutes)
	t.Cleanup(rl.Stop)

	post := func() int {
		req := httptest.NewRequest(http.MethodPost, "/echo/x", nil)
		req.RemoteAddr = "192.0.2.1:1000"
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusCreated, post())
	assert.Equal(t, http.StatusTooManyRequests, post())

	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "192.0.2.1:1000"
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestHTTPServer_RecordsRoutePattern(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := instrumentation.NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	s := NewHTTPServer(Config{Metrics: metrics}, echoRoutes)
	for _, name := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/echo/"+name, nil))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	byPath := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "http_requests_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key("path"))
				byPath[v.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"/echo/{name}": 3, "unmatched": 1}, byPath)
}

func TestHTTPServer_ServeAndShutdown(t *testing.T) {
	health := NewHealthChecker()
	s := NewHTTPServer(Config{Health: health}, echoRoutes)
	assert.Empty(t, s.Addr())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ln) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post("http://"+s.Addr()+"/echo/bob", "text/plain", nil)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "bob", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.True(t, health.shuttingDown.Load(), "shutdown drains readiness")

	select {
	case err := <-serveErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestHTTPServer_ShutdownWithoutStart(t *testing.T) {
	s := NewHTTPServer(Config{})
	assert.NoError(t, s.Shutdown(context.Background()))
}

func TestResponseWriter_CapturesFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newResponseWriter(rec)

	_, _ = rw.Write([]byte("x"))
	rw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusOK, rw.statusCode)
}
