package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/teemow/mailpass/internal/helper"
	"github.com/teemow/mailpass/internal/instrumentation"
	"github.com/teemow/mailpass/internal/logging"
)

const (
	testUser        = "user1@localhost.localdomain"
	testOldPassword = "old-secret"
	testNewPassword = "new-secret"
)

type call struct {
	user, oldPassword, newPassword string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	result helper.Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, user, oldPassword, newPassword string) (helper.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{user, oldPassword, newPassword})
	return f.result, f.err
}

type fakeJail struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeJail) Infraction(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	return false, f.err
}

func newTestHandler(t *testing.T, cfg Config) (http.Handler, *bytes.Buffer) {
	t.Helper()

	var logs bytes.Buffer
	logger := logging.New(&logs, logging.Options{Debug: true, Format: logging.FormatJSON})
	cfg.Logger = logging.NewSlogAdapter(logger)
	cfg.Audit = instrumentation.NewAuditLogger(logger)
	if cfg.InvalidCredentialsDelay == 0 {
		cfg.InvalidCredentialsDelay = 20 * time.Millisecond
	}

	h, err := NewHandler(cfg)
	require.NoError(t, err)

	r := chi.NewRouter()
	h.Routes(r)
	return r, &logs
}

func post(h http.Handler, body string, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/change-password", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func validBody() string {
	b, _ := json.Marshal(ChangePasswordRequest{User: testUser, OldPassword: testOldPassword, NewPassword: testNewPassword})
	return string(b)
}

func TestNewHandler_RequiresRunner(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
}

func TestNewHandler_Defaults(t *testing.T) {
	h, err := NewHandler(Config{Runner: &fakeRunner{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultInvalidCredentialsDelay, h.delay)
	assert.Equal(t, int64(DefaultMaxBodyBytes), h.maxBodyBytes)

	h, err = NewHandler(Config{Runner: &fakeRunner{}, InvalidCredentialsDelay: -1})
	require.NoError(t, err)
	assert.Zero(t, h.delay)
}

func TestHandler_Success(t *testing.T) {
	runner := &fakeRunner{result: helper.Result{ExitCode: 0}}
	h, logs := newTestHandler(t, Config{Runner: runner})

	rec := post(h, validBody(), "application/json")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Passwort successfully changed", rec.Body.String())
	_, err := uuid.Parse(rec.Header().Get(AttemptIDHeader))
	assert.NoError(t, err, "attempt id should be a UUID")

	require.Len(t, runner.calls, 1)
	assert.Equal(t, call{testUser, testOldPassword, testNewPassword}, runner.calls[0])

	assert.NotContains(t, logs.String(), testOldPassword, "passwords must never be logged")
	assert.NotContains(t, logs.String(), testNewPassword, "passwords must never be logged")
	assert.Contains(t, logs.String(), "password_changed")
}

func TestHandler_InvalidCredentials(t *testing.T) {
	runner := &fakeRunner{result: helper.Result{ExitCode: 2}}
	jail := &fakeJail{}
	delay := 50 * time.Millisecond
	h, _ := newTestHandler(t, Config{
		Runner:                  runner,
		Jail:                    jail,
		InvalidCredentialsDelay: delay,
		ClientIP:                func(*http.Request) string { return "198.51.100.7" },
	})

	start := time.Now()
	rec := post(h, validBody(), "application/json")
	elapsed := time.Since(start)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Invalid credentials", rec.Body.String())
	assert.GreaterOrEqual(t, elapsed, delay, "403 must be delayed")
	assert.Equal(t, []string{"198.51.100.7"}, jail.keys)
}

func TestHandler_InvalidCredentials_JailErrorIgnored(t *testing.T) {
	runner := &fakeRunner{result: helper.Result{ExitCode: 2}}
	h, _ := newTestHandler(t, Config{Runner: runner, Jail: &fakeJail{err: errors.New("valkey down")}})

	rec := post(h, validBody(), "application/json")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_HelperFailures(t *testing.T) {
	tests := []struct {
		name   string
		result helper.Result
		err    error
	}{
		{"exit 1", helper.Result{ExitCode: 1}, nil},
		{"exit 3", helper.Result{ExitCode: 3}, nil},
		{"exit 127", helper.Result{ExitCode: 127}, nil},
		{"timeout", helper.Result{ExitCode: -1}, helper.ErrTimeout},
		{"not found", helper.Result{ExitCode: -1}, errors.New("exec: \"updatemailuser-secure\": executable file not found in $PATH")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jail := &fakeJail{}
			h, _ := newTestHandler(t, Config{Runner: &fakeRunner{result: tt.result, err: tt.err}, Jail: jail})

			rec := post(h, validBody(), "application/json")

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.NotContains(t, rec.Body.String(), "updatemailuser", "internal detail must not leak")
			assert.Empty(t, jail.keys, "helper failures are not infractions")
		})
	}
}

func TestHandler_BadRequests(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
	}{
		{"empty body", "", "application/json"},
		{"not json", "user=a", "application/json"},
		{"wrong content type", validBody(), "text/plain"},
		{"no content type", validBody(), ""},
		{"json null", "null", "application/json"},
		{"json array", `["a","b","c"]`, "application/json"},
		{"missing user", `{"oldPassword":"a","newPassword":"b"}`, "application/json"},
		{"missing oldPassword", `{"user":"a","newPassword":"b"}`, "application/json"},
		{"missing newPassword", `{"user":"a","oldPassword":"b"}`, "application/json"},
		{"empty user", `{"user":"","oldPassword":"a","newPassword":"b"}`, "application/json"},
		{"number field", `{"user":"a","oldPassword":1,"newPassword":"b"}`, "application/json"},
		{"trailing data", validBody() + `{}`, "application/json"},
		{"newline in password", `{"user":"a","oldPassword":"x\ny","newPassword":"b"}`, "application/json"},
		{"option-like user", `{"user":"--help","oldPassword":"a","newPassword":"b"}`, "application/json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			h, _ := newTestHandler(t, Config{Runner: runner})

			rec := post(h, tt.body, tt.contentType)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, runner.calls, "helper must not run for a bad request")
		})
	}
}

func TestHandler_JSONContentTypeVariants(t *testing.T) {
	for _, ct := range []string{"application/json; charset=utf-8", "application/merge-patch+json"} {
		t.Run(ct, func(t *testing.T) {
			h, _ := newTestHandler(t, Config{Runner: &fakeRunner{}})
			assert.Equal(t, http.StatusOK, post(h, validBody(), ct).Code)
		})
	}
}

func TestHandler_BodyTooLarge(t *testing.T) {
	runner := &fakeRunner{}
	h, _ := newTestHandler(t, Config{Runner: runner, MaxBodyBytes: 64})

	body := `{"user":"` + testUser + `","oldPassword":"` + strings.Repeat("x", 100) + `","newPassword":"b"}`
	rec := post(h, body, "application/json")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, runner.calls)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, Config{Runner: &fakeRunner{}})

	req := httptest.NewRequest(http.MethodGet, "/change-password", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_RouteMiddleware(t *testing.T) {
	h, err := NewHandler(Config{Runner: &fakeRunner{}, Logger: logging.NewSlogAdapter(slog.Default())})
	require.NoError(t, err)

	blocked := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	r := chi.NewRouter()
	h.Routes(r, blocked)

	assert.Equal(t, http.StatusNotFound, post(r, validBody(), "application/json").Code)
}

func TestHandler_DelayStopsOnCancel(t *testing.T) {
	runner := &fakeRunner{result: helper.Result{ExitCode: 2}}
	h, err := NewHandler(Config{Runner: runner, InvalidCredentialsDelay: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	req := httptest.NewRequest(http.MethodPost, "/change-password", strings.NewReader(validBody())).WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler kept sleeping after the client went away")
	}
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_FailedAttemptsDoNotGrowDomainSeries(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := instrumentation.NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	runner := &fakeRunner{result: helper.Result{ExitCode: 2}}
	h, _ := newTestHandler(t, Config{Runner: runner, Metrics: metrics, InvalidCredentialsDelay: -1})

	for i := 0; i < 100; i++ {
		body, _ := json.Marshal(ChangePasswordRequest{
			User:        fmt.Sprintf("x@host-%d.example", i),
			OldPassword: testOldPassword,
			NewPassword: testNewPassword,
		})
		require.Equal(t, http.StatusForbidden, post(h, string(body), "application/json").Code)
		require.Equal(t, http.StatusBadRequest,
			post(h, fmt.Sprintf(`{"user":"x@other-%d.example"}`, i), "application/json").Code)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	domains := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "password_change_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			assert.Len(t, sum.DataPoints, 2, "one series per result")
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key("user_domain"))
				domains[v.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"unknown": 200}, domains)
}
