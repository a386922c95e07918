package idp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	h, err := NewHandler(cfg)
	require.NoError(t, err)

	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func TestHandler_AcceptsToken(t *testing.T) {
	router := newTestRouter(t, Config{})

	for _, path := range []string{"/", "/userinfo", "/oauth2/introspect"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.Header.Set("Authorization", "Bearer "+DefaultToken)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, map[string]any{
				"email":          DefaultEmail,
				"email_verified": true,
				"sub":            DefaultSub,
			}, body)
		})
	}
}

func TestHandler_Rejects(t *testing.T) {
	router := newTestRouter(t, Config{})

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"scheme only", "Bearer"},
		{"three fields", "Bearer " + DefaultToken + " extra"},
		{"wrong token", "Bearer nope"},
		{"token prefix", "Bearer " + DefaultToken[:len(DefaultToken)-1]},
		{"token case", "Bearer EYJ" + DefaultToken[3:]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, rec.Body.String())
		})
	}
}

func TestHandler_CustomTokenAndClaim(t *testing.T) {
	router := newTestRouter(t, Config{
		Token: "s3cret",
		Claim: &Claim{Email: "postmaster@example.test", EmailVerified: false, Sub: "42"},
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"email":"postmaster@example.test","email_verified":false,"sub":"42"}`, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+DefaultToken)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
