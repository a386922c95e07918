package idp

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teemow/mailpass/internal/instrumentation"
	"github.com/teemow/mailpass/internal/logging"
)

// Config configures a Handler.
type Config struct {
	// Token is the one accepted bearer token (default: DefaultToken).
	Token string

	// Claim is returned for the accepted token (default: DefaultClaim()).
	Claim *Claim

	Logger  logging.Logger
	Metrics *instrumentation.Metrics
}

// Handler serves the introspection contract.
type Handler struct {
	token   []byte
	body    []byte
	logger  logging.Logger
	metrics *instrumentation.Metrics
}

// NewHandler creates a Handler. The claim is encoded once up front.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Token == "" {
		cfg.Token = DefaultToken
	}
	claim := DefaultClaim()
	if cfg.Claim != nil {
		claim = *cfg.Claim
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.DefaultLogger()
	}

	body, err := json.Marshal(claim)
	if err != nil {
		return nil, err
	}

	return &Handler{
		token:   []byte(cfg.Token),
		body:    body,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Routes registers the handler for GET on every path.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.ServeHTTP)
	r.Get("/*", h.ServeHTTP)
}

// ServeHTTP answers 200 with the claim for the accepted token, 401 with an
// empty body otherwise.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := ExtractToken(r.Header.Get("Authorization"))
	if !ok || subtle.ConstantTimeCompare([]byte(token), h.token) != 1 {
		h.metrics.RecordIntrospection(r.Context(), instrumentation.IntrospectionRejected)
		h.logger.Debug("token rejected",
			"path", r.URL.Path,
			"token", logging.SanitizeToken(token),
			"well_formed", ok,
		)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	h.metrics.RecordIntrospection(r.Context(), instrumentation.IntrospectionAccepted)
	h.logger.Debug("token accepted", "path", r.URL.Path)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.body)
}
