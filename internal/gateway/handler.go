// Package gateway implements the credential-change HTTP endpoint.
//
// POST /change-password takes {"user", "oldPassword", "newPassword"} and
// hands them to the password helper. The helper's exit status decides the
// response: 0 → 200, 2 → 403 after a fixed delay, anything else → 500.
// The gateway keeps no credential state and never logs passwords.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/teemow/mailpass/internal/helper"
	"github.com/teemow/mailpass/internal/instrumentation"
	"github.com/teemow/mailpass/internal/logging"
)

// Response bodies.
const (
	MessageSuccess            = "Passwort successfully changed"
	MessageInvalidCredentials = "Invalid credentials"
)

// Defaults.
const (
	DefaultInvalidCredentialsDelay = 3 * time.Second
	DefaultMaxBodyBytes            = 64 << 10
)

// AttemptIDHeader carries the attempt identifier in every response.
const AttemptIDHeader = "X-Attempt-ID"

// Infractor records a failed credential check for a client.
type Infractor interface {
	Infraction(ctx context.Context, key string) (bool, error)
}

// Config configures a Handler.
type Config struct {
	Runner helper.Runner

	// InvalidCredentialsDelay is waited before answering 403.
	// Zero means DefaultInvalidCredentialsDelay; negative disables the delay.
	InvalidCredentialsDelay time.Duration

	// MaxBodyBytes bounds the request body (default: DefaultMaxBodyBytes).
	MaxBodyBytes int64

	// Jail, when set, receives an infraction for every invalid credential.
	Jail Infractor

	// ClientIP extracts the client address (default: RemoteAddr host).
	ClientIP func(*http.Request) string

	Logger  logging.Logger
	Metrics *instrumentation.Metrics
	Audit   *instrumentation.AuditLogger
}

// Handler serves POST /change-password.
type Handler struct {
	runner       helper.Runner
	delay        time.Duration
	maxBodyBytes int64
	jail         Infractor
	clientIP     func(*http.Request) string
	logger       logging.Logger
	metrics      *instrumentation.Metrics
	audit        *instrumentation.AuditLogger
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Runner == nil {
		return nil, errors.New("gateway: runner is required")
	}
	if cfg.InvalidCredentialsDelay == 0 {
		cfg.InvalidCredentialsDelay = DefaultInvalidCredentialsDelay
	}
	if cfg.InvalidCredentialsDelay < 0 {
		cfg.InvalidCredentialsDelay = 0
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ClientIP == nil {
		cfg.ClientIP = remoteHost
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.DefaultLogger()
	}

	return &Handler{
		runner:       cfg.Runner,
		delay:        cfg.InvalidCredentialsDelay,
		maxBodyBytes: cfg.MaxBodyBytes,
		jail:         cfg.Jail,
		clientIP:     cfg.ClientIP,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		audit:        cfg.Audit,
	}, nil
}

// Routes registers POST /change-password. Middlewares apply to this route only.
func (h *Handler) Routes(r chi.Router, middlewares ...func(http.Handler) http.Handler) {
	r.With(middlewares...).Post("/change-password", h.ServeHTTP)
}

// ServeHTTP handles one change request: Receive, Validate, Invoke, MapStatus, Respond.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	attemptID := uuid.NewString()
	clientIP := h.clientIP(r)
	attempt := instrumentation.NewChangeAttempt(attemptID, clientIP).WithSpanContext(ctx)
	w.Header().Set(AttemptIDHeader, attemptID)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	req, err := decodeRequest(r)
	attempt.WithUser(req.User)
	if err != nil {
		h.logger.Info("rejected malformed request",
			logging.AttemptID(attemptID),
			logging.RemoteIP(clientIP),
			logging.Err(err),
		)
		h.finish(ctx, attempt, instrumentation.ResultBadRequest, -1, err)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.runner.Run(ctx, req.User, req.OldPassword, req.NewPassword)
	if err != nil {
		h.logger.Error("password helper failed",
			logging.AttemptID(attemptID),
			logging.UserHash(req.User),
			logging.Err(err),
		)
		h.finish(ctx, attempt, instrumentation.ResultError, res.ExitCode, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	switch res.Outcome() {
	case helper.OutcomeSuccess:
		h.logger.Info("password changed",
			logging.AttemptID(attemptID),
			logging.UserHash(req.User),
		)
		h.finish(ctx, attempt, instrumentation.ResultSuccess, res.ExitCode, nil)
		writeText(w, http.StatusOK, MessageSuccess)

	case helper.OutcomeInvalidCredentials:
		h.logger.Info("invalid credentials",
			logging.AttemptID(attemptID),
			logging.UserHash(req.User),
			logging.RemoteIP(clientIP),
		)
		h.recordInfraction(ctx, clientIP)
		h.wait(ctx)
		h.finish(ctx, attempt, instrumentation.ResultInvalidCredentials, res.ExitCode, nil)
		writeText(w, http.StatusForbidden, MessageInvalidCredentials)

	default:
		h.logger.Error("password helper exited with unexpected code",
			logging.AttemptID(attemptID),
			logging.UserHash(req.User),
			logging.ExitCode(res.ExitCode),
		)
		h.finish(ctx, attempt, instrumentation.ResultError, res.ExitCode, nil)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) recordInfraction(ctx context.Context, clientIP string) {
	if h.jail == nil {
		return
	}
	if _, err := h.jail.Infraction(ctx, clientIP); err != nil {
		h.logger.Error("failed to record infraction",
			logging.RemoteIP(clientIP),
			logging.Err(err),
		)
	}
}

// wait sleeps for the invalid credentials delay or until ctx is done.
func (h *Handler) wait(ctx context.Context) {
	if h.delay <= 0 {
		return
	}
	t := time.NewTimer(h.delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (h *Handler) finish(ctx context.Context, attempt *instrumentation.ChangeAttempt, result string, exitCode int, err error) {
	h.metrics.RecordPasswordChange(ctx, result, attempt.User)
	h.audit.LogChangeAttempt(attempt.Complete(result, exitCode, err))
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
