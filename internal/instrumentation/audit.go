package instrumentation

import (
	"context"
	"log/slog"
	"time"

	"github.com/teemow/mailpass/internal/logging"
)

// ChangeAttempt captures one password change request for audit logging.
//
// # Privacy Considerations
//
// User is PII. Unless the audit logger is configured with IncludePII,
// only the user's domain and a hashed identifier are written.
// Passwords are never part of a ChangeAttempt.
type ChangeAttempt struct {
	AttemptID string
	User      string
	RemoteIP  string

	StartTime time.Time
	Duration  time.Duration
	Result    string // ResultSuccess, ResultInvalidCredentials, ResultBadRequest, ResultError
	ExitCode  int    // -1 when the helper did not run or did not exit
	Error     string

	TraceID string
	SpanID  string
}

// NewChangeAttempt creates a ChangeAttempt with timing started.
// Call Complete when the request has been answered.
func NewChangeAttempt(attemptID, remoteIP string) *ChangeAttempt {
	return &ChangeAttempt{
		AttemptID: attemptID,
		RemoteIP:  remoteIP,
		StartTime: time.Now(),
		ExitCode:  -1,
	}
}

// WithUser sets the mail user.
func (ca *ChangeAttempt) WithUser(user string) *ChangeAttempt {
	ca.User = user
	return ca
}

// WithSpanContext copies trace identifiers from the span in ctx.
func (ca *ChangeAttempt) WithSpanContext(ctx context.Context) *ChangeAttempt {
	ca.TraceID = GetTraceID(ctx)
	ca.SpanID = GetSpanID(ctx)
	return ca
}

// Complete records the result and calculates the duration.
func (ca *ChangeAttempt) Complete(result string, exitCode int, err error) *ChangeAttempt {
	ca.Duration = time.Since(ca.StartTime)
	ca.Result = result
	ca.ExitCode = exitCode
	if err != nil {
		ca.Error = err.Error()
	}
	return ca
}

// Success reports whether the password was changed.
func (ca *ChangeAttempt) Success() bool {
	return ca.Result == ResultSuccess
}

// LogAttrs returns attributes without PII.
func (ca *ChangeAttempt) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String(logging.KeyAttemptID, ca.AttemptID),
		slog.String("user_domain", ExtractUserDomain(ca.User)),
		slog.String(logging.KeyUserHash, logging.AnonymizeUser(ca.User)),
		slog.String("result", ca.Result),
		slog.Duration(logging.KeyDuration, ca.Duration),
	}
	return append(attrs, ca.commonAttrs()...)
}

// LogAuditAttrs returns attributes including the full user name.
func (ca *ChangeAttempt) LogAuditAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String(logging.KeyAttemptID, ca.AttemptID),
		slog.String("user", ca.User),
		slog.String("result", ca.Result),
		slog.Duration(logging.KeyDuration, ca.Duration),
	}
	attrs = append(attrs, ca.commonAttrs()...)
	if ca.SpanID != "" {
		attrs = append(attrs, slog.String("span_id", ca.SpanID))
	}
	return attrs
}

func (ca *ChangeAttempt) commonAttrs() []slog.Attr {
	var attrs []slog.Attr
	if ca.RemoteIP != "" {
		attrs = append(attrs, slog.String(logging.KeyRemoteIP, ca.RemoteIP))
	}
	if ca.ExitCode >= 0 {
		attrs = append(attrs, slog.Int(logging.KeyExitCode, ca.ExitCode))
	}
	if ca.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", ca.TraceID))
	}
	if ca.Error != "" {
		attrs = append(attrs, slog.String(logging.KeyError, ca.Error))
	}
	return attrs
}

// AuditLogger writes structured audit records of password change attempts.
type AuditLogger struct {
	logger     *slog.Logger
	includePII bool
	enabled    bool
}

// NewAuditLogger creates an enabled AuditLogger that does not log PII.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return NewAuditLoggerWithConfig(logger, AuditLoggingConfig{Enabled: true})
}

// NewAuditLoggerWithConfig creates a new AuditLogger with the given configuration.
func NewAuditLoggerWithConfig(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:     logger.With(slog.String(logging.KeyComponent, "audit")),
		includePII: config.IncludePII,
		enabled:    config.Enabled,
	}
}

// LogChangeAttempt writes one audit record. Successful changes are logged at
// info level, everything else at warn.
func (al *AuditLogger) LogChangeAttempt(ca *ChangeAttempt) {
	if al == nil || !al.enabled || ca == nil {
		return
	}

	var attrs []slog.Attr
	if al.includePII {
		attrs = ca.LogAuditAttrs()
	} else {
		attrs = ca.LogAttrs()
	}

	level := slog.LevelWarn
	msg := "password_change_failed"
	if ca.Success() {
		level = slog.LevelInfo
		msg = "password_changed"
	}
	al.logger.LogAttrs(context.Background(), level, msg, attrs...)
}
