package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

// Common log attribute keys for consistent naming across the codebase.
const (
	KeyOperation = "operation"
	KeyComponent = "component"
	KeyUserHash  = "user_hash"
	KeyRemoteIP  = "remote_ip"
	KeyAttemptID = "attempt_id"
	KeyExitCode  = "exit_code"
	KeyDuration  = "duration"
	KeyStatus    = "status"
	KeyError     = "error"
)

// Status values for consistent logging.
// Note: These are intentionally duplicated from instrumentation package
// to avoid circular dependencies (instrumentation imports logging).
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// WithOperation returns a logger with the operation attribute set.
func WithOperation(logger *slog.Logger, operation string) *slog.Logger {
	return logger.With(slog.String(KeyOperation, operation))
}

// WithComponent returns a logger with the component attribute set.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String(KeyComponent, component))
}

// Operation returns a slog attribute for the operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Component returns a slog attribute for the component name.
func Component(component string) slog.Attr {
	return slog.String(KeyComponent, component)
}

// Status returns a slog attribute for the status.
func Status(status string) slog.Attr {
	return slog.String(KeyStatus, status)
}

// RemoteIP returns a slog attribute for the client address.
func RemoteIP(ip string) slog.Attr {
	return slog.String(KeyRemoteIP, ip)
}

// AttemptID returns a slog attribute for a password change attempt.
func AttemptID(id string) slog.Attr {
	return slog.String(KeyAttemptID, id)
}

// ExitCode returns a slog attribute for a helper exit code.
func ExitCode(code int) slog.Attr {
	return slog.Int(KeyExitCode, code)
}

// Err returns a slog attribute for an error.
// If err is nil, returns an empty Group attribute that will be omitted from output.
//
// Usage:
//
//	logger.Info("operation", logging.Err(err))  // Safe even if err is nil
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Group("")
	}
	return slog.String(KeyError, err.Error())
}

// AnonymizeUser returns a hashed representation of a mail user for logging purposes.
// This allows correlation of log entries without exposing the address.
func AnonymizeUser(user string) string {
	if user == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(user))
	return "user:" + hex.EncodeToString(hash[:8])
}

// UserHash returns a slog attribute with the anonymized mail user.
//
// Usage:
//
//	logger.Info("password changed", logging.UserHash(req.User))
func UserHash(user string) slog.Attr {
	return slog.String(KeyUserHash, AnonymizeUser(user))
}

// SanitizeToken returns a masked version of a token for logging.
// It returns a length indicator without exposing any token content,
// as even partial token prefixes (like JWT headers) can aid attacks.
func SanitizeToken(token string) string {
	if token == "" {
		return "<empty>"
	}
	return fmt.Sprintf("[token:%d chars]", len(token))
}

// ExtractDomain extracts the domain part from a mail address.
func ExtractDomain(user string) string {
	parts := strings.Split(user, "@")
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// Domain returns a slog attribute for the mail domain (lower cardinality than the full user).
func Domain(user string) slog.Attr {
	return slog.String("user_domain", ExtractDomain(user))
}
