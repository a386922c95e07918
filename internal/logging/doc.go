// Package logging provides structured logging utilities for mailpass.
//
// All components log through log/slog. This package keeps attribute names
// consistent across the gateway, the mock identity provider and the jail, and
// provides helpers that keep credentials out of the logs.
//
// # Usage Patterns
//
// Build the process logger once at startup:
//
//	logger := logging.New(os.Stderr, logging.Options{Debug: true, Format: logging.FormatJSON})
//
// Attach standard attributes:
//
//	logger = logging.WithComponent(logger, "gateway")
//	logger.Info("password changed",
//	    logging.UserHash(req.User),
//	    logging.Status(logging.StatusSuccess))
//
// # Security Considerations
//
//   - Passwords are never passed to a logger
//   - Mail users are hashed so log lines can be correlated without exposing the address
//   - Bearer tokens are reduced to their length
package logging
