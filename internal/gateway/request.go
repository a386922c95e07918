package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrMissingField is returned when a required field is absent or empty.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidField is returned when a field cannot be passed to the helper.
	ErrInvalidField = errors.New("invalid field")

	// ErrNotJSON is returned when the body is absent, not JSON or not a JSON object.
	ErrNotJSON = errors.New("request body is not a JSON object")
)

// ChangePasswordRequest is the body of POST /change-password.
type ChangePasswordRequest struct {
	User        string `json:"user"`
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// Validate checks that all fields are present and can be handed to the
// helper, which takes the user as an argument and the passwords as stdin lines.
// An empty string counts as missing, not only an absent key.
func (r ChangePasswordRequest) Validate() error {
	for _, f := range []struct {
		name  string
		value string
	}{
		{"user", r.User},
		{"oldPassword", r.OldPassword},
		{"newPassword", r.NewPassword},
	} {
		if f.value == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
		if strings.ContainsAny(f.value, "\r\n\x00") {
			return fmt.Errorf("%w: %s contains a line break or NUL", ErrInvalidField, f.name)
		}
	}
	if strings.HasPrefix(r.User, "-") {
		return fmt.Errorf("%w: user must not start with '-'", ErrInvalidField)
	}
	return nil
}

// decodeRequest reads and validates a ChangePasswordRequest. The body must be
// declared as JSON and hold exactly one JSON object.
func decodeRequest(r *http.Request) (ChangePasswordRequest, error) {
	var req ChangePasswordRequest

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !isJSONMediaType(mediaType) {
		return req, fmt.Errorf("%w: content type %q", ErrNotJSON, r.Header.Get("Content-Type"))
	}

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		return req, fmt.Errorf("%w: %w", ErrNotJSON, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("%w: trailing data after object", ErrNotJSON)
	}

	return req, req.Validate()
}

func isJSONMediaType(mediaType string) bool {
	return mediaType == "application/json" ||
		(strings.HasPrefix(mediaType, "application/") && strings.HasSuffix(mediaType, "+json"))
}

// remoteHost returns the host part of RemoteAddr.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
