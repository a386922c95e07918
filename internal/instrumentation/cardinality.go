package instrumentation

import "strings"

const unknownDomain = "unknown"

// ExtractUserDomain reduces a mail user to its domain for use as a metric label.
// Full user names must never become label values.
//
// Example:
//
//	ExtractUserDomain("user1@localhost.localdomain") // "localhost.localdomain"
//	ExtractUserDomain("postmaster")                  // "unknown"
//	ExtractUserDomain("")                            // "unknown"
func ExtractUserDomain(user string) string {
	if user == "" {
		return unknownDomain
	}

	parts := strings.Split(user, "@")
	if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return strings.ToLower(parts[1])
	}

	return unknownDomain
}
