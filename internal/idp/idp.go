// Package idp implements a mock OAuth2 identity provider for mail server
// test fixtures, and a client for its token introspection contract.
//
// The provider answers every GET with the configured identity claim when the
// request carries the one accepted bearer token, and with 401 otherwise. The
// mail server (Dovecot) calls it to resolve an XOAUTH2 token to a user.
package idp

import (
	"encoding/base64"
	"strings"
)

// DefaultToken is the bearer token accepted by default. It is an RS256 JWT
// issued by http://provider.example.test:8000/ for the audience "mailserver".
const DefaultToken = "eyJhbGciOiJSUzI1NiIsInR5cCI6IkpXVCJ9." +
	"eyJpc3MiOiJodHRwOi8vcHJvdmlkZXIuZXhhbXBsZS50ZXN0OjgwMDAvIiwic3ViIjoiODJjMWMzMzRkY2M2ZTMxMWFlNGFhZWJmZTk0NmM1ZTg1OGYwNTVhZmYxY2U1YTM3YWE3Y2M5MWFhYjE3ZTM1YyIsImF1ZCI6Im1haWxzZXJ2ZXIiLCJ1aWQiOiI4OU4zR0NuN1M1Y090WkZNRTVBeVhNbmxURFdVcnEzRmd4YWlyWWhFIn0." +
	"zuCytArbphhJn9XT_y9cBdGqDCNo68tBrtOwPIsuKNyF340SaOuZa0xarZofygytdDpLtYr56QlPTKImi-n1ZWrHkRZkwrQi5jQ-j_n2hEAL0vUToLbDnXYfc5q2w7z7X0aoCmiK8-fV7Kx4CVTM7riBgpElf6F3wNAIcX6R1ijUh6ISCL0XYsdogf8WUNZipXY-O4R7YHXdOENuOp3G48hWhxuUh9PsUqE5yxDwLsOVzCTqg9S5gxPQzF2eCN9J0I2XiIlLKvLQPIZ2Y_K7iYvVwjpNdgb4xhm9wuKoIVinYkF_6CwIzAawBWIDJAbix1IslkUPQMGbupTDtOgTiQ"

// Default identity.
const (
	DefaultEmail = "user1@localhost.localdomain"
	DefaultSub   = "82c1c334dcc6e311ae4aaebfe946c5e858f055aff1ce5a37aa7cc91aab17e35c"
)

// Claim is the identity returned for an accepted token.
type Claim struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Sub           string `json:"sub"`
}

// DefaultClaim returns the claim served by default.
func DefaultClaim() Claim {
	return Claim{
		Email:         DefaultEmail,
		EmailVerified: true,
		Sub:           DefaultSub,
	}
}

// ExtractToken returns the token from an Authorization header value.
// The header must consist of exactly two whitespace-separated fields; the
// scheme (first field) is not checked.
func ExtractToken(header string) (string, bool) {
	fields := strings.Fields(header)
	if len(fields) != 2 {
		return "", false
	}
	return fields[1], true
}

// XOAUTH2 returns the base64 encoded SASL XOAUTH2 initial response a mail
// client sends to authenticate user with token.
func XOAUTH2(user, token string) string {
	raw := "user=" + user + "\x01auth=Bearer " + token + "\x01\x01"
	return base64.StdEncoding.EncodeToString([]byte(raw))
}
