package idp

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// TokenInfo describes the claims of a JWT bearer token.
type TokenInfo struct {
	Algorithm string
	Issuer    string
	Subject   string
	Audience  []string
}

// DescribeToken decodes a JWT without verifying its signature. The mock
// provider never verifies tokens; this is for logging and diagnostics.
func DescribeToken(token string) (TokenInfo, error) {
	claims := jwt.MapClaims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return TokenInfo{}, fmt.Errorf("failed to decode token: %w", err)
	}

	info := TokenInfo{}
	if alg, ok := parsed.Header["alg"].(string); ok {
		info.Algorithm = alg
	}
	if info.Issuer, err = claims.GetIssuer(); err != nil {
		return TokenInfo{}, fmt.Errorf("invalid iss claim: %w", err)
	}
	if info.Subject, err = claims.GetSubject(); err != nil {
		return TokenInfo{}, fmt.Errorf("invalid sub claim: %w", err)
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return TokenInfo{}, fmt.Errorf("invalid aud claim: %w", err)
	}
	info.Audience = aud

	return info, nil
}
