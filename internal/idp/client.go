package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/teemow/mailpass/internal/instrumentation"
)

// ErrInvalidToken is returned when the provider rejects the token.
var ErrInvalidToken = errors.New("token rejected by identity provider")

// maxResponseBytes bounds the claim document read from the provider.
const maxResponseBytes = 1 << 20

// Client queries an identity provider the way the mail server does.
type Client struct {
	url  string
	base *http.Client
}

// NewClient creates a Client for the provider at url.
func NewClient(url string, timeout time.Duration) *Client {
	return &Client{
		url:  url,
		base: &http.Client{Timeout: timeout},
	}
}

// Introspect sends token as a bearer token and decodes the returned claim.
func (c *Client) Introspect(ctx context.Context, token string) (Claim, error) {
	ctx, span := instrumentation.StartIntrospectionSpan(ctx, c.url)
	defer span.End()

	claim, err := c.introspect(ctx, token)
	if err != nil {
		instrumentation.SetSpanError(span, err)
		return Claim{}, err
	}
	instrumentation.SetSpanSuccess(span)
	return claim, nil
}

func (c *Client) introspect(ctx context.Context, token string) (Claim, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	httpClient := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.base), src)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Claim{}, fmt.Errorf("failed to build introspection request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return Claim{}, fmt.Errorf("introspection request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Claim{}, ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		return Claim{}, fmt.Errorf("unexpected introspection status %d", resp.StatusCode)
	}

	var claim Claim
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&claim); err != nil {
		return Claim{}, fmt.Errorf("failed to decode claim: %w", err)
	}
	return claim, nil
}
