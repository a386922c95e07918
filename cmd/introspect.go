package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teemow/mailpass/internal/idp"
)

func newIntrospectCmd() *cobra.Command {
	var (
		url     string
		token   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "introspect",
		Short: "Resolve a bearer token against an identity provider",
		Long: `Send a bearer token to an identity provider the way the mail server
does and print the returned claim as JSON.

Exits non-zero when the provider rejects the token or cannot be reached.`,
		Example: `  mailpass introspect --url http://localhost:80/
  mailpass introspect --url http://idp.example.test/ --token "$TOKEN"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			envString(cmd, "url", "IDP_URL", &url)
			envString(cmd, "token", "MOCK_IDP_TOKEN", &token)
			if url == "" {
				return errors.New("--url or IDP_URL is required")
			}

			claim, err := idp.NewClient(url, timeout).Introspect(cmd.Context(), token)
			if errors.Is(err, idp.ErrInvalidToken) {
				return fmt.Errorf("%s rejected the token", url)
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(claim)
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "Identity provider URL. Can also use IDP_URL env var.")
	cmd.Flags().StringVar(&token, "token", idp.DefaultToken, "Bearer token to introspect. Can also use MOCK_IDP_TOKEN env var.")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")

	return cmd
}
