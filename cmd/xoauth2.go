package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teemow/mailpass/internal/idp"
)

func newXOAUTH2Cmd() *cobra.Command {
	var (
		user  string
		token string
	)

	cmd := &cobra.Command{
		Use:   "xoauth2",
		Short: "Print the XOAUTH2 SASL string for a user and token",
		Long: `Print the base64 encoded XOAUTH2 initial client response
  user=<user>^Aauth=Bearer <token>^A^A
as used by IMAP "AUTHENTICATE XOAUTH2" and SMTP "AUTH XOAUTH2".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), idp.XOAUTH2(user, token))
			return err
		},
	}

	cmd.Flags().StringVar(&user, "user", idp.DefaultEmail, "Mail user")
	cmd.Flags().StringVar(&token, "token", idp.DefaultToken, "Bearer token")

	return cmd
}
