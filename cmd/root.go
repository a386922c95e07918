package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/teemow/mailpass/internal/logging"
)

// rootCmd represents the base command for the mailpass application
var rootCmd = &cobra.Command{
	Use:   "mailpass",
	Short: "Password change gateway for mail accounts",
	Long: `mailpass lets mail users change their password over HTTP. The gateway
hands the request to a privileged helper program and maps its exit code
to an HTTP status.

It also ships a mock identity provider that answers token introspection
requests the way a mail server's OAuth2 passdb expects, for testing.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// logFormat is shared by all subcommands.
var logFormat string

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mailpass version %s\n" .Version}}`)

	// Without a subcommand the gateway is started.
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// setupLogging builds the process logger and installs it as slog default.
func setupLogging(cmd *cobra.Command, debug bool) *slog.Logger {
	format := logFormat
	if !cmd.Flags().Changed("log-format") {
		if env := os.Getenv("LOG_FORMAT"); env != "" {
			format = env
		}
	}
	if !debug && os.Getenv("DEBUG") == "true" {
		debug = true
	}
	return logging.New(cmd.ErrOrStderr(), logging.Options{
		Debug:      debug,
		Format:     format,
		SetDefault: true,
	})
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", logging.FormatText, "Log format: text or json. Can also use LOG_FORMAT env var.")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMockIDPCmd())
	rootCmd.AddCommand(newIntrospectCmd())
	rootCmd.AddCommand(newXOAUTH2Cmd())
	rootCmd.AddCommand(newVersionCmd())
}
