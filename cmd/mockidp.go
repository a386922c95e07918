package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/teemow/mailpass/internal/idp"
	"github.com/teemow/mailpass/internal/logging"
	"github.com/teemow/mailpass/internal/server"
)

// MockIDPConfig is the configuration of the mock-idp command.
type MockIDPConfig struct {
	Debug         bool
	Addr          string
	Token         string
	Email         string
	EmailVerified bool
	Sub           string
	Metrics       MetricsConfig
}

func newMockIDPCmd() *cobra.Command {
	config := MockIDPConfig{
		Addr:          ":80",
		Token:         idp.DefaultToken,
		Email:         idp.DefaultEmail,
		EmailVerified: true,
		Sub:           idp.DefaultSub,
		Metrics: MetricsConfig{
			Addr: ":9091",
		},
	}

	cmd := &cobra.Command{
		Use:   "mock-idp",
		Short: "Start the mock identity provider",
		Long: `Start a mock OAuth2 identity provider for mail server tests.

Every GET request, on any path, is answered with the fixed claim
  {"email": "...", "email_verified": true, "sub": "..."}
when it carries "Authorization: Bearer <token>" with the configured token,
and with 401 otherwise. This is the introspection contract a mail server's
OAuth2 passdb uses.

The XOAUTH2 SASL string for the configured user and token is logged on start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loadMockIDPEnvVars(cmd, &config)
			logger := setupLogging(cmd, config.Debug)
			return runMockIDP(cmd.Context(), config, logger)
		},
	}

	cmd.Flags().BoolVar(&config.Debug, "debug", false, "Enable debug logging. Can also use DEBUG env var.")
	cmd.Flags().StringVar(&config.Addr, "addr", config.Addr, "Listen address. Can also use MOCK_IDP_ADDR env var.")
	cmd.Flags().StringVar(&config.Token, "token", config.Token, "The one accepted bearer token. Can also use MOCK_IDP_TOKEN env var.")
	cmd.Flags().StringVar(&config.Email, "email", config.Email, "Email returned in the claim. Can also use MOCK_IDP_EMAIL env var.")
	cmd.Flags().BoolVar(&config.EmailVerified, "email-verified", config.EmailVerified, "email_verified returned in the claim. Can also use MOCK_IDP_EMAIL_VERIFIED env var.")
	cmd.Flags().StringVar(&config.Sub, "sub", config.Sub, "Subject returned in the claim. Can also use MOCK_IDP_SUB env var.")
	cmd.Flags().BoolVar(&config.Metrics.Enabled, "metrics-enabled", false, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&config.Metrics.Addr, "metrics-addr", config.Metrics.Addr, "Metrics server address. Can also use METRICS_ADDR env var.")

	return cmd
}

func loadMockIDPEnvVars(cmd *cobra.Command, config *MockIDPConfig) {
	envBool(cmd, "debug", "DEBUG", &config.Debug)
	envString(cmd, "addr", "MOCK_IDP_ADDR", &config.Addr)
	envString(cmd, "token", "MOCK_IDP_TOKEN", &config.Token)
	envString(cmd, "email", "MOCK_IDP_EMAIL", &config.Email)
	envBool(cmd, "email-verified", "MOCK_IDP_EMAIL_VERIFIED", &config.EmailVerified)
	envString(cmd, "sub", "MOCK_IDP_SUB", &config.Sub)
	envBool(cmd, "metrics-enabled", "METRICS_ENABLED", &config.Metrics.Enabled)
	envString(cmd, "metrics-addr", "METRICS_ADDR", &config.Metrics.Addr)
}

func runMockIDP(ctx context.Context, config MockIDPConfig, logger *slog.Logger) error {
	shutdownCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	obs, err := startObservability(shutdownCtx, "mailpass-mock-idp", config.Metrics, logger)
	if err != nil {
		return err
	}
	defer obs.Shutdown()

	claim := idp.Claim{
		Email:         config.Email,
		EmailVerified: config.EmailVerified,
		Sub:           config.Sub,
	}

	handler, err := idp.NewHandler(idp.Config{
		Token:   config.Token,
		Claim:   &claim,
		Logger:  logging.NewSlogAdapter(logging.WithComponent(logger, "idp")),
		Metrics: obs.Metrics(),
	})
	if err != nil {
		return fmt.Errorf("failed to create identity provider handler: %w", err)
	}

	logTokenInfo(logger, config.Token)
	logger.Info("mock identity provider fixture",
		"email", claim.Email,
		"xoauth2", idp.XOAUTH2(claim.Email, config.Token),
	)

	// No health endpoints: every path belongs to the introspection contract.
	srv := server.NewHTTPServer(server.Config{
		Name:    "mock-idp",
		Logger:  logger,
		Metrics: obs.Metrics(),
	}, func(r chi.Router) {
		handler.Routes(r)
	})

	logger.Info("starting mock identity provider", "addr", config.Addr, "version", version)
	return serveUntilDone(shutdownCtx, srv, config.Addr, logger)
}

// logTokenInfo logs the unverified header and claims of a JWT token.
// Opaque tokens are fine; they are only noted at debug level.
func logTokenInfo(logger *slog.Logger, token string) {
	info, err := idp.DescribeToken(token)
	if err != nil {
		logger.Debug("accepted token is not a JWT", logging.Err(err))
		return
	}
	logger.Info("accepted token",
		"alg", info.Algorithm,
		"iss", info.Issuer,
		"sub", info.Subject,
		"aud", info.Audience,
	)
}
