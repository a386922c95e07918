package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/teemow/mailpass/internal/gateway"
	"github.com/teemow/mailpass/internal/helper"
	"github.com/teemow/mailpass/internal/instrumentation"
	"github.com/teemow/mailpass/internal/jail"
	"github.com/teemow/mailpass/internal/logging"
	"github.com/teemow/mailpass/internal/server"
)

// Jail store types.
const (
	JailStoreMemory = "memory"
	JailStoreValkey = "valkey"
)

// GatewayConfig holds the settings of the password change endpoint.
type GatewayConfig struct {
	Addr                    string
	HelperCommand           string
	HelperTimeout           time.Duration
	InvalidCredentialsDelay time.Duration
	MaxBodyBytes            int64

	RateLimit  int
	RateBurst  int
	TrustProxy bool

	// TLS/HTTPS support
	TLSCertFile string
	TLSKeyFile  string
}

// JailConfig holds the bad-actor jail settings.
type JailConfig struct {
	// Enabled turns the jail on (default: true)
	Enabled bool

	StrikeLimit  int
	StrikeWindow time.Duration
	Sentence     time.Duration
	Exempt       []string

	// Store is the jail backend: "memory" or "valkey" (default: "memory")
	Store string

	// Valkey configuration (used when Store is "valkey")
	Valkey jail.ValkeyConfig
}

// ServeConfig is the complete configuration of the serve command.
type ServeConfig struct {
	Debug   bool
	Gateway GatewayConfig
	Jail    JailConfig
	Metrics MetricsConfig
}

func newServeCmd() *cobra.Command {
	config := ServeConfig{
		Gateway: GatewayConfig{
			Addr:                    ":5000",
			HelperCommand:           helper.DefaultCommand,
			HelperTimeout:           helper.DefaultTimeout,
			InvalidCredentialsDelay: gateway.DefaultInvalidCredentialsDelay,
			MaxBodyBytes:            gateway.DefaultMaxBodyBytes,
			RateLimit:               server.DefaultRateLimit,
			RateBurst:               server.DefaultRateBurst,
		},
		Jail: JailConfig{
			Enabled:      true,
			StrikeLimit:  jail.DefaultStrikeLimit,
			StrikeWindow: jail.DefaultStrikeWindow,
			Sentence:     jail.DefaultSentence,
			Store:        JailStoreMemory,
			Valkey:       jail.ValkeyConfig{KeyPrefix: jail.DefaultKeyPrefix},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    server.DefaultMetricsAddr,
		},
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the password change gateway",
		Long: `Start the HTTP gateway that accepts password change requests on
POST /change-password and forwards them to the privileged helper.

Request body (JSON):
  {"user": "...", "oldPassword": "...", "newPassword": "..."}

The helper is started as "<helper-command> <user>" and reads the old and
the new password from stdin, one per line. Its exit code decides the answer:
  0      200 "Passwort successfully changed"
  2      403 "Invalid credentials" (after the invalid credentials delay)
  other  500

Clients that keep failing are jailed and get 404 for the sentence duration,
even for requests with correct credentials. The jail can keep its state in
Valkey so that replicas share it. Use --jail-enabled=false to answer every
request with the status codes above only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			loadServeEnvVars(cmd, &config)
			logger := setupLogging(cmd, config.Debug)
			return runServe(cmd.Context(), config, logger)
		},
	}

	cmd.Flags().BoolVar(&config.Debug, "debug", false, "Enable debug logging. Can also use DEBUG env var.")
	cmd.Flags().StringVar(&config.Gateway.Addr, "addr", config.Gateway.Addr, "Gateway listen address. Can also use GATEWAY_ADDR env var.")
	cmd.Flags().StringVar(&config.Gateway.HelperCommand, "helper-command", config.Gateway.HelperCommand, "Helper command line; the user is appended as last argument. Can also use UPDATEMAILUSER_SECURE env var.")
	cmd.Flags().DurationVar(&config.Gateway.HelperTimeout, "helper-timeout", config.Gateway.HelperTimeout, "Maximum run time of one helper invocation. Can also use HELPER_TIMEOUT env var.")
	cmd.Flags().DurationVar(&config.Gateway.InvalidCredentialsDelay, "invalid-credentials-delay", config.Gateway.InvalidCredentialsDelay, "Delay before answering 403 (negative disables). Can also use INVALID_CREDENTIALS_DELAY env var.")
	cmd.Flags().Int64Var(&config.Gateway.MaxBodyBytes, "max-body-bytes", config.Gateway.MaxBodyBytes, "Maximum request body size. Can also use MAX_BODY_BYTES env var.")
	cmd.Flags().IntVar(&config.Gateway.RateLimit, "rate-limit", config.Gateway.RateLimit, "Requests per second per client IP (0 disables). Can also use RATE_LIMIT env var.")
	cmd.Flags().IntVar(&config.Gateway.RateBurst, "rate-burst", config.Gateway.RateBurst, "Burst size per client IP. Can also use RATE_BURST env var.")
	cmd.Flags().BoolVar(&config.Gateway.TrustProxy, "trust-proxy", false, "Use X-Forwarded-For/X-Real-IP as client IP. Only enable behind a trusted proxy. Can also use TRUST_PROXY env var.")

	// TLS flags for HTTPS support
	cmd.Flags().StringVar(&config.Gateway.TLSCertFile, "tls-cert-file", "", "Path to TLS certificate file (PEM format). If provided with --tls-key-file, enables HTTPS. Can also use TLS_CERT_FILE env var.")
	cmd.Flags().StringVar(&config.Gateway.TLSKeyFile, "tls-key-file", "", "Path to TLS private key file (PEM format). If provided with --tls-cert-file, enables HTTPS. Can also use TLS_KEY_FILE env var.")

	// Jail flags
	cmd.Flags().BoolVar(&config.Jail.Enabled, "jail-enabled", config.Jail.Enabled, "Jail clients after repeated invalid credentials. Can also use JAIL_ENABLED env var.")
	cmd.Flags().IntVar(&config.Jail.StrikeLimit, "jail-strike-limit", config.Jail.StrikeLimit, "Invalid credential attempts within the strike window before a client is jailed. Can also use JAIL_STRIKE_LIMIT env var.")
	cmd.Flags().DurationVar(&config.Jail.StrikeWindow, "jail-strike-window", config.Jail.StrikeWindow, "Window in which strikes are counted. Can also use JAIL_STRIKE_WINDOW env var.")
	cmd.Flags().DurationVar(&config.Jail.Sentence, "jail-sentence", config.Jail.Sentence, "How long a jailed client is blocked. Can also use JAIL_SENTENCE env var.")
	cmd.Flags().StringSliceVar(&config.Jail.Exempt, "jail-exempt", nil, "Client IPs or CIDR prefixes that are never jailed (comma-separated). Can also use JAIL_EXEMPT env var.")
	cmd.Flags().StringVar(&config.Jail.Store, "jail-store", config.Jail.Store, "Jail storage type: memory or valkey. Can also use JAIL_STORE env var.")
	cmd.Flags().StringVar(&config.Jail.Valkey.URL, "valkey-url", "", "Valkey server address (e.g., valkey.namespace.svc:6379). Can also use VALKEY_URL env var.")
	cmd.Flags().StringVar(&config.Jail.Valkey.Password, "valkey-password", "", "Valkey authentication password. Can also use VALKEY_PASSWORD env var.")
	cmd.Flags().BoolVar(&config.Jail.Valkey.TLSEnabled, "valkey-tls", false, "Enable TLS for Valkey connections. Can also use VALKEY_TLS_ENABLED env var.")
	cmd.Flags().StringVar(&config.Jail.Valkey.KeyPrefix, "valkey-key-prefix", config.Jail.Valkey.KeyPrefix, "Prefix for all Valkey keys. Can also use VALKEY_KEY_PREFIX env var.")
	cmd.Flags().IntVar(&config.Jail.Valkey.DB, "valkey-db", 0, "Valkey database number. Can also use VALKEY_DB env var.")

	// Metrics server flags
	cmd.Flags().BoolVar(&config.Metrics.Enabled, "metrics-enabled", config.Metrics.Enabled, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&config.Metrics.Addr, "metrics-addr", config.Metrics.Addr, "Metrics server address. Can also use METRICS_ADDR env var.")

	return cmd
}

// loadServeEnvVars loads configuration from environment variables.
// Environment variables only override flag values when the flag was not explicitly set.
func loadServeEnvVars(cmd *cobra.Command, config *ServeConfig) {
	envBool(cmd, "debug", "DEBUG", &config.Debug)

	g := &config.Gateway
	envString(cmd, "addr", "GATEWAY_ADDR", &g.Addr)
	envString(cmd, "helper-command", "UPDATEMAILUSER_SECURE", &g.HelperCommand)
	envDuration(cmd, "helper-timeout", "HELPER_TIMEOUT", &g.HelperTimeout)
	envDuration(cmd, "invalid-credentials-delay", "INVALID_CREDENTIALS_DELAY", &g.InvalidCredentialsDelay)
	envInt64(cmd, "max-body-bytes", "MAX_BODY_BYTES", &g.MaxBodyBytes)
	envInt(cmd, "rate-limit", "RATE_LIMIT", &g.RateLimit)
	envInt(cmd, "rate-burst", "RATE_BURST", &g.RateBurst)
	envBool(cmd, "trust-proxy", "TRUST_PROXY", &g.TrustProxy)
	envString(cmd, "tls-cert-file", "TLS_CERT_FILE", &g.TLSCertFile)
	envString(cmd, "tls-key-file", "TLS_KEY_FILE", &g.TLSKeyFile)

	j := &config.Jail
	envBool(cmd, "jail-enabled", "JAIL_ENABLED", &j.Enabled)
	envInt(cmd, "jail-strike-limit", "JAIL_STRIKE_LIMIT", &j.StrikeLimit)
	envDuration(cmd, "jail-strike-window", "JAIL_STRIKE_WINDOW", &j.StrikeWindow)
	envDuration(cmd, "jail-sentence", "JAIL_SENTENCE", &j.Sentence)
	envList(cmd, "jail-exempt", "JAIL_EXEMPT", &j.Exempt)
	envString(cmd, "jail-store", "JAIL_STORE", &j.Store)
	envString(cmd, "valkey-url", "VALKEY_URL", &j.Valkey.URL)
	envString(cmd, "valkey-password", "VALKEY_PASSWORD", &j.Valkey.Password)
	envBool(cmd, "valkey-tls", "VALKEY_TLS_ENABLED", &j.Valkey.TLSEnabled)
	envString(cmd, "valkey-key-prefix", "VALKEY_KEY_PREFIX", &j.Valkey.KeyPrefix)
	envInt(cmd, "valkey-db", "VALKEY_DB", &j.Valkey.DB)

	// Valkey TLS CA File has no flag
	if caFile := os.Getenv("VALKEY_TLS_CA_FILE"); caFile != "" {
		j.Valkey.TLSCAFile = caFile
	}

	envBool(cmd, "metrics-enabled", "METRICS_ENABLED", &config.Metrics.Enabled)
	envString(cmd, "metrics-addr", "METRICS_ADDR", &config.Metrics.Addr)
}

func runServe(ctx context.Context, config ServeConfig, logger *slog.Logger) error {
	// Setup graceful shutdown
	shutdownCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command, err := helper.ParseCommand(config.Gateway.HelperCommand)
	if err != nil {
		return fmt.Errorf("invalid helper command: %w", err)
	}

	obs, err := startObservability(shutdownCtx, "mailpass", config.Metrics, logger)
	if err != nil {
		return err
	}
	defer obs.Shutdown()
	metrics := obs.Metrics()

	runner, err := helper.NewExecRunner(helper.Config{
		Command: command,
		Timeout: config.Gateway.HelperTimeout,
		Logger:  logging.NewSlogAdapter(logging.WithComponent(logger, "helper")),
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create helper runner: %w", err)
	}

	health := server.NewHealthChecker()
	health.AddCheck("helper", helperCheck(runner.Command()[0]))

	clientIP := func(r *http.Request) string {
		return server.ClientIP(r, config.Gateway.TrustProxy)
	}

	var j *jail.Jail
	if config.Jail.Enabled {
		j, err = newJail(config.Jail, logger, metrics, health)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				logger.Warn("error closing jail store", "error", err)
			}
		}()
	}

	gatewayConfig := gateway.Config{
		Runner:                  runner,
		InvalidCredentialsDelay: config.Gateway.InvalidCredentialsDelay,
		MaxBodyBytes:            config.Gateway.MaxBodyBytes,
		ClientIP:                clientIP,
		Logger:                  logging.NewSlogAdapter(logging.WithComponent(logger, "gateway")),
		Metrics:                 metrics,
		Audit:                   obs.AuditLogger(),
	}
	var routeMiddlewares []func(http.Handler) http.Handler
	if j != nil {
		gatewayConfig.Jail = j
		routeMiddlewares = append(routeMiddlewares, j.Middleware(clientIP))
	}

	handler, err := gateway.NewHandler(gatewayConfig)
	if err != nil {
		return fmt.Errorf("failed to create gateway handler: %w", err)
	}

	var rateLimiter *server.RateLimiter
	if config.Gateway.RateLimit > 0 {
		rateLimiter = server.NewRateLimiter(config.Gateway.RateLimit, config.Gateway.RateBurst,
			config.Gateway.TrustProxy, server.DefaultCleanupInterval, logger).WithMetrics(metrics)
	}

	srv := server.NewHTTPServer(server.Config{
		Name:         "gateway",
		Logger:       logger,
		Metrics:      metrics,
		Health:       health,
		RateLimiter:  rateLimiter,
		TLSCertFile:  config.Gateway.TLSCertFile,
		TLSKeyFile:   config.Gateway.TLSKeyFile,
		WriteTimeout: gatewayWriteTimeout(config.Gateway),
	}, func(r chi.Router) {
		handler.Routes(r, routeMiddlewares...)
	})

	logger.Info("starting password change gateway",
		"addr", config.Gateway.Addr,
		"helper", strings.Join(runner.Command(), " "),
		"jail", config.Jail.Enabled,
		"version", version,
	)

	return serveUntilDone(shutdownCtx, srv, config.Gateway.Addr, logger)
}

// newJail builds the jail and its store, registering a readiness check for Valkey.
func newJail(config JailConfig, logger *slog.Logger, metrics *instrumentation.Metrics, health *server.HealthChecker) (*jail.Jail, error) {
	var store jail.Store
	switch config.Store {
	case JailStoreMemory, "":
		store = jail.NewMemoryStore()
	case JailStoreValkey:
		valkeyStore, err := jail.NewValkeyStore(config.Valkey)
		if err != nil {
			return nil, fmt.Errorf("failed to create valkey jail store: %w", err)
		}
		health.AddCheck("valkey", valkeyStore.Ping)
		store = valkeyStore
		logger.Info("using valkey jail store", "url", config.Valkey.URL, "tls", config.Valkey.TLSEnabled)
	default:
		return nil, fmt.Errorf("unsupported jail store: %s (supported: %s, %s)", config.Store, JailStoreMemory, JailStoreValkey)
	}

	j, err := jail.New(jail.Config{
		StrikeLimit:  config.StrikeLimit,
		StrikeWindow: config.StrikeWindow,
		Sentence:     config.Sentence,
		Exempt:       config.Exempt,
		Store:        store,
		Logger:       logging.NewSlogAdapter(logging.WithComponent(logger, "jail")),
		Metrics:      metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create jail: %w", err)
	}
	return j, nil
}

// helperCheck reports not ready while the helper executable cannot be found.
func helperCheck(name string) server.CheckFunc {
	return func(context.Context) error {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("helper %q not found", name)
		}
		return nil
	}
}

// gatewayWriteTimeout leaves room for a full helper run plus the invalid
// credentials delay.
func gatewayWriteTimeout(config GatewayConfig) time.Duration {
	timeout := config.HelperTimeout
	if timeout <= 0 {
		timeout = helper.DefaultTimeout
	}
	if config.InvalidCredentialsDelay > 0 {
		timeout += config.InvalidCredentialsDelay
	}
	return timeout + 10*time.Second
}

// serveUntilDone runs srv until ctx is cancelled or the server fails, then
// shuts it down gracefully.
func serveUntilDone(ctx context.Context, srv *server.HTTPServer, addr string, logger *slog.Logger) error {
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Start(addr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
		if err := <-serverDone; err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
	}

	logger.Info("HTTP server gracefully stopped")
	return nil
}
