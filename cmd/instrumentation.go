package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/teemow/mailpass/internal/instrumentation"
	"github.com/teemow/mailpass/internal/server"
)

// MetricsConfig holds configuration for the metrics server
type MetricsConfig struct {
	// Enabled determines whether to start the metrics server
	Enabled bool

	// Addr is the address for the metrics server (e.g., ":9090")
	Addr string
}

// observability bundles the instrumentation provider and the optional
// metrics server of one process.
type observability struct {
	provider      *instrumentation.Provider
	metricsServer *server.MetricsServer
	auditConfig   instrumentation.AuditLoggingConfig
	logger        *slog.Logger
}

// startObservability creates the instrumentation provider and starts the
// metrics server when enabled. A metrics listen error fails startup.
func startObservability(ctx context.Context, serviceName string, metricsConfig MetricsConfig, logger *slog.Logger) (*observability, error) {
	instrConfig := instrumentation.DefaultConfig()
	if os.Getenv("OTEL_SERVICE_NAME") == "" {
		instrConfig.ServiceName = serviceName
	}
	instrConfig.ServiceVersion = version

	if err := instrConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid instrumentation config: %w", err)
	}

	provider, err := instrumentation.NewProvider(ctx, instrConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation provider: %w", err)
	}

	o := &observability{
		provider:    provider,
		auditConfig: instrConfig.AuditLogging,
		logger:      logger,
	}

	if !metricsConfig.Enabled || !provider.Enabled() {
		return o, nil
	}

	metricsServer, err := server.NewMetricsServer(server.MetricsServerConfig{
		Addr:                    metricsConfig.Addr,
		InstrumentationProvider: provider,
		Logger:                  logger,
	})
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metrics server: %w", err)
	}

	metricsErr := make(chan error, 1)
	go func() {
		metricsErr <- metricsServer.Start()
	}()

	// Start only returns early on a listen error.
	select {
	case err := <-metricsErr:
		_ = provider.Shutdown(ctx)
		if err == nil {
			err = errors.New("stopped unexpectedly")
		}
		return nil, fmt.Errorf("metrics server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	o.metricsServer = metricsServer
	logger.Info("metrics server started", "addr", metricsServer.Addr())
	return o, nil
}

// Metrics returns the metrics recorder; it is a no-op when instrumentation is disabled.
func (o *observability) Metrics() *instrumentation.Metrics {
	return o.provider.Metrics()
}

// AuditLogger returns the audit logger, or nil when audit logging is disabled.
func (o *observability) AuditLogger() *instrumentation.AuditLogger {
	if !o.auditConfig.Enabled {
		return nil
	}
	return instrumentation.NewAuditLoggerWithConfig(o.logger, o.auditConfig)
}

// Shutdown stops the metrics server and flushes the providers.
func (o *observability) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if o.metricsServer != nil {
		if err := o.metricsServer.Shutdown(ctx); err != nil {
			o.logger.Warn("error during metrics server shutdown", "error", err)
		}
	}
	if err := o.provider.Shutdown(ctx); err != nil {
		o.logger.Warn("error during instrumentation shutdown", "error", err)
	}
}
