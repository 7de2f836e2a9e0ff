package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/taskdeck/taskdeck/internal/adapter/inbound/http"
	"github.com/taskdeck/taskdeck/internal/adapter/outbound/audit"
	"github.com/taskdeck/taskdeck/internal/config"
	"github.com/taskdeck/taskdeck/internal/domain/auth"
	"github.com/taskdeck/taskdeck/internal/domain/session"
	"github.com/taskdeck/taskdeck/internal/service"
	"github.com/taskdeck/taskdeck/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the taskdeck HTTP server.

Sessions are created by POSTing an initialize request to the MCP endpoint;
the canonical session id comes back in the Mcp-Session-Id response header.
GET on the same endpoint opens the SSE event stream, DELETE tears the
session down.

Examples:
  # Start with config file settings
  taskdeck serve

  # Start on a specific address
  TASKDECK_SERVER_HTTP_ADDR=:9090 taskdeck serve

  # Start with a specific config file
  taskdeck --config /path/to/config.yaml serve`,
	RunE: runServe,
}

var (
	devMode     bool
	traceMode   bool
	printConfig bool
)

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging)")
	serveCmd.Flags().BoolVar(&traceMode, "trace", false, "Export OpenTelemetry traces and metrics to stderr")
	serveCmd.Flags().BoolVar(&printConfig, "print-config", false, "Print the effective configuration and exit")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}
	if traceMode {
		cfg.Telemetry.Trace = true
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if printConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	}

	// Signal context for graceful shutdown. stop() restores default signal
	// handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(cfg)

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if cfg.Telemetry.Trace {
		shutdown, err := telemetry.Setup("taskdeck", Version)
		if err != nil {
			return fmt.Errorf("telemetry setup failed: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Error("telemetry shutdown failed", "error", err)
			}
		}()
		logger.Info("telemetry enabled", "exporter", "stdout")
	}

	factory := service.NewFactory(
		service.WithEngineLogger(logger),
		service.WithServerInfo("taskdeck", Version),
	)

	registryOpts := []session.RegistryOption{}
	if path, ok := auditPath(cfg.Audit.Output); ok {
		store, err := audit.Open(path, logger)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer func() { _ = store.Close() }()
		registryOpts = append(registryOpts, session.WithRecorder(store))
		logger.Info("audit enabled", "path", path)
	}

	registry := session.NewRegistry(factory, logger, registryOpts...)

	transportOpts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		http.WithLogger(logger),
		http.WithVersion(Version),
	}
	if len(cfg.Auth.APIKeyHashes) > 0 {
		transportOpts = append(transportOpts, http.WithKeySet(auth.NewKeySet(cfg.Auth.APIKeyHashes)))
		logger.Info("api key auth enabled", "keys", len(cfg.Auth.APIKeyHashes))
	}

	logger.Info("taskdeck starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"audit_output", cfg.Audit.Output,
	)

	transport := http.NewHTTPTransport(registry, transportOpts...)
	if err := transport.Start(ctx); err != nil {
		return err
	}

	logger.Info("taskdeck stopped")
	return nil
}

// newLogger builds the process logger writing to stderr (stdout is reserved
// for the protocol stream in stdio mode).
func newLogger(cfg *config.Config) *slog.Logger {
	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug // DevMode always forces debug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// auditPath extracts the database path from an "sqlite://<path>" audit
// output value. Returns false for "off" or empty.
func auditPath(output string) (string, bool) {
	if strings.HasPrefix(output, "sqlite://") {
		path := strings.TrimPrefix(output, "sqlite://")
		return path, path != ""
	}
	return "", false
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
