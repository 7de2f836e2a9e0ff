package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskdeck/taskdeck/internal/adapter/inbound/stdio"
	"github.com/taskdeck/taskdeck/internal/config"
	"github.com/taskdeck/taskdeck/internal/service"
)

var stdioDevMode bool

var stdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve one session over stdin/stdout",
	Long: `Serve a single protocol session over newline-delimited JSON on
stdin/stdout. Intended for clients that spawn the server as a subprocess.

Logs go to stderr; stdout carries only protocol messages.

Example:
  taskdeck stdio`,
	RunE: runStdio,
}

func init() {
	stdioCmd.Flags().BoolVar(&stdioDevMode, "dev", false, "Enable development mode (verbose logging)")
	rootCmd.AddCommand(stdioCmd)
}

func runStdio(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if stdioDevMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg)

	engine := service.NewDispatchEngine(
		service.WithEngineLogger(logger),
		service.WithServerInfo("taskdeck", Version),
	)

	transport := stdio.NewStdioTransport(engine, stdio.WithLogger(logger))
	logger.Info("transport mode: stdio", "version", Version)
	return transport.Start(ctx)
}
