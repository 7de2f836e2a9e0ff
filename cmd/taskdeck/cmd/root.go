// Package cmd provides the CLI commands for taskdeck.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskdeck/taskdeck/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "taskdeck",
	Short: "taskdeck - task-management MCP server",
	Long: `taskdeck is a task-management server speaking the Model Context Protocol.

It exposes the protocol over two transports: HTTP Streamable Transport
(POST request/response, GET SSE event stream, DELETE teardown) and
newline-delimited JSON on stdio.

Quick start:
  1. Create a config file: taskdeck.yaml (optional)
  2. Run: taskdeck serve

Configuration:
  Config is loaded from taskdeck.yaml in the current directory,
  $HOME/.taskdeck/, or /etc/taskdeck/.

  Environment variables can override config values with the TASKDECK_ prefix.
  Example: TASKDECK_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the HTTP server
  stdio       Serve one session over stdin/stdout
  hash-key    Generate a hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./taskdeck.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
