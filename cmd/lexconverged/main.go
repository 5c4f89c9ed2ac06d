// Lexconverged is the legal-reference convergence daemon.
//
// It runs extraction jobs over Spanish and EU legal texts and serves them
// over an HTTP API (with SSE progress streams fed from NATS) or, with the
// mcp command, as MCP tools on stdio.
//
// Usage:
//
//	# Start the HTTP daemon with defaults
//	lexconverged
//
//	# Use a config file and an embedded NATS server
//	NATS_EMBEDDED=true lexconverged serve --config ~/.config/lexconverge/config.yaml
//
//	# Serve MCP tools on stdio
//	lexconverged mcp
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	root := &cobra.Command{
		Use:   "lexconverged",
		Short: "Legal reference convergence daemon",
		Long: `lexconverged extracts, validates and ranks legal references in documents.

Several extraction agents read each document; their findings are normalized,
resolved against the BOE and EUR-Lex, and merged over convergence rounds
until the reference set stops changing.`,
		Version:       version,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/lexconverge/config.yaml)")
	root.AddCommand(serve, newMCPCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP job API",
		Long: `Run the HTTP job API until interrupted.

Examples:
  # Start with defaults (127.0.0.1:9090)
  lexconverged serve

  # Override the port from the environment
  SERVER_HTTP_PORT=8080 lexconverged serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath)
		},
	}
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the job tools over MCP on stdio",
		Long: `Serve extract_references, job_status, job_cancel and job_list as MCP
tools on stdin/stdout. Logs go to stderr.

Examples:
  lexconverged mcp`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runMCP(ctx, configPath)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd)
		},
	}
}

// printVersion prints version information
func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "lexconverged by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}
