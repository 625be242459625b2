package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	tracing "github.com/ExtendOSS/serverless-agent-pattern/internal/observability"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/config"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/observability"
	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "agentbridge",
	Short: "Invoke and host named agents over signed HTTP",
	Long: `agentbridge calls remotely hosted agents with SigV4-signed requests,
either as one buffered reply or as a stream of text fragments, and keeps
conversations going across calls through a session id.

The same binary hosts the agents (serve) and exposes the bridge as an MCP
tool for assistants (mcp).`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("AGENTBRIDGE_CONFIG"), "configuration file (YAML)")
	rootCmd.AddCommand(invokeCmd, chatCmd, serveCmd, mcpCmd, agentsCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", describe(err))
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

// loadConfig reads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// startTelemetry initializes tracing and metrics and returns the shutdown
// hook for tracing.
func startTelemetry(cfg config.ObservabilityConfig) (func(), error) {
	if err := tracing.Init(tracing.Config{
		ServiceName:  cfg.ServiceName,
		ExporterType: cfg.Exporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.SampleRate,
	}); err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	if cfg.EnableMetrics {
		observability.InitMetrics()
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(ctx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
	}, nil
}

// describe renders err with its kind and context when it carries them.
func describe(err error) string {
	if e, ok := apperr.As(err); ok {
		return e.Describe()
	}
	return err.Error()
}
