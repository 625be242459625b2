package main

import (
	"log"
	"os"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/bridge"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/config"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Expose the bridge as an MCP tool over stdio",
	Long: `Run a Model Context Protocol server on stdin/stdout offering the
invoke_agent tool. Logs go to stderr; stdout carries only protocol messages.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	log.SetOutput(os.Stderr)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Observability.Exporter == config.ExporterStdout {
		log.Println("mcp: stdout trace exporter would corrupt the protocol stream, tracing disabled")
		cfg.Observability.Exporter = config.ExporterNone
	}
	shutdown, err := startTelemetry(cfg.Observability)
	if err != nil {
		return err
	}
	defer shutdown()

	opts := []mcp.ServerOption{mcp.WithVersion(Version)}
	if cfg.Client.Timeout > 0 {
		opts = append(opts, mcp.WithToolTimeout(cfg.Client.Timeout))
	}
	srv, err := mcp.NewBridgeServer(bridge.NewClientFromConfig(cfg.Client), opts...)
	if err != nil {
		return err
	}

	// The read loop blocks on stdin, so signals keep their default behavior
	// and end the process; the session also ends when the client closes stdin.
	log.Printf("mcp: serving %s v%s on stdio", mcp.InvokeAgentToolName, Version)
	return srv.ServeStdio(cmd.Context())
}
