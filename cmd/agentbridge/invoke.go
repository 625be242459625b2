package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/bridge"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/endpoint"
	"github.com/spf13/cobra"
)

var invokeFlags struct {
	agent    string
	session  string
	profile  string
	target   string
	region   string
	endpoint string
	mode     string
}

var invokeCmd = &cobra.Command{
	Use:   "invoke [flags] <query...>",
	Short: "Ask an agent one question",
	Long: `Send one query to a hosted agent and print the answer as it arrives.

The session id is printed to stderr after the answer. Pass it back with
--session to continue the same conversation.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInvoke,
}

func init() {
	f := invokeCmd.Flags()
	f.StringVarP(&invokeFlags.agent, "agent", "a", "", "agent to address (default from config)")
	f.StringVarP(&invokeFlags.session, "session", "s", "", "session id to resume")
	f.StringVar(&invokeFlags.profile, "profile", "", "AWS profile used for signing")
	f.StringVar(&invokeFlags.target, "target", "", "stack holding the endpoint outputs")
	f.StringVar(&invokeFlags.region, "region", "", "AWS region")
	f.StringVar(&invokeFlags.endpoint, "endpoint", "", "call this URL instead of looking one up")
	f.StringVar(&invokeFlags.mode, "mode", "", "delivery mode: buffered or streaming")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	shutdown, err := startTelemetry(cfg.Observability)
	if err != nil {
		return err
	}
	defer shutdown()

	var mode endpoint.Mode
	if invokeFlags.mode != "" {
		if mode, err = endpoint.ParseMode(invokeFlags.mode); err != nil {
			return err
		}
	}

	client := bridge.NewClientFromConfig(cfg.Client)
	ctx, cancel := withTimeout(cmd.Context(), cfg.Client.Timeout)
	defer cancel()

	resp, err := invokeTo(ctx, client, bridge.Options{
		Query:            strings.Join(args, " "),
		Agent:            invokeFlags.agent,
		SessionID:        invokeFlags.session,
		Profile:          invokeFlags.profile,
		TargetID:         invokeFlags.target,
		Region:           invokeFlags.region,
		EndpointOverride: invokeFlags.endpoint,
		Mode:             mode,
	}, cmd.OutOrStdout())
	if resp != nil && resp.SessionID != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", resp.SessionID)
	}
	return err
}

// invokeTo runs one invocation and copies the answer to out as it arrives.
func invokeTo(ctx context.Context, client *bridge.Client, o bridge.Options, out io.Writer) (*bridge.Response, error) {
	wrote := false
	o.OnFragment = func(fragment string) error {
		if fragment == "" {
			return nil
		}
		wrote = true
		_, err := io.WriteString(out, fragment)
		return err
	}
	resp, err := client.Invoke(ctx, o)
	if wrote {
		fmt.Fprintln(out)
	}
	return resp, err
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}
