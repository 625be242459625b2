package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/bridge"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/endpoint"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/protocol"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to agents interactively",
	Long: `Start an interactive conversation. Every line is sent to the current agent
and the session is kept across turns.

Commands:
  /agent <name>   switch agent (the session is kept)
  /session        print the current session id
  /new            start a new session
  /mode <mode>    switch between buffered and streaming
  /quit           leave`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

// chatState is what the REPL carries between turns.
type chatState struct {
	agent   string
	session string
	mode    endpoint.Mode
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	shutdown, err := startTelemetry(cfg.Observability)
	if err != nil {
		return err
	}
	defer shutdown()

	client := bridge.NewClientFromConfig(cfg.Client)
	defaults := client.Defaults()
	state := &chatState{agent: defaults.Agent, mode: defaults.Mode}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completeCommand)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "agentbridge %s, talking to %s (%s). /quit to leave.\n", Version, state.agent, state.mode)

	for {
		input, err := line.Prompt(state.agent + "> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if quit := state.command(input, out); quit {
				return nil
			}
			continue
		}

		ctx, cancel := withTimeout(cmd.Context(), cfg.Client.Timeout)
		resp, err := invokeTo(ctx, client, bridge.Options{
			Query:     input,
			Agent:     state.agent,
			SessionID: state.session,
			Mode:      state.mode,
		}, out)
		cancel()
		if resp != nil && resp.SessionID != "" {
			state.session = resp.SessionID
		}
		if err != nil {
			fmt.Fprintf(out, "error: %s\n", describe(err))
		}
	}
}

// command applies one slash command and reports whether to leave.
func (s *chatState) command(input string, out io.Writer) bool {
	fields := strings.Fields(input)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/session":
		if s.session == "" {
			fmt.Fprintln(out, "no session yet")
		} else {
			fmt.Fprintln(out, s.session)
		}
	case "/new":
		s.session = ""
		fmt.Fprintln(out, "started a new session")
	case "/agent":
		name, err := protocol.ParseAgentName(arg)
		if err != nil {
			fmt.Fprintf(out, "error: %s\n", describe(err))
			return false
		}
		s.agent = string(name)
		fmt.Fprintf(out, "talking to %s\n", s.agent)
	case "/mode":
		mode, err := endpoint.ParseMode(arg)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return false
		}
		s.mode = mode
		fmt.Fprintf(out, "mode %s\n", s.mode)
	default:
		fmt.Fprintf(out, "unknown command %s\n", fields[0])
	}
	return false
}

var chatCommands = []string{"/agent", "/session", "/new", "/mode", "/quit"}

func completeCommand(line string) []string {
	if strings.HasPrefix(line, "/agent ") {
		var out []string
		for _, a := range protocol.Agents() {
			if c := "/agent " + string(a); strings.HasPrefix(c, line) {
				out = append(out, c)
			}
		}
		return out
	}
	var out []string
	for _, c := range chatCommands {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}
	return out
}
