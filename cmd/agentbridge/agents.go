package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/ExtendOSS/serverless-agent-pattern/agents"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/protocol"
	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the agents that can be addressed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		descriptions := agents.Describe(cfg)
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, name := range protocol.Agents() {
			marker := ""
			if string(name) == cfg.Client.Agent {
				marker = " (default)"
			}
			fmt.Fprintf(w, "%s%s\t%s\n", name, marker, descriptions[name])
		}
		return w.Flush()
	},
}
