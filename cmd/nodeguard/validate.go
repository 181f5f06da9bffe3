package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentstation/nodeguard/config"
	"github.com/agentstation/nodeguard/workflow"
)

func (c *cli) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Check a workflow file without running it",
		Long: `Validate checks the workflow file against the configuration schema,
compiles every node script and every edge condition.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := expandPath(args[0])
			if err != nil {
				return err
			}
			f, err := config.Load(path)
			if err != nil {
				return err
			}
			g, err := workflow.Build(f, filepath.Dir(path))
			if err != nil {
				return err
			}

			c.logger.Debug("workflow compiled", "path", path, "entry", g.Entry())

			nodes := make([]string, 0, len(g.Nodes()))
			for _, def := range g.Nodes() {
				nodes = append(nodes, def.Name)
			}

			out := cmd.OutOrStdout()
			if c.output != textFormat {
				return c.encode(out, map[string]any{
					"workflow": g.Name(),
					"entry":    g.Entry(),
					"nodes":    nodes,
					"valid":    true,
				})
			}
			fmt.Fprintf(out, "workflow %s is valid (%d nodes, entry %s)\n", g.Name(), len(nodes), g.Entry())
			return nil
		},
	}
}
