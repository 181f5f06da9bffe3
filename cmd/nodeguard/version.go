package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func (c *cli) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Example: `  nodeguard version
  nodeguard version --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":   version,
				"commit":    commit,
				"buildDate": buildDate,
				"goVersion": runtime.Version(),
			}

			out := cmd.OutOrStdout()
			if c.output != textFormat {
				return c.encode(out, info)
			}

			fmt.Fprintf(out, "nodeguard version %s\n", version)
			if version != "dev" {
				fmt.Fprintf(out, "  commit:     %s\n", commit)
				fmt.Fprintf(out, "  built:      %s\n", buildDate)
			}
			fmt.Fprintf(out, "  go version: %s\n", info["goVersion"])
			return nil
		},
	}
}
