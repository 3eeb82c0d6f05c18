package cmd

import (
	"fmt"

	cli "github.com/spf13/cobra"

	"github.com/odpf/kleidi/config"
)

// NewVersionCommand prints the build information of the binary
func NewVersionCommand() *cli.Command {
	return &cli.Command{
		Use:     "version",
		Short:   "Print the version information",
		Example: "kleidi version",
		Run: func(cmd *cli.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, built %s)\n", // nolint:forbidigo
				config.AppName(), config.BuildVersion, config.BuildCommit, config.BuildDate)
		},
	}
}
