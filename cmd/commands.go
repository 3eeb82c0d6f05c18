package cmd

import (
	"fmt"

	cli "github.com/spf13/cobra"

	"github.com/odpf/kleidi/cmd/migration"
	"github.com/odpf/kleidi/config"
)

var prologueContents = `kleidi %s

kleidi provisions and deploys keybot services on cloud infrastructure
`

func programPrologue(ver string) string {
	return fmt.Sprintf(prologueContents, ver)
}

// New constructs the 'root' command.
// It houses all other sub commands
func New() *cli.Command {
	cmd := &cli.Command{
		Use:          "kleidi <command> <subcommand> [flags]",
		Long:         programPrologue(config.BuildVersion),
		SilenceUsage: true,
	}

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewVersionCommand())
	cmd.AddCommand(migration.NewMigrationCommand())
	return cmd
}
