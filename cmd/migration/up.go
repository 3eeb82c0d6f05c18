package migration

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odpf/kleidi/config"
	"github.com/odpf/kleidi/internal/store/postgres"
)

type upCommand struct {
	configFilePath string
}

// NewUpCommand initializes command to apply every pending migration
func NewUpCommand() *cobra.Command {
	up := &upCommand{}
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Command to apply all pending migrations",
		RunE:  up.RunE,
	}
	cmd.Flags().StringVarP(&up.configFilePath, "config", "c", up.configFilePath, "File path for server configuration")
	return cmd
}

func (u *upCommand) RunE(cmd *cobra.Command, _ []string) error {
	serverConfig, err := config.LoadServerConfig(u.configFilePath)
	if err != nil {
		return fmt.Errorf("error loading server config: %w", err)
	}

	dsn := serverConfig.Serve.DB.DSN
	if err := postgres.Migrate(dsn); err != nil {
		return fmt.Errorf("error during migration: %w", err)
	}

	version, dirty, err := postgres.Version(dsn)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Migration finished successfully, version %d (dirty: %t)\n", version, dirty) // nolint:forbidigo
	return nil
}
