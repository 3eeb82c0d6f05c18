package migration

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odpf/kleidi/config"
	"github.com/odpf/kleidi/internal/store/postgres"
)

type migrateTo struct {
	configFilePath string
	version        int
}

// NewMigrateToCommand initializes command for migration to a specific version
func NewMigrateToCommand() *cobra.Command {
	to := &migrateTo{}
	cmd := &cobra.Command{
		Use:   "to",
		Short: "Command to migrate to specific migration version",
		RunE:  to.RunE,
	}
	cmd.Flags().StringVarP(&to.configFilePath, "config", "c", to.configFilePath, "File path for server configuration")
	cmd.Flags().IntVarP(&to.version, "version", "v", -1, "Migration version to move to")
	return cmd
}

func (m *migrateTo) RunE(cmd *cobra.Command, _ []string) error {
	if m.version < 0 {
		return errors.New("invalid migration version")
	}

	serverConfig, err := config.LoadServerConfig(m.configFilePath)
	if err != nil {
		return fmt.Errorf("error loading server config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Executing migration to version %d\n", m.version) // nolint:forbidigo
	if err := postgres.ToVersion(uint(m.version), serverConfig.Serve.DB.DSN); err != nil {
		return fmt.Errorf("error during migration: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Migration finished successfully") // nolint:forbidigo
	return nil
}
