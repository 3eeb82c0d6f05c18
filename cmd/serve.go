package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/spf13/cobra"

	"github.com/odpf/kleidi/config"
	"github.com/odpf/kleidi/server"
)

type serveCommand struct {
	configFilePath string
}

// NewServeCommand initializes command to start server
func NewServeCommand() *cli.Command {
	serve := &serveCommand{}

	cmd := &cli.Command{
		Use:     "serve",
		Short:   "Starts kleidi service",
		Example: "kleidi serve -c kleidi.yaml",
		RunE:    serve.RunE,
	}
	cmd.Flags().StringVarP(&serve.configFilePath, "config", "c", serve.configFilePath, "File path for server configuration")
	return cmd
}

func (s *serveCommand) RunE(_ *cli.Command, _ []string) error {
	conf, err := config.LoadServerConfig(s.configFilePath)
	if err != nil {
		return err
	}

	kleidiServer, err := server.New(conf)
	defer kleidiServer.Shutdown()
	if err != nil {
		return fmt.Errorf("unable to create server: %w", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	return nil
}
