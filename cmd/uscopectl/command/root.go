// Package command implements the uscopectl command tree.
package command

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"uscope-rpc/config"
	"uscope-rpc/logging"
)

// Version is set at build time with -ldflags "-X uscope-rpc/cmd/uscopectl/command.Version=...".
var Version = "dev"

type RootCommandeer struct {
	cmd        *cobra.Command
	configPath string
	verbose    bool

	config *config.Config
	logger *zap.Logger
}

func NewRootCommandeer() *RootCommandeer {
	commandeer := &RootCommandeer{}

	cmd := &cobra.Command{
		Use:           "uscopectl [command]",
		Short:         "uscope driver command-line interface",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&commandeer.configPath, "config", "c", "", "Path to a TOML configuration file (default $"+config.EnvConfigPath+")")
	cmd.PersistentFlags().BoolVarP(&commandeer.verbose, "verbose", "v", false, "Verbose output")

	cmd.AddCommand(
		newSendCommandeer(commandeer).cmd,
		newEmulateCommandeer(commandeer).cmd,
		newVersionCommandeer(commandeer).cmd,
	)

	commandeer.cmd = cmd

	return commandeer
}

// GetCmd returns the underlying cobra command
func (rc *RootCommandeer) GetCmd() *cobra.Command {
	return rc.cmd
}

func (rc *RootCommandeer) initialize() error {
	var err error

	rc.config, err = config.Load(rc.configPath)
	if err != nil {
		return errors.Wrap(err, "Failed to load configuration")
	}

	level := rc.config.Log.Level
	if rc.verbose {
		level = "debug"
	}

	rc.logger, err = logging.New(level, rc.config.Log.Format)
	if err != nil {
		return errors.Wrap(err, "Failed to create logger")
	}

	rc.logger.Debug("Loaded configuration",
		zap.String("path", rc.configPath),
		zap.String("driver", rc.config.Address()))

	return nil
}
