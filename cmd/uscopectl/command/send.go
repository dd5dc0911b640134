package command

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"uscope-rpc/client"
	"uscope-rpc/message"
)

type sendCommandeer struct {
	cmd            *cobra.Command
	rootCommandeer *RootCommandeer
	commandID      int
	args           string
	host           string
	port           int
}

func newSendCommandeer(rootCommandeer *RootCommandeer) *sendCommandeer {
	commandeer := &sendCommandeer{
		rootCommandeer: rootCommandeer,
	}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one command to the driver and print the response as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			commandArgs, err := parseArgs(commandeer.args)
			if err != nil {
				return errors.Wrap(err, "Failed to parse --args, expected a JSON object")
			}

			if err := rootCommandeer.initialize(); err != nil {
				return errors.Wrap(err, "Failed to initialize root")
			}
			defer rootCommandeer.logger.Sync() // nolint: errcheck

			// flags win over the configuration file
			cfg := rootCommandeer.config
			if cmd.Flags().Changed("host") {
				cfg.Driver.Host = commandeer.host
			}
			if cmd.Flags().Changed("port") {
				cfg.Driver.Port = commandeer.port
			}

			driverClient, closeClient, err := client.FromConfig(cfg, rootCommandeer.logger, nil)
			if err != nil {
				return errors.Wrap(err, "Failed to create client")
			}
			defer closeClient() // nolint: errcheck

			value, err := driverClient.Execute(cmd.Context(), message.NewCommand(message.CommandID(commandeer.commandID), commandArgs))
			if err != nil {
				return errors.Wrapf(err, "Failed to send command %s", message.CommandID(commandeer.commandID))
			}

			encoded, err := json.MarshalIndent(value, "", "  ")
			if err != nil {
				return errors.Wrap(err, "Failed to render response")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			return err
		},
	}

	cmd.Flags().IntVarP(&commandeer.commandID, "cmd", "", int(message.CmdNull), "Numeric command id")
	cmd.Flags().StringVarP(&commandeer.args, "args", "a", "{}", "Command arguments as a JSON object")
	cmd.Flags().StringVarP(&commandeer.host, "host", "", "", "Driver host (overrides the configuration)")
	cmd.Flags().IntVarP(&commandeer.port, "port", "p", 0, "Driver port (overrides the configuration)")

	commandeer.cmd = cmd

	return commandeer
}

// parseArgs keeps numbers as json.Number so they reach the driver exactly as typed.
func parseArgs(text string) (map[string]any, error) {
	var args map[string]any
	decoder := json.NewDecoder(strings.NewReader(text))
	decoder.UseNumber()
	if err := decoder.Decode(&args); err != nil {
		return nil, err
	}
	if decoder.More() {
		return nil, errors.New("unexpected data after the arguments object")
	}
	return args, nil
}
