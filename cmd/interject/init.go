package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/interject/internal/auth"
	"github.com/mistakeknot/interject/internal/cli"
)

func initCmd() *cobra.Command {
	var keysFile, operator, settingsFile, botName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an admin API key and, optionally, a default settings file",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if settingsFile != "" {
				if err := cli.InitSettingsFile(settingsFile, botName); err != nil {
					return err
				}
				fmt.Fprintf(out, "settings written to %s\n", settingsFile)
			}
			path := auth.ResolveKeysPath(keysFile)
			key, err := cli.InitKeysFile(path, operator)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "operator %s key added to %s\n%s\n", operator, path, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "Admin keys file (defaults to INTERJECT_KEYS_FILE or ./interject.keys.yaml).")
	cmd.Flags().StringVar(&operator, "operator", "admin", "Operator name the key belongs to.")
	cmd.Flags().StringVar(&settingsFile, "settings", "", "Write default bot settings to this path.")
	cmd.Flags().StringVar(&botName, "bot-name", "", "Bot display name for the settings file.")
	return cmd
}
