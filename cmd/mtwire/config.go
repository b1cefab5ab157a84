package main

import (
	"os"

	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the effective configuration as TOML.

Without --config the defaults are printed, which makes a starting
point for a new mtwire.toml:

  mtwire config > mtwire.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			out, err := cfg.Encode()
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}

	cmd.Flags().StringVarP(&path, "config", "c", "", "Path to mtwire.toml")

	return cmd
}
