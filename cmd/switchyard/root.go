package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/switchyard/switchyard/internal/config"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "switchyard",
		Short: "Adapter orchestration core",
		Long: `Switchyard loads pluggable adapters, watches their health behind circuit
breakers, sheds or restores them as host resources change, and routes
requests to them with dead-letter retries.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "config file (YAML); SWITCHYARD_* environment variables override it")

	root.AddCommand(newRunCmd(), newValidateCmd(), newVersionCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Configuration, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "configuration valid: %d adapter setting group(s), scaling enabled=%t, archive enabled=%t\n",
				len(cfg.Adapters.Settings), cfg.Scaling.Enabled, cfg.Archive.Enabled)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "switchyard %s (%s)\n", version, commit)
			return err
		},
	}
}
