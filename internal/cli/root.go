package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

// NewRootCmd builds the dailyconnectd command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "dailyconnectd",
		Short: "DailyConnect to Home Assistant bridge",
		Long:  "dailyconnectd polls a DailyConnect childcare account and publishes each child's day as Home Assistant entities over MQTT and a local HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", envOr("DAILYCONNECT_CONFIG", "config.yaml"), "Path to the YAML config file")

	root.AddCommand(
		newRunCmd(&configPath),
		newCheckCmd(&configPath),
		newSnapshotCmd(&configPath),
	)

	root.Version = Version
	root.SetVersionTemplate(fmt.Sprintf("dailyconnectd %s\n", Version))

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
