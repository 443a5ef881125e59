package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/maqeel75/semcache/pkg/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "semcache",
		Short:         "semcache: semantic result cache keyed by query embeddings",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotEnv(".env")
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults apply when empty)")

	root.AddCommand(
		newServeCmd(&configPath),
		newMCPCmd(&configPath),
		newStatsCmd(&configPath),
		newCostCmd(&configPath),
		newEvictCmd(&configPath),
		newClearCmd(&configPath),
		newInvalidateCmd(&configPath),
		newRebuildCmd(&configPath),
		newReconcileCmd(&configPath),
		newConfigCmd(&configPath),
	)
	return root
}
