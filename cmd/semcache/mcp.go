package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maqeel75/semcache/pkg/mcp"
)

func newMCPCmd(configPath *string) *cobra.Command {
	var autoEvict bool

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the cache as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// stdout carries the protocol; logs go to stderr.
			a, err := openApp(ctx, *configPath, os.Stderr)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if autoEvict {
				a.engine.Start()
			}
			return mcp.New(a.engine, version, a.log).Run(ctx, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().BoolVar(&autoEvict, "auto-evict", true, "run background auto-eviction while serving")
	return cmd
}
