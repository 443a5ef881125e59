package main

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newConfigCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and change runtime cache settings",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List every setting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				all := a.engine.AllConfig()
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tVALUE")
				for _, k := range slices.Sorted(maps.Keys(all)) {
					fmt.Fprintf(w, "%s\t%s\n", k, all[k])
				}
				return w.Flush()
			})
		},
	}

	getCmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				v, ok := a.engine.GetConfig(args[0])
				if !ok {
					return fmt.Errorf("unknown config key %q", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			})
		},
	}

	setCmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change one setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				if err := a.engine.SetConfig(ctx, args[0], args[1]); err != nil {
					return err
				}
				v, _ := a.engine.GetConfig(args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], v)
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, getCmd, setCmd)
	return cmd
}
